package domain

import (
	"context"
	"time"
)

// RosterStore persists roster entries. Writes are field-scoped; there is no
// full-row overwrite.
type RosterStore interface {
	GetRosterEntry(ctx context.Context, channelID, callsign string) (*RosterEntry, error)
	ListRoster(ctx context.Context, channelID string) ([]RosterEntry, error)
	ListRosterByRuntime(ctx context.Context, runtimeID string) ([]RosterEntry, error)
	AddRosterEntry(ctx context.Context, e RosterEntry) error
	UpdateRosterEntry(ctx context.Context, channelID, callsign string, u RosterUpdate) error
	// MarkDelivered records an accepted delivery. The delivery timestamp never
	// moves backwards.
	MarkDelivered(ctx context.Context, channelID, callsign, messageID string, at time.Time) error
}

// RuntimeStore persists worker-process records.
type RuntimeStore interface {
	GetRuntime(ctx context.Context, id string) (*RuntimeRecord, error)
	ListRuntimes(ctx context.Context) ([]RuntimeRecord, error)
	UpsertRuntime(ctx context.Context, r RuntimeRecord) error
	SetRuntimeOffline(ctx context.Context, id string) error
	TouchRuntime(ctx context.Context, id string, at time.Time) error
	MarkAllRuntimesOffline(ctx context.Context) (int, error)
	ListStaleRuntimes(ctx context.Context, seenBefore time.Time) ([]RuntimeRecord, error)
}

// ChannelStore reads and writes channel metadata.
type ChannelStore interface {
	GetSpace(ctx context.Context, id string) (*Space, error)
	CreateSpace(ctx context.Context, s Space) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	CreateChannel(ctx context.Context, c Channel) error
	GetOperator(ctx context.Context, id string) (*Operator, error)
	UpsertOperator(ctx context.Context, o Operator) error
}

// ArtifactStore exposes configuration documents by read accessors.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, spaceID, channelID string, kind ArtifactKind, slug string) (*Artifact, error)
	ListArtifacts(ctx context.Context, spaceID, channelID string, kind ArtifactKind) ([]Artifact, error)
	PutArtifact(ctx context.Context, a Artifact) error
}

// SecretStore reads and writes secrets. GetSecret returns the decrypted value.
type SecretStore interface {
	GetSecret(ctx context.Context, ref SecretRef) (string, error)
	PutSecret(ctx context.Context, ref SecretRef, plaintext string) error
}

// IntegrationStore reads connected integrations of a space.
type IntegrationStore interface {
	ListIntegrations(ctx context.Context, spaceID string) ([]Integration, error)
	PutIntegration(ctx context.Context, in Integration) error
}

// ToolTokenStore persists OAuth tokens of tool configurations.
type ToolTokenStore interface {
	GetToolToken(ctx context.Context, key ToolTokenKey) (*OAuthToken, error)
	PutToolToken(ctx context.Context, key ToolTokenKey, tok OAuthToken) error
}

// MessageStore persists chat messages.
type MessageStore interface {
	AppendMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]Message, error)
}

// SecretCipher encrypts secret values at rest.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
