package domain

import "time"

// ArtifactKind classifies configuration documents stored per channel.
type ArtifactKind string

const (
	ArtifactEnv   ArtifactKind = "env"
	ArtifactRole  ArtifactKind = "role"
	ArtifactTool  ArtifactKind = "tool"
	ArtifactFocus ArtifactKind = "focus"
)

// Artifact is a configuration document. Only its content is read here.
type Artifact struct {
	SpaceID   string       `json:"space_id"`
	ChannelID string       `json:"channel_id"`
	Slug      string       `json:"slug"`
	Kind      ArtifactKind `json:"kind"`
	Content   string       `json:"content"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SecretRef addresses one encrypted secret value.
type SecretRef struct {
	Space    string
	Channel  string
	Artifact string
	Key      string
}

// OAuthToken is the stored credential metadata for an integration or tool.
type OAuthToken struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// ValidFor reports whether the token is usable for at least buffer more time.
// A zero expiry means the token does not expire.
func (t *OAuthToken) ValidFor(now time.Time, buffer time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return t.ExpiresAt.After(now.Add(buffer))
}

// Integration is an external service connected to a space.
type Integration struct {
	ID         string            `json:"id"`
	SpaceID    string            `json:"space_id"`
	Provider   string            `json:"provider"`
	Name       string            `json:"name"`
	Transport  string            `json:"transport"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	Credential *OAuthToken       `json:"credential,omitempty"`
}

// Transport kinds for tool endpoints.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// ToolEndpoint tells an agent instance how to reach one tool server.
type ToolEndpoint struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Builtin   bool              `json:"builtin,omitempty"`
}
