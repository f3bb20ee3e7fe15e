package domain

import "context"

// ExecutionContext is the per-turn configuration of one agent instance.
// It is rebuilt on every activation and delivery, never persisted.
type ExecutionContext struct {
	Ref          AgentRef       `json:"ref"`
	InstanceID   string         `json:"instance_id"`
	Credential   string         `json:"-"`
	SystemPrompt string         `json:"system_prompt"`
	Tools        []ToolEndpoint `json:"tools"`
	TunnelID     string         `json:"tunnel_id,omitempty"`
}

// Delivery is the structured payload pushed to a running agent.
type Delivery struct {
	InstanceID   string         `json:"instance_id"`
	Ref          AgentRef       `json:"ref"`
	Message      Message        `json:"message"`
	SystemPrompt string         `json:"system_prompt"`
	Credential   string         `json:"credential,omitempty"`
	Tools        []ToolEndpoint `json:"tools,omitempty"`
}

// CallbackTarget is a container callback address plus its routing hints.
type CallbackTarget struct {
	Address  string
	TunnelID string
}

// WorkerPusher pushes a delivery over a worker-process connection.
// A nil error means the worker accepted it.
type WorkerPusher interface {
	PushToWorker(ctx context.Context, handle string, d Delivery) error
}

// CallbackPusher pushes a delivery to a container callback address.
// A nil error means the container accepted it.
type CallbackPusher interface {
	PushToCallback(ctx context.Context, target CallbackTarget, d Delivery) error
}

// CredentialIssuer maps an agent identity to a short-lived signed credential.
type CredentialIssuer interface {
	Issue(ref AgentRef) (string, error)
}

// CredentialVerifier recovers the agent identity from a credential.
type CredentialVerifier interface {
	Verify(token string) (AgentRef, error)
}

// TokenSource yields a currently valid OAuth access token for a tool
// reference, refreshing and persisting it when needed.
type TokenSource interface {
	AccessToken(ctx context.Context, key ToolTokenKey, oauth *OAuthSettings) (string, error)
}

// ToolTokenKey addresses the stored OAuth token of a tool configuration.
type ToolTokenKey struct {
	Space   string
	Channel string
	Slug    string
}

// OAuthSettings is the OAuth client declared by a tool configuration.
type OAuthSettings struct {
	ClientID     string   `yaml:"client_id" json:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"-"`
	TokenURL     string   `yaml:"token_url" json:"token_url"`
	Scopes       []string `yaml:"scopes" json:"scopes,omitempty"`
}
