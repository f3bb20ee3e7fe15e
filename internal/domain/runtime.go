package domain

import (
	"context"
	"time"
)

// RuntimeStatus is the connectivity of a long-lived worker process.
type RuntimeStatus string

const (
	RuntimeOnline  RuntimeStatus = "online"
	RuntimeOffline RuntimeStatus = "offline"
)

// RuntimeRecord describes one worker process that can host agents. It is
// written by the connection handshake and read by the router.
type RuntimeRecord struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Status           RuntimeStatus `json:"status"`
	ConnectionHandle string        `json:"connection_handle,omitempty"`
	LastSeen         time.Time     `json:"last_seen"`
}

// Reachable reports whether the record can accept a push right now.
func (r *RuntimeRecord) Reachable() bool {
	return r != nil && r.Status == RuntimeOnline && r.ConnectionHandle != ""
}

// ActivateRequest carries everything a compute backend needs to start or
// resume one agent instance.
type ActivateRequest struct {
	InstanceID   string         `json:"instance_id"`
	Ref          AgentRef       `json:"ref"`
	Credential   string         `json:"-"`
	SystemPrompt string         `json:"system_prompt"`
	Tools        []ToolEndpoint `json:"tools"`
	TunnelID     string         `json:"tunnel_id,omitempty"`
	// Env is the resolved channel environment, secrets included.
	Env map[string]string `json:"-"`
}

// ManagedInstance is what the runtime reports after activation.
type ManagedInstance struct {
	InstanceID       string    `json:"instance_id"`
	Ref              AgentRef  `json:"ref"`
	ListeningAddress string    `json:"listening_address"`
	StartedAt        time.Time `json:"started_at"`
}

// AgentRuntime is the abstract compute backend.
type AgentRuntime interface {
	Activate(ctx context.Context, req ActivateRequest) (*ManagedInstance, error)
	Suspend(ctx context.Context, instanceID, reason string) error
	ShutdownAll(ctx context.Context) error
}
