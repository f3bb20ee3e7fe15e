package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// AgentRef identifies one agent instance: a callsign inside a channel of a space.
type AgentRef struct {
	Space    string `json:"space_id"`
	Channel  string `json:"channel_id"`
	Callsign string `json:"callsign"`
}

// InstanceID returns the deterministic compute-instance key for the agent.
// The same triple always yields the same key, across processes and restarts.
func (r AgentRef) InstanceID() string {
	sum := sha256.Sum256([]byte(r.Space + "/" + r.Channel + "/" + r.Callsign))
	return "agent-" + hex.EncodeToString(sum[:])[:20]
}

func (r AgentRef) String() string {
	return r.Space + "/" + r.Channel + "/" + r.Callsign
}

// AgentStatus is the lifecycle status of a roster entry.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentPaused   AgentStatus = "paused"
	AgentArchived AgentStatus = "archived"
)

// Routable reports whether messages may be delivered to an agent in this status.
func (s AgentStatus) Routable() bool { return s == AgentActive }

// RosterEntry is the durable record of one agent in one channel. It is the only
// state the router trusts for reachability.
type RosterEntry struct {
	ChannelID         string      `json:"channel_id"`
	Callsign          string      `json:"callsign"`
	AgentType         string      `json:"agent_type"`
	Status            AgentStatus `json:"status"`
	RuntimeID         string      `json:"runtime_id,omitempty"`
	CallbackURL       string      `json:"callback_url,omitempty"`
	TunnelID          string      `json:"tunnel_id,omitempty"`
	LastReadMessageID string      `json:"last_read_message_id,omitempty"`
	LastDeliveryAt    time.Time   `json:"last_delivery_at,omitzero"`
	CreatedAt         time.Time   `json:"created_at"`
}

// RosterUpdate is a field-scoped mutation. Only non-nil fields are written;
// an empty string clears the field.
type RosterUpdate struct {
	Status      *AgentStatus
	RuntimeID   *string
	CallbackURL *string
	TunnelID    *string
}

// Empty reports whether the update carries no fields.
func (u RosterUpdate) Empty() bool {
	return u.Status == nil && u.RuntimeID == nil && u.CallbackURL == nil && u.TunnelID == nil
}
