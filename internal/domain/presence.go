package domain

import "context"

// PresenceState is the reachability signal shown to channel observers.
type PresenceState string

const (
	PresenceOffline    PresenceState = "offline"
	PresenceConnecting PresenceState = "connecting"
	PresencePending    PresenceState = "pending"
	PresenceOnline     PresenceState = "online"
	// PresenceRemoved tells observers to drop the agent from roster views.
	PresenceRemoved PresenceState = "removed"
)

// Presence is the payload of an EventPresenceChanged event.
type Presence struct {
	ChannelID string        `json:"channel_id"`
	Callsign  string        `json:"callsign"`
	State     PresenceState `json:"state"`
}

// PresenceNotifier pushes a presence frame to a channel's live subscribers.
type PresenceNotifier interface {
	NotifyPresence(ctx context.Context, p Presence)
}
