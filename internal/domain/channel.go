package domain

import "time"

// Space groups channels and owns the root configuration layer.
type Space struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RootChannelID string    `json:"root_channel_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Channel is a conversation a roster of agents is attached to.
type Channel struct {
	ID         string    `json:"id"`
	SpaceID    string    `json:"space_id"`
	Name       string    `json:"name"`
	Tagline    string    `json:"tagline,omitempty"`
	Mission    string    `json:"mission,omitempty"`
	FocusSlug  string    `json:"focus_slug,omitempty"`
	OperatorID string    `json:"operator_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Operator is the human who owns a channel.
type Operator struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Message is a durably stored chat message. IDs are ULIDs so lexical order
// follows creation order.
type Message struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
