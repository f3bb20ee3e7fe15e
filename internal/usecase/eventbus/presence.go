package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
	"agentdock/internal/infra/metrics"
)

// PresenceNotifier publishes presence changes on the bus. The gateway
// subscribes to EventPresenceChanged and forwards frames to the channel's
// live subscribers.
type PresenceNotifier struct {
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

var _ domain.PresenceNotifier = (*PresenceNotifier)(nil)

// NewPresenceNotifier creates a notifier. m may be nil.
func NewPresenceNotifier(bus domain.EventBus, m *metrics.Metrics, log *slog.Logger) *PresenceNotifier {
	return &PresenceNotifier{bus: bus, metrics: m, logger: logger.OrDiscard(log), now: time.Now}
}

// NotifyPresence never fails: presence is advisory.
func (n *PresenceNotifier) NotifyPresence(ctx context.Context, p domain.Presence) {
	payload, err := json.Marshal(p)
	if err != nil {
		n.logger.Warn("presence marshal failed", "callsign", p.Callsign, "error", err)
		return
	}
	n.metrics.Presence(string(p.State))
	n.logger.Debug("presence", "channel_id", p.ChannelID, "callsign", p.Callsign, "state", string(p.State))
	n.bus.Publish(ctx, domain.Event{
		Type:      domain.EventPresenceChanged,
		Timestamp: n.now(),
		ChannelID: p.ChannelID,
		Payload:   payload,
	})
}

// DecodePresence extracts the Presence carried by an EventPresenceChanged event.
func DecodePresence(e domain.Event) (domain.Presence, error) {
	var p domain.Presence
	if e.Type != domain.EventPresenceChanged {
		return p, domain.NewDomainError("DecodePresence", domain.ErrInvalidInput, "event "+string(e.Type))
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
