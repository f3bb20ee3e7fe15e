package domaintest

import (
	"context"
	"sync"

	"agentdock/internal/domain"
)

// Presences records presence notifications.
type Presences struct {
	mu  sync.Mutex
	got []domain.Presence
}

var _ domain.PresenceNotifier = (*Presences)(nil)

func (p *Presences) NotifyPresence(_ context.Context, pr domain.Presence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, pr)
}

// All returns every notification in emission order.
func (p *Presences) All() []domain.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Presence(nil), p.got...)
}

// For returns the states emitted for one callsign.
func (p *Presences) For(callsign string) []domain.PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.PresenceState
	for _, pr := range p.got {
		if pr.Callsign == callsign {
			out = append(out, pr.State)
		}
	}
	return out
}

// StaticIssuer issues "cred:<instance id>" credentials.
type StaticIssuer struct{}

func (StaticIssuer) Issue(ref domain.AgentRef) (string, error) {
	return "cred:" + ref.InstanceID(), nil
}
