// Package checkin handles containers announcing their callback address
// after activation and hands them the messages they missed.
package checkin

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
)

// BacklogLimit caps the number of messages returned on check-in.
const BacklogLimit = 100

// Request is the body a container posts when it is ready.
type Request struct {
	CallbackURL string `json:"callback_url"`
	TunnelID    string `json:"tunnel_id,omitempty"`
}

// Result tells the container who it is and what it missed.
type Result struct {
	Ref     domain.AgentRef  `json:"ref"`
	Backlog []domain.Message `json:"backlog"`
}

// Service records check-ins.
type Service struct {
	verifier domain.CredentialVerifier
	roster   domain.RosterStore
	messages domain.MessageStore
	presence domain.PresenceNotifier
	onStored func(address string)
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service.
func New(
	verifier domain.CredentialVerifier,
	roster domain.RosterStore,
	messages domain.MessageStore,
	presence domain.PresenceNotifier,
	log *slog.Logger,
) *Service {
	return &Service{
		verifier: verifier,
		roster:   roster,
		messages: messages,
		presence: presence,
		logger:   logger.OrDiscard(log),
		now:      time.Now,
	}
}

// OnCallbackStored registers fn to run after a callback address is stored.
func (s *Service) OnCallbackStored(fn func(address string)) {
	s.onStored = fn
}

// CheckIn verifies the instance credential, stores the callback address and
// returns the backlog after the agent's read marker, marking it delivered.
func (s *Service) CheckIn(ctx context.Context, credential string, req Request) (*Result, error) {
	ref, err := s.verifier.Verify(credential)
	if err != nil {
		return nil, domain.WrapOp("CheckIn", err)
	}
	if err := validateCallback(req.CallbackURL); err != nil {
		return nil, err
	}

	entry, err := s.roster.GetRosterEntry(ctx, ref.Channel, ref.Callsign)
	if err != nil {
		return nil, domain.WrapOp("CheckIn", err)
	}
	if !entry.Status.Routable() {
		return nil, domain.NewDomainError("CheckIn", domain.ErrDisabled, ref.Callsign+" is "+string(entry.Status))
	}

	update := domain.RosterUpdate{CallbackURL: &req.CallbackURL}
	if req.TunnelID != "" {
		update.TunnelID = &req.TunnelID
	}
	if err := s.roster.UpdateRosterEntry(ctx, ref.Channel, ref.Callsign, update); err != nil {
		return nil, domain.WrapOp("CheckIn", err)
	}
	if s.onStored != nil {
		s.onStored(req.CallbackURL)
	}
	s.presence.NotifyPresence(ctx, domain.Presence{ChannelID: ref.Channel, Callsign: ref.Callsign, State: domain.PresenceOnline})
	s.logger.Info("agent checked in", "channel_id", ref.Channel, "callsign", ref.Callsign, "callback", req.CallbackURL)

	backlog, err := s.messages.ListMessagesAfter(ctx, ref.Channel, entry.LastReadMessageID, BacklogLimit)
	if err != nil {
		// The callback is stored; the next routed message reaches the agent.
		s.logger.Warn("backlog unavailable", "callsign", ref.Callsign, "error", err)
		return &Result{Ref: ref}, nil
	}
	if len(backlog) > 0 {
		last := backlog[len(backlog)-1].ID
		if err := s.roster.MarkDelivered(ctx, ref.Channel, ref.Callsign, last, s.now()); err != nil {
			s.logger.Warn("marking backlog delivered failed", "callsign", ref.Callsign, "error", err)
		}
	}
	return &Result{Ref: ref, Backlog: backlog}, nil
}

func validateCallback(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.NewDomainError("CheckIn", domain.ErrInvalidInput, "callback_url must be an absolute http(s) URL")
	}
	return nil
}
