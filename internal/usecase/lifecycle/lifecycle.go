// Package lifecycle activates and suspends agent instances and builds the
// execution context each instance needs.
package lifecycle

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
	"agentdock/internal/infra/metrics"
	"agentdock/internal/infra/tracer"
	"agentdock/internal/usecase/configresolve"
)

// PromptBuilder renders standing instructions for an agent.
type PromptBuilder interface {
	Build(ctx context.Context, ch domain.Channel, callsign, roleSlug string) string
}

// ToolResolver assembles tool endpoints for an agent.
type ToolResolver interface {
	ResolveTools(ctx context.Context, req configresolve.ToolRequest) []domain.ToolEndpoint
}

// EnvResolver produces the flat environment of a channel.
type EnvResolver interface {
	ResolveEnv(ctx context.Context, spaceID, channelID string) map[string]string
}

// Deps are the collaborators of a Manager. Env, Bus and Metrics may be nil.
type Deps struct {
	Channels domain.ChannelStore
	Roster   domain.RosterStore
	Prompts  PromptBuilder
	Tools    ToolResolver
	Env      EnvResolver
	Issuer   domain.CredentialIssuer
	Runtime  domain.AgentRuntime
	Bus      domain.EventBus
	Metrics  *metrics.Metrics
}

// Manager owns activation and suspension of single agent instances.
type Manager struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Manager.
func New(deps Deps, log *slog.Logger) *Manager {
	return &Manager{deps: deps, logger: logger.OrDiscard(log), now: time.Now}
}

// Prepare builds the execution context for ref. A missing channel is a hard
// error; every other lookup degrades to a partial result.
//
// The channel check and the roster read run together, since the roster
// entry names the role definition. The credential is derived next, then
// the prompt and the tool endpoints are built concurrently.
func (m *Manager) Prepare(ctx context.Context, ref domain.AgentRef) (*domain.ExecutionContext, error) {
	var (
		ch    *domain.Channel
		entry *domain.RosterEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ch, err = m.deps.Channels.GetChannel(gctx, ref.Channel)
		return err
	})
	g.Go(func() error {
		e, err := m.deps.Roster.GetRosterEntry(gctx, ref.Channel, ref.Callsign)
		switch {
		case err == nil:
			entry = e
		case !errors.Is(err, domain.ErrAgentNotFound):
			m.logger.Warn("roster entry unavailable", "channel_id", ref.Channel, "callsign", ref.Callsign, "error", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, domain.WrapOp("Manager.Prepare", err)
	}
	if ref.Space != "" && ref.Space != ch.SpaceID {
		return nil, domain.NewDomainError("Manager.Prepare", domain.ErrChannelNotFound, ref.Channel+" is not in space "+ref.Space)
	}
	ref.Space = ch.SpaceID

	credential, err := m.deps.Issuer.Issue(ref)
	if err != nil {
		return nil, domain.WrapOp("Manager.Prepare", err)
	}

	roleSlug := ref.Callsign
	ec := &domain.ExecutionContext{Ref: ref, InstanceID: ref.InstanceID(), Credential: credential}
	if entry != nil {
		roleSlug = cmp.Or(entry.AgentType, ref.Callsign)
		ec.TunnelID = entry.TunnelID
	}

	// Neither builder returns an error, so the group only joins them.
	var bg errgroup.Group
	bg.Go(func() error {
		ec.SystemPrompt = m.deps.Prompts.Build(ctx, *ch, ref.Callsign, roleSlug)
		return nil
	})
	bg.Go(func() error {
		ec.Tools = m.deps.Tools.ResolveTools(ctx, configresolve.ToolRequest{
			Ref: ref, RoleSlug: roleSlug, Credential: credential,
		})
		return nil
	})
	_ = bg.Wait()
	return ec, nil
}

// Activate starts or resumes compute for ref and returns what the runtime
// reports. The instance becomes routable once it checks in or a worker
// binds it.
func (m *Manager) Activate(ctx context.Context, ref domain.AgentRef) (inst *domain.ManagedInstance, err error) {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.activate", tracer.AgentAttrs(ref.Channel, ref.Callsign))
	defer span.End()

	start := m.now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		m.deps.Metrics.Activation(outcome, m.now().Sub(start))
	}()

	ec, err := m.Prepare(ctx, ref)
	if err != nil {
		return nil, err
	}

	var env map[string]string
	if m.deps.Env != nil {
		env = m.deps.Env.ResolveEnv(ctx, ec.Ref.Space, ec.Ref.Channel)
	}

	inst, err = m.deps.Runtime.Activate(ctx, domain.ActivateRequest{
		InstanceID:   ec.InstanceID,
		Ref:          ec.Ref,
		Credential:   ec.Credential,
		SystemPrompt: ec.SystemPrompt,
		Tools:        ec.Tools,
		TunnelID:     ec.TunnelID,
		Env:          env,
	})
	if err != nil {
		return nil, domain.WrapOp("Manager.Activate", err)
	}

	m.logger.Info("agent activated",
		"channel_id", ref.Channel,
		"callsign", ref.Callsign,
		"instance_id", inst.InstanceID,
		"address", inst.ListeningAddress,
		"tools", len(ec.Tools),
	)
	m.publish(ctx, domain.EventAgentActivated, ref.Channel, inst)
	return inst, nil
}

// Suspend tears down compute for ref. It leaves the roster untouched;
// callers clear the callback address themselves.
func (m *Manager) Suspend(ctx context.Context, ref domain.AgentRef, reason string) error {
	ctx, span := tracer.StartSpan(ctx, "lifecycle.suspend", tracer.AgentAttrs(ref.Channel, ref.Callsign))
	defer span.End()

	if ref.Space == "" {
		ch, err := m.deps.Channels.GetChannel(ctx, ref.Channel)
		if err != nil {
			tracer.RecordError(span, err)
			return domain.WrapOp("Manager.Suspend", err)
		}
		ref.Space = ch.SpaceID
	}
	id := ref.InstanceID()
	if err := m.deps.Runtime.Suspend(ctx, id, reason); err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("Manager.Suspend", err)
	}
	tracer.SetOK(span)
	m.logger.Info("agent suspended", "channel_id", ref.Channel, "callsign", ref.Callsign, "instance_id", id, "reason", reason)
	m.publish(ctx, domain.EventAgentSuspended, ref.Channel, map[string]string{
		"instance_id": id, "callsign": ref.Callsign, "reason": reason,
	})
	return nil
}

// ShutdownAll stops every instance the runtime manages.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	return domain.WrapOp("Manager.ShutdownAll", m.deps.Runtime.ShutdownAll(ctx))
}

func (m *Manager) publish(ctx context.Context, t domain.EventType, channelID string, payload any) {
	if m.deps.Bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	m.deps.Bus.Publish(ctx, domain.Event{Type: t, Timestamp: m.now(), ChannelID: channelID, Payload: raw})
}
