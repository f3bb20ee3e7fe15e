// Package routing delivers channel messages to agent instances. The roster
// entry in storage is the only record of where an agent runs; the router
// keeps no state between calls.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
	"agentdock/internal/infra/metrics"
	"agentdock/internal/infra/tracer"
)

// Delivery paths, used as metric labels.
const (
	pathWorker   = "worker"
	pathCallback = "callback"
	pathSpawn    = "spawn"
)

// Lifecycle is the part of the lifecycle manager the router uses.
type Lifecycle interface {
	Prepare(ctx context.Context, ref domain.AgentRef) (*domain.ExecutionContext, error)
	Activate(ctx context.Context, ref domain.AgentRef) (*domain.ManagedInstance, error)
}

// Deps are the collaborators of a Router. Metrics may be nil.
type Deps struct {
	Channels  domain.ChannelStore
	Roster    domain.RosterStore
	Runtimes  domain.RuntimeStore
	Lifecycle Lifecycle
	Workers   domain.WorkerPusher
	Callbacks domain.CallbackPusher
	Presence  domain.PresenceNotifier
	Metrics   *metrics.Metrics
}

// Router fans a message out to its targets.
type Router struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Router.
func New(deps Deps, log *slog.Logger) *Router {
	return &Router{deps: deps, logger: logger.OrDiscard(log), now: time.Now}
}

// Route attempts delivery of msg to every target concurrently and returns
// once all attempts have settled. Failures are logged and reflected in
// presence notifications; one target never affects another.
func (r *Router) Route(ctx context.Context, channelID string, targets []string, msg domain.Message) {
	ctx, span := tracer.StartSpan(ctx, "router.route", tracer.AgentAttrs(channelID, ""))
	defer span.End()

	targets = domain.NormalizeCallsigns(targets)
	if len(targets) == 0 {
		return
	}
	ch, err := r.deps.Channels.GetChannel(ctx, channelID)
	if err != nil {
		r.logger.Error("route: channel lookup failed", "channel_id", channelID, "message_id", msg.ID, "error", err)
		tracer.RecordError(span, err)
		return
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for _, callsign := range targets {
		ref := domain.AgentRef{Space: ch.SpaceID, Channel: ch.ID, Callsign: callsign}
		wg.Go(func() {
			if err := r.safeDeliver(ctx, ref, msg); err != nil {
				failed.Add(1)
				r.logger.Warn("delivery failed", "channel_id", ref.Channel, "callsign", ref.Callsign, "message_id", msg.ID, "error", err)
			}
		})
	}
	wg.Wait()

	if n := int(failed.Load()); n > 0 {
		r.deps.Metrics.FanoutFailures(n)
		r.logger.Warn("routing finished with failures", "channel_id", channelID, "message_id", msg.ID, "failed", n, "total", len(targets))
		span.SetAttributes(tracer.IntAttr("route.failed", n))
	}
	span.SetAttributes(tracer.IntAttr("route.targets", len(targets)))
	tracer.SetOK(span)
}

// safeDeliver turns a panic anywhere in one target's pipeline into an error.
func (r *Router) safeDeliver(ctx context.Context, ref domain.AgentRef, msg domain.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("delivery panicked: %v", p)
		}
	}()
	return r.deliver(ctx, ref, msg)
}

func (r *Router) deliver(ctx context.Context, ref domain.AgentRef, msg domain.Message) error {
	ctx, span := tracer.StartSpan(ctx, "router.deliver", tracer.AgentAttrs(ref.Channel, ref.Callsign))
	defer span.End()

	reach, err := r.resolve(ctx, ref)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}

	switch v := reach.(type) {
	case Skip:
		r.logger.Debug("target not routable", "callsign", ref.Callsign, "status", string(v.Status))
		return nil
	case ProcessOffline:
		r.deps.Metrics.Delivery(pathWorker, "offline")
		r.notify(ctx, ref, domain.PresenceOffline)
		return nil
	case BoundProcess:
		err = r.pushWorker(ctx, ref, v, msg)
	case Callback:
		err = r.pushCallback(ctx, ref, v, msg)
	case Unreachable:
		r.notify(ctx, ref, domain.PresenceConnecting)
		err = r.spawn(ctx, ref)
	}
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// resolve reads the roster entry and, when bound, the runtime record.
func (r *Router) resolve(ctx context.Context, ref domain.AgentRef) (Reachability, error) {
	entry, err := r.deps.Roster.GetRosterEntry(ctx, ref.Channel, ref.Callsign)
	if err != nil {
		if !errors.Is(err, domain.ErrAgentNotFound) {
			return nil, err
		}
		entry = nil
	}

	var rt *domain.RuntimeRecord
	if entry != nil && entry.RuntimeID != "" && entry.Status.Routable() {
		rt, err = r.deps.Runtimes.GetRuntime(ctx, entry.RuntimeID)
		if err != nil && !errors.Is(err, domain.ErrRuntimeNotFound) {
			return nil, err
		}
	}
	return ResolveReachability(entry, rt), nil
}

func (r *Router) pushWorker(ctx context.Context, ref domain.AgentRef, v BoundProcess, msg domain.Message) error {
	ec, err := r.deps.Lifecycle.Prepare(ctx, ref)
	if err != nil {
		return err
	}
	if err := r.deps.Workers.PushToWorker(ctx, v.Handle, delivery(ec, msg)); err != nil {
		// The connection may only be momentarily stale: keep the binding.
		r.deps.Metrics.Delivery(pathWorker, "error")
		r.logger.Warn("worker push failed", "callsign", ref.Callsign, "runtime_id", v.RuntimeID, "error", err)
		r.notify(ctx, ref, domain.PresenceOffline)
		return nil
	}
	r.deps.Metrics.Delivery(pathWorker, "ok")
	return r.accepted(ctx, ref, msg)
}

func (r *Router) pushCallback(ctx context.Context, ref domain.AgentRef, v Callback, msg domain.Message) error {
	ec, err := r.deps.Lifecycle.Prepare(ctx, ref)
	if err != nil {
		return err
	}
	err = r.deps.Callbacks.PushToCallback(ctx, v.Target, delivery(ec, msg))
	if err == nil {
		r.deps.Metrics.Delivery(pathCallback, "ok")
		return r.accepted(ctx, ref, msg)
	}
	r.deps.Metrics.Delivery(pathCallback, "error")
	r.logger.Warn("callback push failed, respawning", "callsign", ref.Callsign, "address", v.Target.Address, "error", err)

	if err := r.deps.Roster.UpdateRosterEntry(ctx, ref.Channel, ref.Callsign, domain.RosterUpdate{CallbackURL: new("")}); err != nil {
		r.logger.Warn("clearing stale callback failed", "callsign", ref.Callsign, "error", err)
	}
	r.notify(ctx, ref, domain.PresenceConnecting)
	return r.spawn(ctx, ref)
}

// spawn starts compute. The new instance picks up this message from its
// backlog when it checks in.
func (r *Router) spawn(ctx context.Context, ref domain.AgentRef) error {
	if _, err := r.deps.Lifecycle.Activate(ctx, ref); err != nil {
		r.deps.Metrics.Delivery(pathSpawn, "error")
		return fmt.Errorf("spawn %s: %w", ref.Callsign, err)
	}
	r.deps.Metrics.Delivery(pathSpawn, "ok")
	return nil
}

// accepted records a confirmed delivery, then tells observers a reply is
// pending.
func (r *Router) accepted(ctx context.Context, ref domain.AgentRef, msg domain.Message) error {
	err := r.deps.Roster.MarkDelivered(ctx, ref.Channel, ref.Callsign, msg.ID, r.now())
	r.notify(ctx, ref, domain.PresencePending)
	return err
}

func (r *Router) notify(ctx context.Context, ref domain.AgentRef, state domain.PresenceState) {
	r.deps.Presence.NotifyPresence(ctx, domain.Presence{ChannelID: ref.Channel, Callsign: ref.Callsign, State: state})
}

func delivery(ec *domain.ExecutionContext, msg domain.Message) domain.Delivery {
	return domain.Delivery{
		InstanceID:   ec.InstanceID,
		Ref:          ec.Ref,
		Message:      msg,
		SystemPrompt: ec.SystemPrompt,
		Credential:   ec.Credential,
		Tools:        ec.Tools,
	}
}
