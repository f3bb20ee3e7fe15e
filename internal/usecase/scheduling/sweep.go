package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
	"agentdock/internal/infra/metrics"
)

// RuntimeSweeper takes worker runtimes offline, either when their
// connection drops or when they stop sending heartbeats.
type RuntimeSweeper struct {
	runtimes   domain.RuntimeStore
	roster     domain.RosterStore
	notifier   domain.PresenceNotifier
	metrics    *metrics.Metrics
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRuntimeSweeper creates a sweeper. m may be nil.
func NewRuntimeSweeper(
	runtimes domain.RuntimeStore,
	roster domain.RosterStore,
	notifier domain.PresenceNotifier,
	m *metrics.Metrics,
	staleAfter time.Duration,
	log *slog.Logger,
) *RuntimeSweeper {
	return &RuntimeSweeper{
		runtimes:   runtimes,
		roster:     roster,
		notifier:   notifier,
		metrics:    m,
		staleAfter: staleAfter,
		logger:     logger.OrDiscard(log),
		now:        time.Now,
	}
}

// Job returns the sweep as a schedulable job.
func (w *RuntimeSweeper) Job(schedule string) Job {
	return Job{Name: "runtime_sweep", Schedule: schedule, Run: w.Sweep}
}

// Sweep marks every online runtime not seen within staleAfter as offline.
func (w *RuntimeSweeper) Sweep(ctx context.Context) error {
	stale, err := w.runtimes.ListStaleRuntimes(ctx, w.now().Add(-w.staleAfter))
	if err != nil {
		return domain.WrapOp("RuntimeSweeper.Sweep", err)
	}
	var errs []error
	for _, rt := range stale {
		w.logger.Info("runtime heartbeat expired", "runtime_id", rt.ID, "last_seen", rt.LastSeen)
		if err := w.TakeOffline(ctx, rt.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TakeOffline marks one runtime offline and tells observers of every
// routable agent bound to it.
func (w *RuntimeSweeper) TakeOffline(ctx context.Context, runtimeID string) error {
	if err := w.runtimes.SetRuntimeOffline(ctx, runtimeID); err != nil {
		return domain.WrapOp("RuntimeSweeper.TakeOffline", err)
	}
	w.metrics.WorkerConnected(-1)

	bound, err := w.roster.ListRosterByRuntime(ctx, runtimeID)
	if err != nil {
		return domain.WrapOp("RuntimeSweeper.TakeOffline", err)
	}
	for _, e := range bound {
		if !e.Status.Routable() {
			continue
		}
		w.notifier.NotifyPresence(ctx, domain.Presence{
			ChannelID: e.ChannelID,
			Callsign:  e.Callsign,
			State:     domain.PresenceOffline,
		})
	}
	return nil
}
