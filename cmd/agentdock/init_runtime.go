package main

import (
	"context"
	"errors"
	"log/slog"

	"agentdock/internal/adapter/callback"
	"agentdock/internal/adapter/gateway"
	"agentdock/internal/adapter/mcpserver"
	"agentdock/internal/adapter/store"
	"agentdock/internal/infra/config"
	"agentdock/internal/infra/metrics"
	"agentdock/internal/infra/middleware"
	"agentdock/internal/usecase/checkin"
	"agentdock/internal/usecase/routing"
	"agentdock/internal/usecase/scheduling"
)

// RuntimeComponents holds the serving components.
type RuntimeComponents struct {
	Gateway   *gateway.Server
	Router    *routing.Router
	Scheduler *scheduling.Scheduler // nil when disabled
	// Cleanup stops the gateway, the scheduler and every local instance.
	Cleanup func(ctx context.Context) error
}

// initRuntime wires the gateway, the router and periodic maintenance.
func initRuntime(ctx context.Context, cfg *config.Config, st *store.Store, core *CoreComponents, log *slog.Logger) (*RuntimeComponents, error) {
	comp := &RuntimeComponents{}

	// 1. Gateway
	if len(cfg.Gateway.Auth.Tokens) == 0 {
		log.Warn("no gateway tokens configured; operator and worker connections will be rejected")
	}
	gw := gateway.NewServer(core.Bus, gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens), gateway.Options{
		Addr:        cfg.Gateway.Addr,
		PushTimeout: cfg.Delivery.WorkerTimeout,
	}, log)
	comp.Gateway = gw

	// 2. Router
	breaker := callback.BreakerConfig{}
	if cb := cfg.Delivery.CircuitBreaker; cb.Enabled {
		breaker = callback.BreakerConfig{MaxFailures: cb.MaxFailures, Timeout: cb.Timeout, Interval: cb.Interval}
	}
	pusher := callback.NewPusher(cfg.Delivery.CallbackTimeout, breaker, log)
	comp.Router = routing.New(routing.Deps{
		Channels:  st,
		Roster:    st,
		Runtimes:  st,
		Lifecycle: core.Lifecycle,
		Workers:   gw,
		Callbacks: pusher,
		Presence:  core.Presence,
		Metrics:   core.Metrics,
	}, log)

	// 3. Maintenance
	sweeper := scheduling.NewRuntimeSweeper(st, st, core.Presence, core.Metrics, cfg.Scheduler.RuntimeStaleAfter, log)
	if cfg.Scheduler.Enabled {
		comp.Scheduler = scheduling.NewScheduler(log)
		if err := comp.Scheduler.Add(sweeper.Job(cfg.Scheduler.RuntimeSweep)); err != nil {
			return nil, err
		}
		log.Info("scheduler enabled", "runtime_sweep", cfg.Scheduler.RuntimeSweep)
	}

	// 4. RPC handlers and HTTP routes
	gateway.RegisterDefaultHandlers(gw, gateway.HandlerDeps{
		Channels:  st,
		Roster:    st,
		Runtimes:  st,
		Messages:  st,
		Router:    comp.Router,
		Lifecycle: core.Lifecycle,
		Presence:  core.Presence,
		Releaser:  sweeper,
		Instances: core.Runtime,
		Metrics:   core.Metrics,
		Logger:    log,
	})

	checkins := checkin.New(core.Credential, st, st, core.Presence, log)
	checkins.OnCallbackStored(pusher.Forget)
	gw.RegisterHTTPRoute("POST "+gateway.CheckInPath, gateway.CheckInHandler(checkins, log))
	gw.RegisterHTTPRoute("GET /healthz", gateway.HealthHandler())
	gw.RegisterHTTPRoute(mcpserver.Path, mcpserver.New(core.Credential, st, st, version, log))
	if cfg.Metrics.Enabled {
		gw.RegisterHTTPRoute("GET "+cfg.Metrics.Path, metrics.Handler(core.Registry))
	}

	gw.Use(middleware.SecurityHeaders)
	if rl := cfg.Gateway.RateLimit; rl.Enabled {
		gw.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
			TrustedProxies:    rl.TrustedProxies,
		}))
	}

	comp.Cleanup = func(ctx context.Context) error {
		var errs []error
		// Stop the gateway first so no new activations start during teardown.
		if err := gw.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if comp.Scheduler != nil {
			comp.Scheduler.Stop()
		}
		if err := core.Lifecycle.ShutdownAll(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return comp, nil
}
