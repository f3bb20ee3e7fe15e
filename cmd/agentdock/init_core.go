package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agentdock/internal/adapter/credential"
	"agentdock/internal/adapter/gateway"
	"agentdock/internal/adapter/oauth"
	"agentdock/internal/adapter/process"
	"agentdock/internal/adapter/store"
	"agentdock/internal/infra/config"
	"agentdock/internal/infra/metrics"
	"agentdock/internal/usecase/configresolve"
	"agentdock/internal/usecase/document"
	"agentdock/internal/usecase/eventbus"
	"agentdock/internal/usecase/lifecycle"
	"agentdock/internal/usecase/prompt"
)

// documentCacheSize bounds the parsed-document cache.
const documentCacheSize = 512

// CoreComponents holds the services shared by the gateway and the router.
type CoreComponents struct {
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Bus        *eventbus.Bus
	Presence   *eventbus.PresenceNotifier
	Credential *credential.JWT
	Runtime    *process.Runtime
	Lifecycle  *lifecycle.Manager
}

// initCore builds the configuration resolver, context builder, process
// runtime and lifecycle manager.
func initCore(cfg *config.Config, st *store.Store, log *slog.Logger) (*CoreComponents, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(reg)

	bus := eventbus.New(log)
	presence := eventbus.NewPresenceNotifier(bus, m, log)

	jwt, err := credential.NewJWT(cfg.Credential.SigningKey, cfg.Credential.Issuer, cfg.Credential.TTL)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("credential: %w", err)
	}

	refresher := oauth.NewRefresher(st, &http.Client{Timeout: cfg.OAuth.Timeout}, cfg.OAuth.ExpiryBuffer, log)
	locator := document.NewLocator(st, st, document.NewParser(documentCacheSize))
	resolver := configresolve.New(configresolve.Deps{
		Artifacts:    st,
		Secrets:      st,
		Integrations: st,
		Tokens:       refresher,
		Locator:      locator,
	}, configresolve.Options{
		PlatformURL:  cfg.Platform.BaseURL,
		ExpiryBuffer: cfg.OAuth.ExpiryBuffer,
	}, log)

	runtime := process.New(process.Config{
		Command:      cfg.Runtime.Command,
		Args:         cfg.Runtime.Args,
		Env:          cfg.Runtime.Env,
		WorkDir:      cfg.Runtime.WorkDir,
		MaxInstances: cfg.Runtime.MaxInstances,
		StartTimeout: cfg.Runtime.StartTimeout,
		OutputMax:    cfg.Runtime.OutputMax,
		CheckinURL:   checkinURL(cfg),
	}, log)

	manager := lifecycle.New(lifecycle.Deps{
		Channels: st,
		Roster:   st,
		Prompts:  prompt.NewBuilder(st, st, locator, log),
		Tools:    resolver,
		Env:      resolver,
		Issuer:   jwt,
		Runtime:  runtime,
		Bus:      bus,
		Metrics:  m,
	}, log)

	return &CoreComponents{
		Registry:   reg,
		Metrics:    m,
		Bus:        bus,
		Presence:   presence,
		Credential: jwt,
		Runtime:    runtime,
		Lifecycle:  manager,
	}, nil
}

// checkinURL is where spawned instances report their callback address. The
// platform base URL wins; otherwise the local gateway listener is used.
func checkinURL(cfg *config.Config) string {
	if cfg.Platform.BaseURL != "" {
		return strings.TrimRight(cfg.Platform.BaseURL, "/") + gateway.CheckInPath
	}
	addr := cfg.Gateway.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + gateway.CheckInPath
}
