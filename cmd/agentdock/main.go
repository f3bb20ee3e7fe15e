package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentdock/internal/infra/config"
	"agentdock/internal/infra/logger"
	"agentdock/internal/infra/tracer"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "help":
		showUsage()
	case "version":
		fmt.Println("agentdock", version)
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agentdock help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentdock - control plane for chat-channel agents

USAGE:
    agentdock [COMMAND] [FLAGS]

COMMANDS:
    doctor      Run health checks on your setup
    version     Print the version

    (no command) - Run the control plane

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: AGENTDOCK_* variables override config`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if p, ok := strings.CutPrefix(arg, "--config="); ok {
			return p
		}
	}
	if p := os.Getenv("AGENTDOCK_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	for _, arg := range os.Args[1:] {
		if arg == "-h" || arg == "--help" {
			showUsage()
			return nil
		}
	}

	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.WithoutCancel(ctx))

	// 3. Store
	st, storeCleanup, err := initStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer storeCleanup()

	// 4. Core services
	core, err := initCore(cfg, st, log)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}
	defer core.Bus.Close()

	// 5. Gateway, router and scheduler
	rt, err := initRuntime(ctx, cfg, st, core, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	if rt.Scheduler != nil {
		rt.Scheduler.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Gateway.Start(ctx) }()

	log.Info("agentdock starting",
		"version", version,
		"addr", cfg.Gateway.Addr,
		"store", cfg.Store.Path,
		"runtime", cfg.Runtime.Command,
		"platform", cfg.Platform.BaseURL,
	)

	select {
	case <-ctx.Done():
		err = <-errCh
	case err = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if cleanupErr := rt.Cleanup(shutdownCtx); cleanupErr != nil {
		log.Error("shutdown error", "error", cleanupErr)
		err = errors.Join(err, cleanupErr)
	}
	log.Info("agentdock stopped")
	return err
}
