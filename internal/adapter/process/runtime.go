// Package process runs agent instances as local child processes. It is the
// single-host implementation of domain.AgentRuntime.
package process

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
)

// Environment handed to every instance.
const (
	EnvInstanceID = "AGENTDOCK_INSTANCE_ID"
	EnvLaunchID   = "AGENTDOCK_LAUNCH_ID"
	EnvSpace      = "AGENTDOCK_SPACE_ID"
	EnvChannel    = "AGENTDOCK_CHANNEL_ID"
	EnvCallsign   = "AGENTDOCK_CALLSIGN"
	EnvCredential = "AGENTDOCK_CREDENTIAL"
	EnvCheckinURL = "AGENTDOCK_CHECKIN_URL"
	EnvListenAddr = "AGENTDOCK_LISTEN_ADDR"
	EnvPromptFile = "AGENTDOCK_PROMPT_FILE"
	EnvToolsFile  = "AGENTDOCK_TOOLS_FILE"
	EnvTunnelID   = "AGENTDOCK_TUNNEL_ID"
)

const (
	promptFileName = "prompt.md"
	toolsFileName  = "tools.json"
	stopGrace      = 5 * time.Second
	probeInterval  = 50 * time.Millisecond
	exitTailLines  = 20
)

// Config controls how instances are launched.
type Config struct {
	Command      string
	Args         []string
	Env          []string // extra KEY=VALUE pairs
	WorkDir      string
	MaxInstances int
	// StartTimeout bounds the wait for the instance to accept connections on
	// its listening address. Zero skips the readiness probe.
	StartTimeout time.Duration
	OutputMax    int
	CheckinURL   string
}

type instance struct {
	managed  domain.ManagedInstance
	launchID string
	cancel   context.CancelFunc
	output   *ringBuffer
	done     chan struct{}
	reason   string
}

// Runtime implements domain.AgentRuntime with os/exec.
type Runtime struct {
	cfg       Config
	mu        sync.Mutex
	instances map[string]*instance
	logger    *slog.Logger
	now       func() time.Time
}

var _ domain.AgentRuntime = (*Runtime)(nil)

// New creates a Runtime.
func New(cfg Config, log *slog.Logger) *Runtime {
	cfg.MaxInstances = cmp.Or(cfg.MaxInstances, 32)
	cfg.OutputMax = cmp.Or(cfg.OutputMax, 256*1024)
	return &Runtime{
		cfg:       cfg,
		instances: make(map[string]*instance),
		logger:    logger.OrDiscard(log),
		now:       time.Now,
	}
}

// Activate starts the instance, or returns the running one when the same
// instance ID is already live.
func (r *Runtime) Activate(ctx context.Context, req domain.ActivateRequest) (*domain.ManagedInstance, error) {
	if req.InstanceID == "" {
		return nil, domain.NewSubSystemError("runtime", "Runtime.Activate", domain.ErrInvalidInput, "instance id is required")
	}
	if r.cfg.Command == "" {
		return nil, domain.NewSubSystemError("runtime", "Runtime.Activate", domain.ErrUnavailable, "no runtime command configured")
	}

	r.mu.Lock()
	if inst, ok := r.instances[req.InstanceID]; ok {
		r.mu.Unlock()
		r.logger.Debug("instance already running", "instance_id", req.InstanceID, "launch_id", inst.launchID)
		return new(inst.managed), nil
	}
	if len(r.instances) >= r.cfg.MaxInstances {
		r.mu.Unlock()
		return nil, domain.NewSubSystemError("runtime", "Runtime.Activate", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d instances running", len(r.instances), r.cfg.MaxInstances))
	}
	inst, err := r.launch(req)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.instances[req.InstanceID] = inst
	r.mu.Unlock()

	go r.waitForExit(inst)

	if err := r.awaitReady(ctx, inst); err != nil {
		_ = r.Suspend(context.WithoutCancel(ctx), req.InstanceID, "start failed")
		return nil, err
	}

	r.logger.Info("instance started",
		"instance_id", req.InstanceID,
		"launch_id", inst.launchID,
		"callsign", req.Ref.Callsign,
		"channel_id", req.Ref.Channel,
		"listen_addr", inst.managed.ListeningAddress,
		"tools", len(req.Tools),
	)
	return new(inst.managed), nil
}

// launch prepares the instance directory and starts the process. Called
// with r.mu held.
func (r *Runtime) launch(req domain.ActivateRequest) (*instance, error) {
	addr, err := reserveAddr()
	if err != nil {
		return nil, domain.NewSubSystemError("runtime", "Runtime.launch", domain.ErrUnavailable, err.Error())
	}

	dir := filepath.Join(r.cfg.WorkDir, req.InstanceID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, domain.WrapOp("Runtime.launch", err)
	}
	promptPath := filepath.Join(dir, promptFileName)
	if err := os.WriteFile(promptPath, []byte(req.SystemPrompt), 0o600); err != nil {
		return nil, domain.WrapOp("Runtime.launch", err)
	}
	endpoints := req.Tools
	if endpoints == nil {
		endpoints = []domain.ToolEndpoint{}
	}
	tools, err := json.MarshalIndent(endpoints, "", "  ")
	if err != nil {
		return nil, domain.WrapOp("Runtime.launch", err)
	}
	toolsPath := filepath.Join(dir, toolsFileName)
	if err := os.WriteFile(toolsPath, tools, 0o600); err != nil {
		return nil, domain.WrapOp("Runtime.launch", err)
	}

	launchID := ulid.Make().String()
	// Detached from the request: the instance outlives the activation call.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	// Platform variables come last so channel documents cannot override them.
	for _, k := range slices.Sorted(maps.Keys(req.Env)) {
		cmd.Env = append(cmd.Env, k+"="+req.Env[k])
	}
	cmd.Env = append(cmd.Env,
		EnvInstanceID+"="+req.InstanceID,
		EnvLaunchID+"="+launchID,
		EnvSpace+"="+req.Ref.Space,
		EnvChannel+"="+req.Ref.Channel,
		EnvCallsign+"="+req.Ref.Callsign,
		EnvCredential+"="+req.Credential,
		EnvCheckinURL+"="+r.cfg.CheckinURL,
		EnvListenAddr+"="+addr,
		EnvPromptFile+"="+promptPath,
		EnvToolsFile+"="+toolsPath,
		EnvTunnelID+"="+req.TunnelID,
	)
	out := newRingBuffer(r.cfg.OutputMax)
	cmd.Stdout = out
	cmd.Stderr = out
	if goruntime.GOOS != "windows" {
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	}
	cmd.WaitDelay = stopGrace

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, domain.NewSubSystemError("runtime", "Runtime.launch", domain.ErrUnavailable, err.Error())
	}

	done := make(chan struct{})
	inst := &instance{
		managed: domain.ManagedInstance{
			InstanceID:       req.InstanceID,
			Ref:              req.Ref,
			ListeningAddress: addr,
			StartedAt:        r.now(),
		},
		launchID: launchID,
		cancel:   cancel,
		output:   out,
		done:     done,
	}
	go func() {
		cmd.Wait()
		close(done)
	}()
	return inst, nil
}

// awaitReady polls the listening address until it accepts a connection,
// the process exits, or StartTimeout elapses.
func (r *Runtime) awaitReady(ctx context.Context, inst *instance) error {
	if r.cfg.StartTimeout <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", inst.managed.ListeningAddress)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-inst.done:
			return domain.NewSubSystemError("runtime", "Runtime.awaitReady", domain.ErrUnavailable,
				"instance exited during start: "+inst.output.Tail(exitTailLines))
		case <-ctx.Done():
			return domain.NewSubSystemError("runtime", "Runtime.awaitReady", domain.ErrTimeout,
				"instance not listening on "+inst.managed.ListeningAddress)
		case <-ticker.C:
		}
	}
}

func (r *Runtime) waitForExit(inst *instance) {
	<-inst.done

	r.mu.Lock()
	if r.instances[inst.managed.InstanceID] == inst {
		delete(r.instances, inst.managed.InstanceID)
	}
	reason := inst.reason
	r.mu.Unlock()
	inst.cancel()

	if reason != "" {
		r.logger.Info("instance stopped", "instance_id", inst.managed.InstanceID, "launch_id", inst.launchID, "reason", reason)
		return
	}
	r.logger.Warn("instance exited unexpectedly",
		"instance_id", inst.managed.InstanceID,
		"launch_id", inst.launchID,
		"output_dropped", inst.output.Dropped(),
		"output", inst.output.Tail(exitTailLines),
	)
}

// Suspend stops the instance and waits for it to exit.
func (r *Runtime) Suspend(ctx context.Context, instanceID, reason string) error {
	r.mu.Lock()
	inst, ok := r.instances[instanceID]
	if !ok {
		r.mu.Unlock()
		return domain.NewSubSystemError("runtime", "Runtime.Suspend", domain.ErrInstanceNotRunning, instanceID)
	}
	inst.reason = cmp.Or(reason, "suspended")
	r.mu.Unlock()

	inst.cancel()
	select {
	case <-inst.done:
		return nil
	case <-ctx.Done():
		return domain.NewSubSystemError("runtime", "Runtime.Suspend", domain.ErrTimeout, instanceID)
	}
}

// ShutdownAll stops every running instance.
func (r *Runtime) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	running := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		inst.reason = "shutdown"
		running = append(running, inst)
	}
	r.mu.Unlock()

	for _, inst := range running {
		inst.cancel()
	}
	for _, inst := range running {
		select {
		case <-inst.done:
		case <-ctx.Done():
			return domain.NewSubSystemError("runtime", "Runtime.ShutdownAll", domain.ErrTimeout, ctx.Err().Error())
		}
	}
	if len(running) > 0 {
		r.logger.Info("all instances stopped", "count", len(running))
	}
	return nil
}

// Instances lists running instances, oldest first.
func (r *Runtime) Instances() []domain.ManagedInstance {
	r.mu.Lock()
	out := make([]domain.ManagedInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.managed)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.ManagedInstance) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.InstanceID, b.InstanceID))
	})
	return out
}

// Output returns the last lines written by a running instance.
func (r *Runtime) Output(instanceID string, lines int) (string, error) {
	r.mu.Lock()
	inst, ok := r.instances[instanceID]
	r.mu.Unlock()
	if !ok {
		return "", domain.NewSubSystemError("runtime", "Runtime.Output", domain.ErrInstanceNotRunning, instanceID)
	}
	return inst.output.Tail(lines), nil
}

func reserveAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer ln.Close()
	return ln.Addr().String(), nil
}
