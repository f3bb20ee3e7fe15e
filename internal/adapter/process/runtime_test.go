package process

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdock/internal/domain"
)

const helperEnv = "AGENTDOCK_TEST_HELPER"

// TestHelperProcess is not a real test. It is the child process launched by
// the runtime under test.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	switch mode {
	case "listen":
		ln, err := net.Listen("tcp", os.Getenv(EnvListenAddr))
		if err != nil {
			fmt.Println("listen:", err)
			os.Exit(2)
		}
		prompt, _ := os.ReadFile(os.Getenv(EnvPromptFile))
		var tools []domain.ToolEndpoint
		raw, _ := os.ReadFile(os.Getenv(EnvToolsFile))
		_ = json.Unmarshal(raw, &tools)
		fmt.Printf("callsign=%s credential=%s tunnel=%s\n", os.Getenv(EnvCallsign), os.Getenv(EnvCredential), os.Getenv(EnvTunnelID))
		fmt.Printf("prompt=%s tools=%d\n", prompt, len(tools))
		fmt.Printf("region=%s\n", os.Getenv("REGION"))
		for {
			conn, err := ln.Accept()
			if err != nil {
				os.Exit(0)
			}
			conn.Close()
		}
	case "crash":
		fmt.Println("fatal: no model configured")
		os.Exit(3)
	case "deaf":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func newTestRuntime(t *testing.T, mode string, mutate ...func(*Config)) *Runtime {
	t.Helper()
	cfg := Config{
		Command:      os.Args[0],
		Args:         []string{"-test.run=^TestHelperProcess$"},
		Env:          []string{helperEnv + "=" + mode},
		WorkDir:      t.TempDir(),
		MaxInstances: 4,
		StartTimeout: 5 * time.Second,
		CheckinURL:   "http://127.0.0.1:1/v1/checkin",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r := New(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.ShutdownAll(ctx)
	})
	return r
}

func activateRequest(callsign string) domain.ActivateRequest {
	ref := domain.AgentRef{Space: "s1", Channel: "c1", Callsign: callsign}
	return domain.ActivateRequest{
		InstanceID:   ref.InstanceID(),
		Ref:          ref,
		Credential:   "cred-" + callsign,
		SystemPrompt: "## Channel",
		Tools:        []domain.ToolEndpoint{{Name: "platform", Transport: domain.TransportHTTP, URL: "http://x/mcp"}},
		TunnelID:     "tun-1",
	}
}

func waitForOutput(t *testing.T, r *Runtime, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		out, err := r.Output(id, 10)
		return err == nil && strings.Contains(out, want)
	}, 5*time.Second, 20*time.Millisecond, "output never contained %q", want)
}

func TestActivateStartsListeningInstance(t *testing.T) {
	r := newTestRuntime(t, "listen")
	req := activateRequest("fox")

	mi, err := r.Activate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.InstanceID, mi.InstanceID)
	assert.Equal(t, req.Ref, mi.Ref)
	assert.NotEmpty(t, mi.ListeningAddress)

	waitForOutput(t, r, req.InstanceID, "callsign=fox credential=cred-fox tunnel=tun-1")
	waitForOutput(t, r, req.InstanceID, "prompt=## Channel tools=1")

	tools, err := os.ReadFile(filepath.Join(r.cfg.WorkDir, req.InstanceID, toolsFileName))
	require.NoError(t, err)
	assert.Contains(t, string(tools), `"url": "http://x/mcp"`)
}

func TestActivatePassesResolvedEnv(t *testing.T) {
	r := newTestRuntime(t, "listen")
	req := activateRequest("fox")
	req.Env = map[string]string{"REGION": "eu-west", EnvCallsign: "impostor"}

	_, err := r.Activate(context.Background(), req)
	require.NoError(t, err)

	waitForOutput(t, r, req.InstanceID, "region=eu-west")
	waitForOutput(t, r, req.InstanceID, "callsign=fox ")
}

func TestActivateIsIdempotentPerInstance(t *testing.T) {
	r := newTestRuntime(t, "listen")
	ctx := context.Background()

	first, err := r.Activate(ctx, activateRequest("fox"))
	require.NoError(t, err)
	second, err := r.Activate(ctx, activateRequest("fox"))
	require.NoError(t, err)

	assert.Equal(t, first.ListeningAddress, second.ListeningAddress)
	assert.Len(t, r.Instances(), 1)
}

func TestActivateLimit(t *testing.T) {
	r := newTestRuntime(t, "listen", func(c *Config) { c.MaxInstances = 1 })
	ctx := context.Background()

	_, err := r.Activate(ctx, activateRequest("fox"))
	require.NoError(t, err)
	_, err = r.Activate(ctx, activateRequest("bear"))
	assert.ErrorIs(t, err, domain.ErrLimitReached)
}

func TestActivateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(*Config)
		wantErr error
		detail  string
	}{
		{"exits during start", "crash", nil, domain.ErrUnavailable, "no model configured"},
		{"never listens", "deaf", func(c *Config) { c.StartTimeout = 300 * time.Millisecond }, domain.ErrTimeout, "not listening"},
		{"no command", "listen", func(c *Config) { c.Command = "" }, domain.ErrUnavailable, "no runtime command"},
		{"missing binary", "listen", func(c *Config) { c.Command = filepath.Join(t.TempDir(), "nope") }, domain.ErrUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*Config)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			r := newTestRuntime(t, tt.mode, mutate...)

			_, err := r.Activate(context.Background(), activateRequest("fox"))
			require.ErrorIs(t, err, tt.wantErr)
			if tt.detail != "" {
				assert.Contains(t, err.Error(), tt.detail)
			}
			require.Eventually(t, func() bool { return len(r.Instances()) == 0 }, 10*time.Second, 20*time.Millisecond)
		})
	}
}

func TestActivateRequiresInstanceID(t *testing.T) {
	r := newTestRuntime(t, "listen")
	_, err := r.Activate(context.Background(), domain.ActivateRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSuspend(t *testing.T) {
	r := newTestRuntime(t, "listen")
	ctx := context.Background()
	req := activateRequest("fox")

	_, err := r.Activate(ctx, req)
	require.NoError(t, err)
	require.NoError(t, r.Suspend(ctx, req.InstanceID, "operator request"))

	require.Eventually(t, func() bool { return len(r.Instances()) == 0 }, 5*time.Second, 20*time.Millisecond)
	_, err = r.Output(req.InstanceID, 5)
	assert.ErrorIs(t, err, domain.ErrInstanceNotRunning)

	err = r.Suspend(ctx, req.InstanceID, "again")
	assert.ErrorIs(t, err, domain.ErrInstanceNotRunning)
}

func TestShutdownAll(t *testing.T) {
	r := newTestRuntime(t, "listen")
	ctx := context.Background()

	for _, cs := range []string{"fox", "bear", "owl"} {
		_, err := r.Activate(ctx, activateRequest(cs))
		require.NoError(t, err)
	}
	require.Len(t, r.Instances(), 3)

	require.NoError(t, r.ShutdownAll(ctx))
	require.Eventually(t, func() bool { return len(r.Instances()) == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.NoError(t, r.ShutdownAll(ctx), "shutdown with nothing running")
}

func TestInstancesOrderedByStart(t *testing.T) {
	r := newTestRuntime(t, "listen")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(-tick) * time.Minute)
	}
	ctx := context.Background()
	fox, err := r.Activate(ctx, activateRequest("fox"))
	require.NoError(t, err)
	bear, err := r.Activate(ctx, activateRequest("bear"))
	require.NoError(t, err)

	got := r.Instances()
	require.Len(t, got, 2)
	assert.Equal(t, bear.InstanceID, got[0].InstanceID)
	assert.Equal(t, fox.InstanceID, got[1].InstanceID)
}
