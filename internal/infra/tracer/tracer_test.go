package tracer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"agentdock/internal/infra/config"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracerConfig
		wantErr bool
	}{
		{"disabled", config.TracerConfig{Enabled: false}, false},
		{"noop", config.TracerConfig{Enabled: true, Exporter: "noop"}, false},
		{"empty exporter", config.TracerConfig{Enabled: true}, false},
		{"stdout", config.TracerConfig{Enabled: true, Exporter: "stdout"}, false},
		{"sampled", config.TracerConfig{Enabled: true, Exporter: "stdout", SampleRatio: 0.25}, false},
		{"bad output", config.TracerConfig{Enabled: true, Exporter: "stdout", Output: "/nonexistent/dir/trace.json"}, true},
		{"unsupported", config.TracerConfig{Enabled: true, Exporter: "jaeger"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestStartSpanAndHelpers(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{})
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "router.route", AgentAttrs("c1", "fox"))
	require.NotNil(t, ctx)
	span.SetAttributes(IntAttr("targets", 2))
	RecordError(span, errors.New("boom"))
	SetOK(span)
	span.End()
}

func TestSetupWritesSpansToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout", Output: path})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "lifecycle.activate", AgentAttrs("c1", "fox"))
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "lifecycle.activate")
	assert.Contains(t, string(data), "agentdock")
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
