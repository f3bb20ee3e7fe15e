package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdock/internal/domain"
)

func delivery() domain.Delivery {
	ref := domain.AgentRef{Space: "s1", Channel: "c1", Callsign: "fox"}
	return domain.Delivery{
		InstanceID: ref.InstanceID(),
		Ref:        ref,
		Message:    domain.Message{ID: "m1", ChannelID: "c1", Sender: "ana", Content: "hi @fox"},
		Credential: "cred",
	}
}

func TestPushToCallbackDelivers(t *testing.T) {
	var got domain.Delivery
	var tunnel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		tunnel = r.Header.Get(TunnelHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPusher(time.Second, BreakerConfig{MaxFailures: 3}, nil)
	err := p.PushToCallback(context.Background(), domain.CallbackTarget{Address: srv.URL + "/deliver", TunnelID: "tun-9"}, delivery())
	require.NoError(t, err)
	assert.Equal(t, "tun-9", tunnel)
	assert.Equal(t, "m1", got.Message.ID)
	assert.Equal(t, "cred", got.Credential)
}

func TestPushToCallbackFailures(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "container draining", http.StatusServiceUnavailable)
	}))
	defer rejecting.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	tests := []struct {
		name    string
		address string
		detail  string
	}{
		{"non-2xx", rejecting.URL, "container draining"},
		{"timeout", slow.URL, ""},
		{"connection refused", deadURL, ""},
		{"bad address", "://nope", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPusher(50*time.Millisecond, BreakerConfig{}, nil)
			err := p.PushToCallback(context.Background(), domain.CallbackTarget{Address: tt.address}, delivery())
			require.ErrorIs(t, err, domain.ErrCallbackFailed)
			if tt.detail != "" {
				assert.Contains(t, err.Error(), tt.detail)
			}
		})
	}
}

func TestPushToCallbackBreakerOpensPerAddress(t *testing.T) {
	var hits atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	p := NewPusher(time.Second, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, nil)
	ctx := context.Background()
	target := domain.CallbackTarget{Address: failing.URL}

	for range 2 {
		assert.ErrorIs(t, p.PushToCallback(ctx, target, delivery()), domain.ErrCallbackFailed)
	}
	assert.Equal(t, gobreaker.StateOpen, p.State(failing.URL))

	err := p.PushToCallback(ctx, target, delivery())
	require.ErrorIs(t, err, domain.ErrCallbackFailed)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(2), hits.Load(), "open breaker must not reach the container")

	require.NoError(t, p.PushToCallback(ctx, domain.CallbackTarget{Address: healthy.URL}, delivery()))
	assert.Equal(t, gobreaker.StateClosed, p.State(healthy.URL))
}

func TestForgetResetsBreaker(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPusher(time.Second, BreakerConfig{MaxFailures: 1, Timeout: time.Hour}, nil)
	ctx := context.Background()
	target := domain.CallbackTarget{Address: srv.URL}

	assert.ErrorIs(t, p.PushToCallback(ctx, target, delivery()), domain.ErrCallbackFailed)
	require.Equal(t, gobreaker.StateOpen, p.State(srv.URL))

	// A new container came up at the same address.
	fail.Store(false)
	p.Forget(srv.URL)
	assert.Equal(t, gobreaker.StateClosed, p.State(srv.URL))
	assert.NoError(t, p.PushToCallback(ctx, target, delivery()))
}

func TestBreakersAreBounded(t *testing.T) {
	p := NewPusher(time.Second, BreakerConfig{MaxFailures: 1}, nil)
	for i := range maxBreakers + 10 {
		p.breakerFor(fmt.Sprintf("http://10.0.%d.%d", i/256, i%256))
	}
	assert.Equal(t, maxBreakers, p.breakers.Len())
}
