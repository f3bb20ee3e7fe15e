// Package callback pushes deliveries to running containers over HTTP.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker/v2"

	"agentdock/internal/domain"
	"agentdock/internal/infra/logger"
)

// TunnelHeader carries the stored tunnel identifier so edge proxies can
// route the push to the right container.
const TunnelHeader = "X-Tunnel-ID"

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxFailures = 3
	defaultOpenFor     = 30 * time.Second
	defaultInterval    = time.Minute
	maxErrorBody       = 512
	maxBreakers        = 1024
)

// BreakerConfig configures the per-address circuit breaker. A zero
// MaxFailures disables breaking.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// Pusher implements domain.CallbackPusher.
type Pusher struct {
	client  *http.Client
	breaker BreakerConfig

	mu       sync.Mutex // serializes get-or-create on breakers
	breakers *lru.Cache[string, *gobreaker.CircuitBreaker[struct{}]]

	logger *slog.Logger
}

var _ domain.CallbackPusher = (*Pusher)(nil)

// NewPusher creates a Pusher whose requests time out after timeout.
func NewPusher(timeout time.Duration, breaker BreakerConfig, log *slog.Logger) *Pusher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	breakers, _ := lru.New[string, *gobreaker.CircuitBreaker[struct{}]](maxBreakers)
	return &Pusher{
		client:   &http.Client{Timeout: timeout},
		breaker:  breaker,
		breakers: breakers,
		logger:   logger.OrDiscard(log),
	}
}

// PushToCallback POSTs d as JSON to the target address. Any transport error,
// non-2xx status or open breaker is reported as ErrCallbackFailed.
func (p *Pusher) PushToCallback(ctx context.Context, target domain.CallbackTarget, d domain.Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return domain.WrapOp("Pusher.PushToCallback", err)
	}

	send := func() (struct{}, error) {
		return struct{}{}, p.post(ctx, target, body)
	}
	if cb := p.breakerFor(target.Address); cb != nil {
		_, err = cb.Execute(send)
	} else {
		_, err = send()
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewSubSystemError("callback", "Pusher.PushToCallback", domain.ErrCallbackFailed, "circuit open for "+target.Address)
	}
	return err
}

func (p *Pusher) post(ctx context.Context, target domain.CallbackTarget, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Address, bytes.NewReader(body))
	if err != nil {
		return domain.NewSubSystemError("callback", "Pusher.post", domain.ErrCallbackFailed, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if target.TunnelID != "" {
		req.Header.Set(TunnelHeader, target.TunnelID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.NewSubSystemError("callback", "Pusher.post", domain.ErrCallbackFailed, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.NewSubSystemError("callback", "Pusher.post", domain.ErrCallbackFailed,
			fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p *Pusher) breakerFor(address string) *gobreaker.CircuitBreaker[struct{}] {
	if p.breaker.MaxFailures == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers.Get(address); ok {
		return cb
	}
	maxFailures := p.breaker.MaxFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "callback:" + address,
		MaxRequests: 1,
		Interval:    cmpDuration(p.breaker.Interval, defaultInterval),
		Timeout:     cmpDuration(p.breaker.Timeout, defaultOpenFor),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	p.breakers.Add(address, cb)
	return cb
}

// Forget drops the breaker of address. A container checking in at an
// address starts with a closed breaker.
func (p *Pusher) Forget(address string) {
	p.breakers.Remove(address)
}

// State reports the breaker state for address. Addresses never pushed to
// report closed.
func (p *Pusher) State(address string) gobreaker.State {
	if cb, ok := p.breakers.Peek(address); ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func cmpDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
