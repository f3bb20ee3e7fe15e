package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateStore(cfg, ve)
	validatePlatform(cfg, ve)
	validateRuntime(cfg, ve)
	validateDelivery(cfg, ve)
	validateScheduler(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not host:port: %v", cfg.Gateway.Addr, err)
	}
	switch cfg.Gateway.Auth.Type {
	case "", "none":
	case "static":
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty when auth type is static")
		}
		for i, tok := range cfg.Gateway.Auth.Tokens {
			if tok.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
			}
		}
	default:
		ve.Add("gateway.auth.type %q is not supported (use \"static\" or leave empty)", cfg.Gateway.Auth.Type)
	}
	if rl := cfg.Gateway.RateLimit; rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			ve.Add("gateway.rate_limit.requests_per_second must be > 0")
		}
		if rl.Burst <= 0 {
			ve.Add("gateway.rate_limit.burst must be > 0")
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

func validatePlatform(cfg *Config, ve *ValidationError) {
	if cfg.Platform.BaseURL == "" {
		return
	}
	u, err := url.Parse(cfg.Platform.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("platform.base_url %q must be an absolute http(s) URL", cfg.Platform.BaseURL)
	}
	if cfg.Credential.SigningKey == "" {
		ve.Add("credential.signing_key is required when platform.base_url is set")
	}
	if cfg.Credential.TTL <= 0 {
		ve.Add("credential.ttl must be > 0")
	}
}

func validateRuntime(cfg *Config, ve *ValidationError) {
	if cfg.Runtime.MaxInstances <= 0 {
		ve.Add("runtime.max_instances must be > 0")
	}
	if cfg.Runtime.StartTimeout <= 0 {
		ve.Add("runtime.start_timeout must be > 0")
	}
}

func validateDelivery(cfg *Config, ve *ValidationError) {
	if cfg.Delivery.CallbackTimeout <= 0 {
		ve.Add("delivery.callback_timeout must be > 0")
	}
	if cfg.Delivery.WorkerTimeout <= 0 {
		ve.Add("delivery.worker_timeout must be > 0")
	}
	if cb := cfg.Delivery.CircuitBreaker; cb.Enabled && cb.MaxFailures == 0 {
		ve.Add("delivery.circuit_breaker.max_failures must be > 0 when enabled")
	}
	if cfg.OAuth.ExpiryBuffer < 0 {
		ve.Add("oauth.expiry_buffer must be >= 0")
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
	if cfg.OAuth.Timeout <= 0 {
		ve.Add("oauth.timeout must be > 0")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	if !validSchedule(cfg.Scheduler.RuntimeSweep) {
		ve.Add("scheduler.runtime_sweep %q is not a cron expression or duration", cfg.Scheduler.RuntimeSweep)
	}
	if cfg.Scheduler.RuntimeStaleAfter <= 0 {
		ve.Add("scheduler.runtime_stale_after must be > 0")
	}
}

func validSchedule(s string) bool {
	if _, err := cron.ParseStandard(s); err == nil {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d > 0
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}
