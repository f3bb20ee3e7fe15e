package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"agentdock/internal/adapter/store"
	"agentdock/internal/infra/config"
	"agentdock/internal/security"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Some checks work without a valid config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Gateway auth", Fn: checkGatewayAuth},
		{Name: "Gateway address", Fn: checkGatewayAddr},
		{Name: "Store", Fn: checkStore},
		{Name: "Secrets", Fn: checkSecrets},
		{Name: "Runtime command", Fn: checkRuntimeCommand},
		{Name: "Platform endpoint", Fn: checkPlatform},
	}

	fmt.Println("agentdock doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("config file not found at %s; using defaults and environment", cfgPath),
				Fix:     "Create config.yaml or set AGENTDOCK_* variables",
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and required fields",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkGatewayAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	if len(cfg.Gateway.Auth.Tokens) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no gateway tokens; operators and workers cannot connect",
			Fix:     "Add gateway.auth.tokens or set AGENTDOCK_GATEWAY_TOKEN",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d token(s) configured", len(cfg.Gateway.Auth.Tokens))}
}

func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process using the port or change gateway.addr",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.Gateway.Addr)}
}

func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("data dir: %v", err)}
	}
	st, err := store.Open(cfg.Store.Path, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("open %s: %v", cfg.Store.Path, err),
			Fix:     "Check file permissions or point store.path elsewhere",
		}
	}
	st.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("database at %s", cfg.Store.Path)}
}

func checkSecrets(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	if cfg.Secrets.Passphrase == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no secrets passphrase; env sources with secrets will be skipped",
			Fix:     "Set AGENTDOCK_SECRETS_PASSPHRASE",
		}
	}
	c, err := security.NewSecretCipher(cfg.Secrets.Passphrase)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("secret cipher: %v", err)}
	}
	defer c.Zeroize()
	sealed, err := c.Encrypt("doctor")
	if err == nil {
		_, err = c.Decrypt(sealed)
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("round trip failed: %v", err)}
	}
	return CheckResult{Status: StatusPass, Message: "secret encryption works"}
}

func checkRuntimeCommand(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	if cfg.Runtime.Command == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no runtime command; spawn fallback is disabled",
			Fix:     "Set runtime.command to the agent binary",
		}
	}
	path, err := exec.LookPath(cfg.Runtime.Command)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found", cfg.Runtime.Command),
			Fix:     "Install the agent binary or fix runtime.command",
		}
	}
	return CheckResult{Status: StatusPass, Message: path}
}

func checkPlatform(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	if cfg.Platform.BaseURL == "" {
		return CheckResult{Status: StatusWarn, Message: "platform.base_url unset; built-in tools are not advertised"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(cfg.Platform.BaseURL, "/")+"/healthz", nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid base URL: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unreachable (is agentdock running?)", cfg.Platform.BaseURL),
		}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("health check returned %d", resp.StatusCode)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is healthy", cfg.Platform.BaseURL)}
}
