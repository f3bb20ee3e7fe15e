package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"agentdock/internal/adapter/store"
	"agentdock/internal/domain"
	"agentdock/internal/infra/config"
	"agentdock/internal/security"
)

// initStore opens the registry database. Runtime records left online by a
// previous process are marked offline, since their connections are gone.
func initStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*store.Store, func(), error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	var cipher domain.SecretCipher
	var zeroize func()
	if cfg.Secrets.Passphrase != "" {
		c, err := security.NewSecretCipher(cfg.Secrets.Passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("secret cipher: %w", err)
		}
		cipher, zeroize = c, c.Zeroize
	} else {
		log.Warn("no secrets passphrase configured; secret-backed env sources will be skipped")
	}

	st, err := store.Open(cfg.Store.Path, cipher)
	if err != nil {
		return nil, nil, err
	}
	if n, err := st.MarkAllRuntimesOffline(ctx); err != nil {
		log.Warn("resetting runtime records failed", "error", err)
	} else if n > 0 {
		log.Info("runtime records reset", "count", n)
	}

	cleanup := func() {
		if err := st.Close(); err != nil {
			log.Error("store close error", "error", err)
		}
		if zeroize != nil {
			zeroize()
		}
	}
	return st, cleanup, nil
}
