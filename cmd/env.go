package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentlink/client/internal/config"
	"github.com/agentlink/client/internal/conn"
	"github.com/agentlink/client/internal/keychain"
	"github.com/agentlink/client/internal/pairing"
	"github.com/agentlink/client/internal/registry"
	"github.com/agentlink/client/internal/storage"
)

// env bundles the long-lived resources every command needs: parsed config,
// the SQLite store, and the credential keychain.
type env struct {
	cfg   *config.Config
	store *storage.SQLiteStore
	keys  keychain.Store
}

// openEnv loads the config and opens the store and keychain, applying the
// documented defaults for any path the config leaves empty.
func openEnv(configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	storePath := cfg.Store
	if storePath == "" {
		storePath, err = config.DefaultStorePath()
		if err != nil {
			return nil, err
		}
	}
	if err := ensureParentDir(storePath); err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStore(storePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	keyPath := cfg.KeyStore
	if keyPath == "" {
		keyPath, err = config.DefaultKeyStorePath()
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	keys, err := keychain.NewFileStore(keyPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open keychain: %w", err)
	}

	return &env{cfg: cfg, store: store, keys: keys}, nil
}

// Close releases the store. The keychain holds no open handles.
func (e *env) Close() {
	e.store.Close()
}

// newController builds a controller with the config's retry profile and
// config-level preferred transport applied.
func (e *env) newController() *registry.Controller {
	controller := registry.NewController(e.store, e.keys)
	controller.SetProfile(connectProfile(e.cfg))
	controller.SetPreferredKind(pairing.TransportKind(e.cfg.PreferredKind))
	return controller
}

// connectProfile derives the retry profile from the configured per-attempt
// timeout.
func connectProfile(cfg *config.Config) conn.RetryProfile {
	profile := conn.DefaultProfile
	if cfg.ConnectTimeoutSec > 0 {
		profile.AttemptTimeout = time.Duration(cfg.ConnectTimeoutSec) * time.Second
	}
	return profile
}

func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0700)
}
