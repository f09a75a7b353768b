package main

import (
	"context"
	"fmt"

	"github.com/holon-run/shellpilot/pkg/backend"
	"github.com/holon-run/shellpilot/pkg/config"
	"github.com/holon-run/shellpilot/pkg/preflight"
	"github.com/holon-run/shellpilot/pkg/store"
)

func openBackend(ctx context.Context) (*backend.Backend, error) {
	opts, err := cfg.BackendOptions(backend.NewRegistry(cfg.Limits()))
	if err != nil {
		return nil, err
	}
	b, err := backend.New(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend %s: %w", cfg.Backend.Target, err)
	}
	return b, nil
}

// openStore returns nil for store.driver none.
func openStore() (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(cfg.StorePath())
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		return s, nil
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, nil
	}
}

func newChecker(b *backend.Backend, quiet bool) *preflight.Checker {
	pc := preflight.Config{
		Quiet:    quiet,
		Target:   b.Target(),
		Tmux:     b.Tmux(),
		Exec:     b,
		TempDir:  cfg.Shell.TempDir,
		Detector: backend.NewEngineDetector(),
	}
	if cfg.Store.Driver == config.StoreSQLite {
		pc.StorePath = cfg.StorePath()
	}
	return preflight.NewChecker(pc)
}
