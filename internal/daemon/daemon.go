// Package daemon composes the configured syncers into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/openmined/anysyncd/internal/config"
	"github.com/openmined/anysyncd/internal/syncer"
	"github.com/openmined/anysyncd/internal/utils"
)

// Daemon owns the syncer registry. Syncers share nothing but the process,
// the logging sink and the state directory.
type Daemon struct {
	cfg     *config.Config
	syncers []*syncer.Syncer
}

// New builds the registry from the configuration. A syncer that fails to
// instantiate is skipped with an error log; an uncreatable state directory
// or an empty registry is fatal.
func New(cfg *config.Config) (*Daemon, error) {
	if err := utils.EnsureDir(cfg.Global.StateDir); err != nil {
		return nil, fmt.Errorf("create state dir %q: %w", cfg.Global.StateDir, err)
	}

	for name, err := range cfg.Skipped {
		slog.Error("skipping syncer: invalid configuration", "syncer", name, "error", err)
	}

	d := &Daemon{cfg: cfg}
	for _, sc := range cfg.Syncers {
		s, err := syncer.New(sc)
		if err != nil {
			slog.Error("skipping syncer", "syncer", sc.Name, "error", err)
			continue
		}
		d.syncers = append(d.syncers, s)
	}

	if len(d.syncers) == 0 {
		return nil, errors.New("no usable syncers configured")
	}

	return d, nil
}

// Start runs all syncers until the context is cancelled, then waits for
// every event loop and in-flight pipeline to wind down. A syncer that fails
// to start is logged and skipped; it never takes the daemon down.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("daemon start", "syncers", len(d.syncers), "config", d.cfg.Path)

	eg, egCtx := errgroup.WithContext(ctx)

	for _, s := range d.syncers {
		eg.Go(func() error {
			if err := s.Start(egCtx); err != nil {
				slog.Error("failed to start syncer", "syncer", s.Name(), "error", err)
				return nil
			}
			s.Wait()
			return nil
		})
	}

	eg.Wait()
	slog.Info("daemon stopped")
	return nil
}
