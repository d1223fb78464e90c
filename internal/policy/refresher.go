package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Source produces complete snapshots from a backing system.
type Source interface {
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

// Reloader is implemented by anything that can refresh the active policy on
// demand. The admin endpoint and the reload signal listener use it.
type Reloader interface {
	Reload(ctx context.Context) (version string, err error)
}

// Refresher polls a Source and installs each snapshot it returns. A failed
// load keeps the previous snapshot in force.
type Refresher struct {
	source   Source
	store    *SnapshotStore
	interval time.Duration
	logger   *slog.Logger
}

func NewRefresher(source Source, store *SnapshotStore, interval time.Duration, logger *slog.Logger) *Refresher {
	return &Refresher{source: source, store: store, interval: interval, logger: logger}
}

// Reload loads and installs one snapshot.
func (r *Refresher) Reload(ctx context.Context) (string, error) {
	snap, err := r.source.LoadSnapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("load policy snapshot: %w", err)
	}
	prev := r.store.Replace(snap)
	if prev == nil || prev.Version() != snap.Version() {
		r.logger.InfoContext(ctx, "policy snapshot installed",
			"version", snap.Version(),
			"targets", len(snap.Targets()),
		)
	}
	return snap.Version(), nil
}

// Run reloads every interval until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reload(ctx); err != nil {
				r.logger.WarnContext(ctx, "policy refresh failed; keeping previous snapshot",
					"error", err,
				)
			}
		}
	}
}
