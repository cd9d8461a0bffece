package worker

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/oysterlabs/oyster-gateway/internal/storage"
)

const (
	exportSweepInterval = 15 * time.Minute
	pruneInterval       = 5 * time.Minute
)

// ExportCleaner periodically deletes expired export rows and their files.
type ExportCleaner struct {
	store storage.ExportStore
	now   func() time.Time
}

// NewExportCleaner creates an export cleanup worker.
func NewExportCleaner(store storage.ExportStore) *ExportCleaner {
	return &ExportCleaner{store: store, now: time.Now}
}

// Run sweeps expired exports on a periodic schedule.
func (w *ExportCleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(exportSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExportCleaner) sweep(ctx context.Context) {
	paths, err := w.store.DeleteExpiredExports(ctx, w.now().UTC())
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "export sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err == nil || os.IsNotExist(err) {
			removed++
		} else {
			slog.LogAttrs(ctx, slog.LevelWarn, "export file removal failed",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(paths) > 0 {
		slog.Info("export sweep completed", "expired", len(paths), "removed", removed)
	}
}

// Prunable is any in-memory tracker that can drop stale entries.
type Prunable interface {
	Prune()
}

// MapPruner periodically compacts in-memory trackers (rate-limit windows,
// login lockouts) so idle keys do not accumulate.
type MapPruner struct {
	targets []Prunable
}

// NewMapPruner creates a pruning worker over the given trackers.
func NewMapPruner(targets ...Prunable) *MapPruner {
	return &MapPruner{targets: targets}
}

// Run prunes all targets on a periodic schedule.
func (w *MapPruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, t := range w.targets {
				t.Prune()
			}
		}
	}
}
