package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/bbiangul/go-docsift"
)

const pruneInterval = time.Hour

// pruneRuns deletes runs logged more than retention before now.
func pruneRuns(ctx context.Context, e docsift.Engine, retention time.Duration, now time.Time) (int64, error) {
	n, err := e.PruneRuns(ctx, now.Add(-retention))
	if err != nil {
		slog.Warn("pruning run log", "error", err)
		return 0, err
	}
	if n > 0 {
		slog.Info("pruned run log", "deleted", n, "retention", retention)
	}
	return n, nil
}

// retainRuns prunes once at startup, then every interval until ctx ends.
func retainRuns(ctx context.Context, e docsift.Engine, retention, interval time.Duration) {
	pruneRuns(ctx, e, retention, time.Now())

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			pruneRuns(ctx, e, retention, now)
		}
	}
}
