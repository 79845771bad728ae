package project

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// ConflictWatcher polls CheckForWriteConflicts at a bounded rate.
type ConflictWatcher struct {
	project *Project
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewConflictWatcher(p *Project, interval time.Duration, burst int) *ConflictWatcher {
	if burst < 1 {
		burst = 1
	}
	return &ConflictWatcher{
		project: p,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		logger:  p.logger.WithGroup("watcher"),
	}
}

// Run checks for conflicts until ctx is done and returns the number of
// conflicts observed.
func (w *ConflictWatcher) Run(ctx context.Context) int {
	conflicts := 0
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			w.logger.Debug("conflict watcher stopped", "conflicts", conflicts, "reason", err)
			return conflicts
		}
		if w.project.CheckForWriteConflicts(ctx) {
			conflicts++
		}
	}
}
