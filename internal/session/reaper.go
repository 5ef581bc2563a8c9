package session

import (
	"context"
	"time"
)

// ReapInterval is the cadence at which the registry sweeps for dead
// sessions.
const ReapInterval = 30 * time.Second

// Logger is the minimal logging surface the reaper needs; internal/logging's
// Logger satisfies it.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
}

// RunReaper sweeps r for dead sessions every ReapInterval until ctx is
// canceled, grounded on the teacher's ticker-goroutine idiom for periodic
// background work (statsCollector in the donor transport layer).
func RunReaper(ctx context.Context, r *Registry, log Logger) {
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dead := r.ReapDead()
			if len(dead) > 0 && log != nil {
				log.Info("reaped dead sessions", "count", len(dead))
			}
		}
	}
}
