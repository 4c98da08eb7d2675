package main

import (
	"context"
	"log/slog"
	"time"

	"ptt/server/internal/router"
)

// runMetrics logs active channel/participant counts every interval until
// ctx is canceled.
func runMetrics(ctx context.Context, r *router.Router, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			channels, participants := r.Stats()
			if channels > 0 || participants > 0 {
				slog.Info("metrics", "channels", channels, "participants", participants)
			}
		}
	}
}
