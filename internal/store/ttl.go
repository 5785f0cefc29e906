package store

import (
	"context"
	"log/slog"
	"time"
)

const ttlWorkerInterval = 5 * time.Minute

// CleanupCallback is called for every session the TTL worker expires.
type CleanupCallback func(userID string)

// StartTTLWorker runs a background goroutine that periodically removes
// sessions idle for longer than ttl.
func StartTTLWorker(ctx context.Context, repo Repository, ttl time.Duration, onCleanup CleanupCallback) {
	startTTLWorker(ctx, repo, ttl, ttlWorkerInterval, onCleanup)
}

func startTTLWorker(ctx context.Context, repo Repository, ttl, interval time.Duration, onCleanup CleanupCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				cleanupExpiredSessions(ctx, repo, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func cleanupExpiredSessions(ctx context.Context, repo Repository, ttl time.Duration, onCleanup CleanupCallback) {
	expired, err := repo.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("TTL worker: Context canceled during cleanup", "error", err)
			return
		}
		slog.Error("TTL worker failed to remove expired sessions", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	if onCleanup != nil {
		for _, userID := range expired {
			onCleanup(userID)
		}
	}

	slog.Info("TTL worker cleanup completed", "cleaned", len(expired))
}
