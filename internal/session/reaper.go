package session

import (
	"context"
	"log/slog"
	"time"
)

// TranscriptCleaner removes persisted transcripts older than a retention.
type TranscriptCleaner interface {
	CleanupTranscripts(ctx context.Context, ttl time.Duration) (int64, error)
}

// ReaperConfig controls the idle-session sweep.
type ReaperConfig struct {
	Interval time.Duration
	// IdleTTL is how long a session may go without events or turns.
	IdleTTL time.Duration
	// Retention bounds how long transcripts are kept. Zero keeps them forever.
	Retention time.Duration
	Cleaner   TranscriptCleaner
}

// RunReaper periodically tears down idle sessions until ctx is cancelled.
func RunReaper(ctx context.Context, reg *Registry, cfg ReaperConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	logger.Info("session reaper started", "interval", cfg.Interval, "idle_ttl", cfg.IdleTTL)

	for {
		select {
		case <-ticker.C:
			reap(ctx, reg, cfg, logger, time.Now())
		case <-ctx.Done():
			logger.Info("session reaper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func reap(ctx context.Context, reg *Registry, cfg ReaperConfig, logger *slog.Logger, now time.Time) int {
	removed := 0
	if cfg.IdleTTL > 0 {
		for _, username := range reg.Idle(cfg.IdleTTL, now) {
			closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			ok, err := reg.Remove(closeCtx, username)
			cancel()
			if err != nil {
				logger.Warn("idle session did not close cleanly", "user_id", username, "error", err)
			}
			if ok {
				removed++
			}
		}
		if removed > 0 {
			logger.Info("reaped idle sessions", "count", removed)
		}
	}

	if cfg.Cleaner != nil && cfg.Retention > 0 {
		if deleted, err := cfg.Cleaner.CleanupTranscripts(ctx, cfg.Retention); err != nil {
			logger.Error("failed to clean up old transcripts", "error", err)
		} else if deleted > 0 {
			logger.Info("cleaned up old transcripts", "count", deleted)
		}
	}
	return removed
}
