package app

import (
	"context"
	"os"
	"time"
)

// Cleaner enforces retention: sessions whose window ended before the cutoff
// are deleted with all their rows, then the files they referenced are
// removed best-effort.
type Cleaner struct {
	settings *SettingsStore
	store    *Store
	logger   *Logger

	Interval time.Duration
}

func NewCleaner(settings *SettingsStore, store *Store, logger *Logger) *Cleaner {
	return &Cleaner{
		settings: settings,
		store:    store,
		logger:   logger,
		Interval: 6 * time.Hour,
	}
}

// Run executes a pass immediately and then at every interval until ctx is
// done.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	c.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pass(ctx)
		}
	}
}

func (c *Cleaner) pass(ctx context.Context) {
	cfg, err := c.settings.Get(ctx)
	if err != nil {
		return
	}
	if _, _, err := c.RunOnce(ctx, cfg.RetentionDays); err != nil {
		c.logger.Error(EventCleanerPass, map[string]interface{}{"error": err.Error()})
	}
}

// RunOnce deletes everything older than retentionDays and returns how many
// sessions and files were removed. Retention is clamped to the configured
// maximum.
func (c *Cleaner) RunOnce(ctx context.Context, retentionDays int) (sessions, files int, err error) {
	if retentionDays <= 0 {
		retentionDays = 1
	}
	if retentionDays > maxRetentionDays {
		c.logger.Warn(EventCleanerPass, map[string]interface{}{
			"clamped_retention_days": maxRetentionDays,
		})
		retentionDays = maxRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	paths, n, err := c.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err == nil {
			removed++
		} else if !os.IsNotExist(err) {
			// Missing files referenced by rows are a recoverable condition.
			c.logger.Warn(EventCleanerPass, map[string]interface{}{"path": p, "error": err.Error()})
		}
	}
	c.logger.Info(EventCleanerPass, map[string]interface{}{
		"sessions_removed": n,
		"files_removed":    removed,
		"cutoff":           cutoff.Format(time.RFC3339),
	})
	return n, removed, nil
}
