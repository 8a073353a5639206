// retention_sweeper.go implements the RetentionSweeper background job,
// which periodically scans API key records and deletes the ones that can
// never authenticate again: keys still pending past a maximum age (the
// caller abandoned the authorization flow) and active keys whose account
// no longer has a token record (the grant was disconnected). Each
// deletion is independent; a sweep interrupted halfway leaves the store
// consistent and the next run finishes the job.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/clipgate/clipgate/internal/apikey"
	"github.com/clipgate/clipgate/internal/kv"
	"github.com/clipgate/clipgate/internal/telemetry"
	"github.com/clipgate/clipgate/internal/token"
)

// SweeperConfig tunes the RetentionSweeper.
type SweeperConfig struct {
	Enabled       bool
	Interval      time.Duration
	MaxPendingAge time.Duration
	// DryRun reports deletion candidates without deleting them.
	DryRun bool
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned         int
	DeletedPending  int
	DeletedOrphaned int
	DryRun          bool
}

// RetentionSweeper deletes stale and orphaned API key records.
type RetentionSweeper struct {
	store    kv.Store
	cfg      SweeperConfig
	stopChan chan struct{}
	now      func() time.Time
}

// NewRetentionSweeper creates a RetentionSweeper. Interval defaults to 1h
// and MaxPendingAge to 24h.
func NewRetentionSweeper(store kv.Store, cfg SweeperConfig) *RetentionSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxPendingAge <= 0 {
		cfg.MaxPendingAge = 24 * time.Hour
	}
	return &RetentionSweeper{
		store:    store,
		cfg:      cfg,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// SetClock replaces the sweeper's time source. Test hook.
func (s *RetentionSweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start begins the background sweep loop. It runs an initial sweep
// immediately, then repeats on the configured interval. The loop exits
// when ctx is cancelled or Stop() is called.
func (s *RetentionSweeper) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		slog.Info("retention sweeper disabled")
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("retention sweeper started",
		"interval", s.cfg.Interval, "max_pending_age", s.cfg.MaxPendingAge, "dry_run", s.cfg.DryRun)

	s.run(ctx)

	for {
		select {
		case <-ticker.C:
			s.run(ctx)
		case <-s.stopChan:
			slog.Info("retention sweeper stopped")
			return
		case <-ctx.Done():
			slog.Info("retention sweeper context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (s *RetentionSweeper) Stop() {
	close(s.stopChan)
}

func (s *RetentionSweeper) run(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	if report.DeletedPending > 0 || report.DeletedOrphaned > 0 {
		slog.Info("retention sweep finished",
			"scanned", report.Scanned,
			"deleted_pending", report.DeletedPending,
			"deleted_orphaned", report.DeletedOrphaned,
			"dry_run", report.DryRun)
	}
}

// RunOnce performs a single sweep over all API key records.
func (s *RetentionSweeper) RunOnce(ctx context.Context) (*SweepReport, error) {
	keys, err := s.store.ListPrefix(ctx, apikey.RecordPrefix)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{DryRun: s.cfg.DryRun}
	for _, key := range keys {
		raw, found, err := s.store.Get(ctx, key)
		if err != nil {
			return report, err
		}
		if !found {
			// Deleted between list and read.
			continue
		}
		report.Scanned++

		rec, err := apikey.DecodeRecord(raw)
		if err != nil {
			slog.Warn("skipping undecodable api key record", "key", key, "error", err)
			continue
		}

		switch rec.Status {
		case apikey.StatusPending:
			age := s.now().Sub(time.UnixMilli(rec.CreatedAt))
			if age > s.cfg.MaxPendingAge {
				if err := s.delete(ctx, key, "pending past maximum age", age); err != nil {
					return report, err
				}
				report.DeletedPending++
				if !s.cfg.DryRun {
					telemetry.SweeperDeletionsTotal.WithLabelValues("pending").Inc()
				}
			}

		case apikey.StatusActive:
			_, found, err := s.store.Get(ctx, token.RecordKey(rec.AccountID))
			if err != nil {
				return report, err
			}
			if !found {
				if err := s.delete(ctx, key, "active but account token record is gone", 0); err != nil {
					return report, err
				}
				report.DeletedOrphaned++
				if !s.cfg.DryRun {
					telemetry.SweeperDeletionsTotal.WithLabelValues("orphaned").Inc()
				}
			}

		default:
			slog.Warn("skipping api key record with unknown status", "key", key, "status", rec.Status)
		}
	}
	return report, nil
}

func (s *RetentionSweeper) delete(ctx context.Context, key, reason string, age time.Duration) error {
	attrs := []any{"key", key, "reason", reason, "dry_run", s.cfg.DryRun}
	if age > 0 {
		attrs = append(attrs, "age", age)
	}
	slog.Info("deleting api key record", attrs...)
	if s.cfg.DryRun {
		return nil
	}
	return s.store.Delete(ctx, key)
}
