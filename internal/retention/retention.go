// Package retention runs the scheduled sweep that keeps the relational
// store bounded. When archiving is enabled it first exports the events of
// terminal jobs older than config.retention_days and the usage aggregates of
// months before the current one; it then deletes those terminal jobs and
// all cache entries older than the cutoff. Usage rows are exported but not
// deleted.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/archive"
	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/store"
)

// Sweeper runs the daily retention job on cron's own goroutine.
type Sweeper struct {
	cfg     *config.Config
	store   *store.Store
	archive *archive.Exporter
	log     *zap.Logger
	cron    *cron.Cron
}

func New(cfg *config.Config, s *store.Store, arc *archive.Exporter, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{cfg: cfg, store: s, archive: arc, log: log, cron: cron.New()}
}

// Start schedules the sweep per config.Retention.Schedule and returns
// immediately; the cron library runs entries on its own goroutine.
func (sw *Sweeper) Start(ctx context.Context) error {
	_, err := sw.cron.AddFunc(sw.cfg.Retention.Schedule, func() {
		sw.runOnce(ctx)
	})
	if err != nil {
		return err
	}
	sw.cron.Start()
	go func() {
		<-ctx.Done()
		<-sw.cron.Stop().Done()
	}()
	return nil
}

func (sw *Sweeper) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -sw.cfg.Retention.RetentionDays)
	currentMonth := time.Now().UTC().Format("2006-01")

	if sw.archive != nil {
		if err := sw.archiveBeforePurge(ctx, cutoff, currentMonth); err != nil {
			sw.log.Error("retention archive pass failed", zap.Error(err))
			return
		}
	}

	cacheDeleted, jobsDeleted, err := sw.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		sw.log.Error("retention purge failed", zap.Error(err))
		return
	}
	sw.log.Info("retention sweep complete",
		zap.Int64("cache_entries_deleted", cacheDeleted),
		zap.Int64("jobs_deleted", jobsDeleted),
		zap.Time("cutoff", cutoff))
}

func (sw *Sweeper) archiveBeforePurge(ctx context.Context, cutoff time.Time, currentMonth string) error {
	jobs, err := sw.store.ListTerminalJobsOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		events, err := sw.store.ListEvents(ctx, j.ID)
		if err != nil {
			return err
		}
		if err := sw.archive.ExportJobEvents(ctx, events); err != nil {
			return err
		}
	}

	usages, err := sw.store.ListUsageOlderThanMonth(ctx, currentMonth)
	if err != nil {
		return err
	}
	for _, u := range usages {
		if err := sw.archive.ExportUsage(ctx, u); err != nil {
			return err
		}
	}
	return nil
}
