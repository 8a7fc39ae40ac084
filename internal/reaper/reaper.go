// Copyright 2025 James Ross
package reaper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/obs"
	"github.com/renderhub/dispatch/internal/queuebus"
)

// Reaper periodically scans worker processing lists for ones whose owner's
// heartbeat key has expired, and requeues any jobs still parked there.
type Reaper struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

// processingListGlob turns the worker's processing-list pattern (e.g.
// "dispatch:worker:%s:processing") into a SCAN glob by substituting "*" for
// the worker ID placeholder.
func (r *Reaper) processingListGlob() string {
	return fmt.Sprintf(r.cfg.Worker.ProcessingListPattern, "*")
}

func (r *Reaper) workerIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

func (r *Reaper) scanOnce(ctx context.Context) {
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, r.processingListGlob(), 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			workerID := r.workerIDFromKey(plist)
			if workerID == "" {
				continue
			}
			hbKey := fmt.Sprintf(r.cfg.Worker.HeartbeatKeyPattern, workerID)
			exists, err := r.rdb.Exists(ctx, hbKey).Result()
			if err != nil {
				r.log.Warn("reaper heartbeat check error", obs.Err(err))
				continue
			}
			if exists == 1 {
				continue // worker still alive
			}
			r.drainProcessingList(ctx, plist)
		}
		if cursor == 0 {
			break
		}
	}
}

// drainProcessingList moves every job parked in a dead worker's processing
// list back onto its GPU class queue, where a live worker will pick it up.
func (r *Reaper) drainProcessingList(ctx context.Context, plist string) {
	for {
		payload, err := r.rdb.RPop(ctx, plist).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			r.log.Warn("reaper rpop error", obs.Err(err))
			return
		}
		job, err := queuebus.UnmarshalRenderJob(payload)
		if err != nil {
			r.log.Warn("reaper discarding unparseable payload", obs.Err(err))
			continue
		}
		dest := queuebus.QueueKey(job.GPUClass)
		if err := r.rdb.LPush(ctx, dest, payload).Err(); err != nil {
			r.log.Error("requeue failed", obs.Err(err))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("requeued abandoned job",
			obs.String("job_id", job.JobID), obs.String("to", dest),
			obs.String("trace_id", job.TraceID), obs.String("span_id", job.SpanID))
	}
}
