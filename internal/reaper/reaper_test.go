package reaper

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/queuebus"
)

func TestReaperRequeuesJobsFromDeadWorker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	rep := New(cfg, rdb, zap.NewNop())

	ctx := context.Background()
	workerID := "w1"
	plist := fmt.Sprintf(cfg.Worker.ProcessingListPattern, workerID)

	job := queuebus.RenderJob{JobID: "job-1", UserID: "u1", GPUClass: "rtx4090"}
	payload, err := job.Marshal()
	require.NoError(t, err)
	require.NoError(t, rdb.LPush(ctx, plist, payload).Err())

	rep.scanOnce(ctx)

	n, err := rdb.LLen(ctx, queuebus.QueueKey("rtx4090")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	remaining, err := rdb.LLen(ctx, plist).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), remaining)
}

func TestReaperSkipsLiveWorker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	rep := New(cfg, rdb, zap.NewNop())

	ctx := context.Background()
	workerID := "w2"
	plist := fmt.Sprintf(cfg.Worker.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(cfg.Worker.HeartbeatKeyPattern, workerID)
	require.NoError(t, rdb.Set(ctx, hbKey, "1", 0).Err())

	job := queuebus.RenderJob{JobID: "job-2", UserID: "u1", GPUClass: "a100"}
	payload, err := job.Marshal()
	require.NoError(t, err)
	require.NoError(t, rdb.LPush(ctx, plist, payload).Err())

	rep.scanOnce(ctx)

	remaining, err := rdb.LLen(ctx, plist).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), remaining)
}
