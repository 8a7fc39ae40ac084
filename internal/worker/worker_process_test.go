package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/estimator"
	"github.com/renderhub/dispatch/internal/ledger"
	"github.com/renderhub/dispatch/internal/mailer"
	"github.com/renderhub/dispatch/internal/manifest"
	"github.com/renderhub/dispatch/internal/queuebus"
	"github.com/renderhub/dispatch/internal/store"
)

func setupWorkerTest(t *testing.T) (*Worker, *store.Store, *ledger.Ledger, *config.Config) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.New(db, store.SQLite)
	require.NoError(t, s.Migrate(context.Background()))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := queuebus.New(rdb)

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Worker.MaxRetries = 2

	l := ledger.New(s)
	w := New(cfg, rdb, s, bus, l, nil, nil, mailer.NoopMailer{}, zap.NewNop())
	return w, s, l, cfg
}

func seedUserAndJob(t *testing.T, s *store.Store, l *ledger.Ledger, maxAttempts int) *store.Job {
	t.Helper()
	ctx := context.Background()
	user := &store.User{Email: "render@example.com", APIKeyHash: "x", APIKeyHint: "x", IsActive: true, MonthlyLimitUSD: 100, PerJobMaxUSD: 50}
	require.NoError(t, s.CreateUser(ctx, user))

	job := &store.Job{
		ID: "job-1", UserID: user.ID, Status: store.JobQueued, Preset: "web", GPUClass: "rtx4090",
		ManifestJSON: []byte(`{"composition":{"name":"Main","durationSeconds":10},"effects":[]}`),
		ManifestHash: "hash1", BundleKey: "bundles/job-1.zip", BundleSHA256: "pending", BundleSizeBytes: 1024,
		CostEstimateUSD: 5.0, ETASeconds: 60, MaxAttempts: maxAttempts,
	}
	require.NoError(t, s.CreateJob(ctx, job))
	_, err := l.ReserveCredits(ctx, user.ID, job.ID, 5.0)
	require.NoError(t, err)
	return job
}

func TestHandleFailureRequeuesWhileAttemptsRemain(t *testing.T) {
	w, s, _, cfg := setupWorkerTest(t)
	job := seedUserAndJob(t, s, ledger.New(s), 3)
	ctx := context.Background()

	ok := w.handleFailure(ctx, job, errCancelled)
	require.False(t, ok)

	updated, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobQueued, updated.Status)
	require.Equal(t, 1, updated.Attempts)

	n, err := w.rdb.LLen(ctx, queuebus.QueueKey(job.GPUClass)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_ = cfg
}

func TestHandleFailureGivesUpAfterMaxAttempts(t *testing.T) {
	w, s, l, _ := setupWorkerTest(t)
	job := seedUserAndJob(t, s, l, 1)
	ctx := context.Background()

	ok := w.handleFailure(ctx, job, errCancelled)
	require.False(t, ok)

	updated, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobFailed, updated.Status)
	require.NotNil(t, updated.ErrorMessage)

	bal, err := l.Balances(ctx, job.UserID)
	require.NoError(t, err)
	require.Equal(t, 0.0, bal.ReservedUSD)
}

func TestHandleCancellationVoidsReservation(t *testing.T) {
	w, s, l, _ := setupWorkerTest(t)
	job := seedUserAndJob(t, s, l, 3)
	ctx := context.Background()

	ok := w.handleCancellation(ctx, job)
	require.True(t, ok)

	updated, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCancelled, updated.Status)

	bal, err := l.Balances(ctx, job.UserID)
	require.NoError(t, err)
	require.Equal(t, 0.0, bal.ReservedUSD)
}

func TestCompleteSettlesLedgerAndMarksJob(t *testing.T) {
	w, s, l, cfg := setupWorkerTest(t)
	job := seedUserAndJob(t, s, l, 3)
	ctx := context.Background()

	var manifestObj manifest.Manifest
	require.NoError(t, json.Unmarshal(job.ManifestJSON, &manifestObj))
	preset := estimator.Preset(job.Preset)

	ok := w.complete(ctx, job, manifestObj, preset, nil, "results/u/job-1/output.mp4", "output.mp4", time.Now().Add(-2*time.Minute))
	require.True(t, ok)

	updated, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCompleted, updated.Status)
	require.NotNil(t, updated.ResultKey)
	require.Equal(t, "results/u/job-1/output.mp4", *updated.ResultKey)

	bal, err := l.Balances(ctx, job.UserID)
	require.NoError(t, err)
	require.Equal(t, 0.0, bal.ReservedUSD)

	usage, err := s.GetUsage(ctx, job.UserID, time.Now().UTC().Format("2006-01"))
	require.NoError(t, err)
	require.NotNil(t, usage)
	_ = cfg
}
