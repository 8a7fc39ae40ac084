package worker

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/breaker"
	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/ledger"
	"github.com/renderhub/dispatch/internal/mailer"
	"github.com/renderhub/dispatch/internal/queuebus"
	"github.com/renderhub/dispatch/internal/store"
)

// failingObjectStore implements objectstore.Store by always failing
// GetFile, simulating an unreachable bundle store.
type failingObjectStore struct{}

func (failingObjectStore) PresignPut(ctx context.Context, key string) (string, error) { return "", nil }
func (failingObjectStore) PresignGet(ctx context.Context, key string) (string, error) { return "", nil }
func (failingObjectStore) HeadObjectSize(ctx context.Context, key string) (int64, error) {
	return 0, nil
}
func (failingObjectStore) PutFile(ctx context.Context, key string, r io.Reader) error { return nil }
func (failingObjectStore) GetFile(ctx context.Context, key, destPath string) error {
	return fmt.Errorf("object store unreachable")
}
func (failingObjectStore) ObjectExists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

// TestWorkerBreakerTripsOnRepeatedDownloadFailures drives runOne directly
// against jobs whose bundle can never be downloaded, confirming repeated
// failures trip the circuit breaker.
func TestWorkerBreakerTripsOnRepeatedDownloadFailures(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	s := store.New(db, store.SQLite)
	require.NoError(t, s.Migrate(context.Background()))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := queuebus.New(rdb)

	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Worker.BRPopLPushTimeout = 20 * time.Millisecond
	cfg.Worker.BreakerPause = 10 * time.Millisecond
	cfg.CircuitBreaker.Window = 50 * time.Millisecond
	cfg.CircuitBreaker.CooldownPeriod = 80 * time.Millisecond
	cfg.CircuitBreaker.FailureThreshold = 0.5
	cfg.CircuitBreaker.MinSamples = 1

	l := ledger.New(s)
	w := New(cfg, rdb, s, bus, l, failingObjectStore{}, nil, mailer.NoopMailer{}, zap.NewNop())

	user := &store.User{Email: "breaker@example.com", APIKeyHash: "x", APIKeyHint: "x", IsActive: true, MonthlyLimitUSD: 100, PerJobMaxUSD: 50}
	require.NoError(t, s.CreateUser(context.Background(), user))

	for i := 0; i < 5; i++ {
		job := &store.Job{
			ID: fmt.Sprintf("job-%d", i), UserID: user.ID, Status: store.JobQueued, Preset: "web", GPUClass: "rtx4090",
			ManifestJSON: []byte(`{"composition":{"name":"Main","durationSeconds":10},"effects":[]}`),
			ManifestHash: "hash", BundleKey: "bundles/missing.zip", BundleSHA256: "pending", BundleSizeBytes: 1024,
			CostEstimateUSD: 5.0, ETASeconds: 60, MaxAttempts: 1,
		}
		require.NoError(t, s.CreateJob(context.Background(), job))
		_, err := l.ReserveCredits(context.Background(), user.ID, job.ID, 5.0)
		require.NoError(t, err)
		require.NoError(t, bus.Enqueue(context.Background(), queuebus.RenderJob{JobID: job.ID, UserID: user.ID, GPUClass: "rtx4090"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); w.runOne(ctx, "test-worker", "rtx4090") }()

	deadline := time.Now().Add(1500 * time.Millisecond)
	opened := false
	for time.Now().Before(deadline) {
		if w.breakers["rtx4090"].State() == breaker.Open {
			opened = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, opened, "breaker did not open under repeated failures")

	cancel()
	<-done
}
