package retention

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/store"
)

func newSweeperTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.New(db, store.SQLite)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// TestRunOnceDeletesOnlyJobsPastCutoff exercises the sweep directly
// (without archiving, since no real ClickHouse is available in tests),
// confirming it purges terminal jobs older than the retention window and
// leaves recent ones alone.
func TestRunOnceDeletesOnlyJobsPastCutoff(t *testing.T) {
	ctx := context.Background()
	s := newSweeperTestStore(t)

	u := &store.User{Email: "a@example.com", APIKeyHash: "h", APIKeyHint: "h", IsActive: true, MonthlyLimitUSD: 100, PerJobMaxUSD: 50}
	require.NoError(t, s.CreateUser(ctx, u))

	oldJob := &store.Job{
		UserID: u.ID, Status: store.JobCompleted, Preset: "web", GPUClass: "rtx4090",
		ManifestJSON: []byte(`{}`), ManifestHash: "old", ProjectHash: "ph", BundleKey: "k1",
		BundleSHA256: "sha", OutputName: "o.mp4", CreatedAt: time.Now().UTC().AddDate(0, 0, -30),
	}
	require.NoError(t, s.CreateJob(ctx, oldJob))

	recentJob := &store.Job{
		UserID: u.ID, Status: store.JobCompleted, Preset: "web", GPUClass: "rtx4090",
		ManifestJSON: []byte(`{}`), ManifestHash: "recent", ProjectHash: "ph", BundleKey: "k2",
		BundleSHA256: "sha", OutputName: "o.mp4",
	}
	require.NoError(t, s.CreateJob(ctx, recentJob))

	cfg := &config.Config{}
	cfg.Retention.RetentionDays = 7
	cfg.Retention.Schedule = "0 3 * * *"

	sw := New(cfg, s, nil, zap.NewNop())
	sw.runOnce(ctx)

	_, err := s.GetJob(ctx, oldJob.ID)
	require.Error(t, err)

	got, err := s.GetJob(ctx, recentJob.ID)
	require.NoError(t, err)
	require.Equal(t, recentJob.ID, got.ID)
}
