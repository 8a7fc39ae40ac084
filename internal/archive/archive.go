// Package archive exports JobEvent rows and monthly Usage aggregates to
// ClickHouse once they age out of the relational store's retention window,
// for historical analytics queries the operational store isn't shaped for.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/renderhub/dispatch/internal/config"
	"github.com/renderhub/dispatch/internal/store"
)

// Exporter streams job events and usage aggregates into ClickHouse tables
// sized for append-only analytical queries.
type Exporter struct {
	db  *sql.DB
	log *zap.Logger
}

// New opens the ClickHouse connection and ensures both archive tables
// exist. Returns (nil, nil) when archiving is disabled in config.
func New(cfg *config.Config, log *zap.Logger) (*Exporter, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.Archive.DSN},
		Auth: clickhouse.Auth{Database: cfg.Archive.Database},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 10 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	e := &Exporter{db: conn, log: log}
	if err := e.ensureTables(cfg.Archive.Database); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Exporter) ensureTables(database string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.job_events_archive (
			id String,
			job_id String,
			event_type LowCardinality(String),
			message String,
			data_json String,
			created_at DateTime64(3),
			archived_at DateTime64(3)
		) ENGINE = MergeTree() ORDER BY (job_id, created_at)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.usage_archive (
			user_id String,
			month String,
			cost_usd Float64,
			minutes Float64,
			archived_at DateTime64(3)
		) ENGINE = MergeTree() ORDER BY (user_id, month)`, database),
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure archive table: %w", err)
		}
	}
	return nil
}

// ExportJobEvents writes a batch of job events to the archive table. The
// relational store remains authoritative until the retention sweep deletes
// the job row; this call is additive and safe to retry.
func (e *Exporter) ExportJobEvents(ctx context.Context, events []store.JobEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO job_events_archive
		(id, job_id, event_type, message, data_json, created_at, archived_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.JobID, ev.EventType, ev.Message, string(ev.DataJSON), ev.CreatedAt, now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("archive job event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive batch: %w", err)
	}
	e.log.Info("archived job events", zap.Int("count", len(events)))
	return nil
}

// ExportUsage writes a user-month usage aggregate to the archive table,
// called once a month key rolls over and leaves the active window.
func (e *Exporter) ExportUsage(ctx context.Context, usage store.Usage) error {
	_, err := e.db.ExecContext(ctx, `INSERT INTO usage_archive
		(user_id, month, cost_usd, minutes, archived_at) VALUES (?, ?, ?, ?, ?)`,
		usage.UserID, usage.Month, usage.CostUSD, usage.Minutes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("archive usage %s/%s: %w", usage.UserID, usage.Month, err)
	}
	return nil
}

// Close releases the ClickHouse connection. Safe to call on a nil Exporter.
func (e *Exporter) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}
