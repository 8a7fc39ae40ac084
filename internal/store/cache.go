package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/renderhub/dispatch/internal/dispatcherr"
)

// GetCacheEntry looks up a previously rendered result by (manifest
// fingerprint, preset). Returns a dispatcherr NotFound error on miss.
func (s *Store) GetCacheEntry(ctx context.Context, manifestHash, preset string) (*CacheEntry, error) {
	query := s.rebind(`SELECT id, manifest_hash, preset, result_key, output_name, created_at
		FROM cache_entries WHERE manifest_hash = $1 AND preset = $2`)
	row := s.db.QueryRowContext(ctx, query, manifestHash, preset)
	c := &CacheEntry{}
	err := row.Scan(&c.ID, &c.ManifestHash, &c.Preset, &c.ResultKey, &c.OutputName, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatcherr.New(dispatcherr.NotFound, "cache entry not found")
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "get cache entry", err)
	}
	return c, nil
}

// PutCacheEntry records a render result for future cache hits. It is a
// no-op if an entry for this (manifest fingerprint, preset) already exists,
// since the first render to complete owns the cache slot.
func (s *Store) PutCacheEntry(ctx context.Context, manifestHash, preset, resultKey, outputName string) error {
	query := s.rebind(`INSERT INTO cache_entries (id, manifest_hash, preset, result_key, output_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT(manifest_hash, preset) DO NOTHING`)
	_, err := s.db.ExecContext(ctx, query, uuid.New().String(), manifestHash, preset, resultKey, outputName, time.Now().UTC())
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "put cache entry", err)
	}
	return nil
}

// PurgeOlderThan deletes cache entries and terminal jobs created before
// cutoff, the retention sweep's primary workhorse.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (cacheDeleted, jobsDeleted int64, err error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM cache_entries WHERE created_at < $1`), cutoff)
	if err != nil {
		return 0, 0, dispatcherr.Wrap(dispatcherr.Internal, "purge cache entries", err)
	}
	cacheDeleted, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE created_at < $1
		AND status IN ($2, $3, $4)`), cutoff, string(JobCompleted), string(JobFailed), string(JobCancelled))
	if err != nil {
		return cacheDeleted, 0, dispatcherr.Wrap(dispatcherr.Internal, "purge terminal jobs", err)
	}
	jobsDeleted, _ = res.RowsAffected()
	return cacheDeleted, jobsDeleted, nil
}
