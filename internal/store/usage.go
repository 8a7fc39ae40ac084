package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/renderhub/dispatch/internal/dispatcherr"
)

// GetUsage returns a user's usage aggregate for month (format "2006-01"),
// or a zero-value Usage if none exists yet.
func (s *Store) GetUsage(ctx context.Context, userID, month string) (*Usage, error) {
	query := s.rebind(`SELECT id, user_id, month, cost_usd, minutes, updated_at
		FROM usage WHERE user_id = $1 AND month = $2`)
	row := s.db.QueryRowContext(ctx, query, userID, month)
	u := &Usage{}
	err := row.Scan(&u.ID, &u.UserID, &u.Month, &u.CostUSD, &u.Minutes, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Usage{UserID: userID, Month: month}, nil
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "get usage", err)
	}
	return u, nil
}

// ListUsageOlderThanMonth returns every usage row for a month strictly
// before currentMonth (lexicographic "2006-01" comparison sorts correctly),
// for the retention sweep to archive before they roll out of normal
// reporting range.
func (s *Store) ListUsageOlderThanMonth(ctx context.Context, currentMonth string) ([]Usage, error) {
	query := s.rebind(`SELECT id, user_id, month, cost_usd, minutes, updated_at
		FROM usage WHERE month < $1`)
	rows, err := s.db.QueryContext(ctx, query, currentMonth)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "list usage older than month", err)
	}
	defer rows.Close()
	var usages []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.ID, &u.UserID, &u.Month, &u.CostUSD, &u.Minutes, &u.UpdatedAt); err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.Internal, "scan usage", err)
		}
		usages = append(usages, u)
	}
	return usages, rows.Err()
}

// IncrementUsage adds costUSD and minutes to a user's month aggregate,
// creating the row on first use. The aggregate is monotonically
// non-decreasing within a month by construction: callers only ever add.
func (s *Store) IncrementUsage(ctx context.Context, userID, month string, costUSD, minutes float64) error {
	now := time.Now().UTC()
	query := s.rebind(`INSERT INTO usage (id, user_id, month, cost_usd, minutes, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT(user_id, month) DO UPDATE SET
			cost_usd = usage.cost_usd + excluded.cost_usd,
			minutes = usage.minutes + excluded.minutes,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query, uuid.New().String(), userID, month, costUSD, minutes, now)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "increment usage", err)
	}
	return nil
}
