package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/renderhub/dispatch/internal/dispatcherr"
)

// CreateUser inserts a new user row, generating an ID if one isn't set.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`INSERT INTO users
		(id, email, api_key_hash, api_key_hint, is_active, is_admin, monthly_limit_usd, per_job_max_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Email, u.APIKeyHash, u.APIKeyHint, u.IsActive, u.IsAdmin,
		u.MonthlyLimitUSD, u.PerJobMaxUSD, u.CreatedAt)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "create user", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(ctx, "id", id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(ctx, "email", email)
}

func (s *Store) scanUser(ctx context.Context, column, value string) (*User, error) {
	query := s.rebind(`SELECT id, email, api_key_hash, api_key_hint, is_active, is_admin,
		monthly_limit_usd, per_job_max_usd, created_at FROM users WHERE ` + column + ` = $1`)
	row := s.db.QueryRowContext(ctx, query, value)
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.APIKeyHash, &u.APIKeyHint, &u.IsActive, &u.IsAdmin,
		&u.MonthlyLimitUSD, &u.PerJobMaxUSD, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispatcherr.New(dispatcherr.NotFound, "user not found")
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "get user", err)
	}
	return u, nil
}

// ListActiveUsers returns every active user, for the bcrypt-scan API key
// lookup in internal/controller/auth.go.
func (s *Store) ListActiveUsers(ctx context.Context) ([]User, error) {
	query := s.rebind(`SELECT id, email, api_key_hash, api_key_hint, is_active, is_admin,
		monthly_limit_usd, per_job_max_usd, created_at FROM users WHERE is_active = true`)
	if s.dialect == SQLite {
		query = s.rebind(`SELECT id, email, api_key_hash, api_key_hint, is_active, is_admin,
			monthly_limit_usd, per_job_max_usd, created_at FROM users WHERE is_active = 1`)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "list active users", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.APIKeyHash, &u.APIKeyHint, &u.IsActive, &u.IsAdmin,
			&u.MonthlyLimitUSD, &u.PerJobMaxUSD, &u.CreatedAt); err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.Internal, "scan user", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AdjustUserLimits updates the monthly and per-job spend caps for a user,
// the administrative side of §4.3's admin credit-adjustment surface.
func (s *Store) AdjustUserLimits(ctx context.Context, userID string, monthlyLimitUSD, perJobMaxUSD float64) error {
	query := s.rebind(`UPDATE users SET monthly_limit_usd = $1, per_job_max_usd = $2 WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, monthlyLimitUSD, perJobMaxUSD, userID)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "adjust user limits", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "adjust user limits", err)
	}
	if n == 0 {
		return dispatcherr.New(dispatcherr.NotFound, "user not found")
	}
	return nil
}

// SetAPIKey replaces a user's API key hash and hint, for issue/rotate.
func (s *Store) SetAPIKey(ctx context.Context, userID, apiKeyHash, apiKeyHint string) error {
	query := s.rebind(`UPDATE users SET api_key_hash = $1, api_key_hint = $2 WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, apiKeyHash, apiKeyHint, userID)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "set api key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "set api key", err)
	}
	if n == 0 {
		return dispatcherr.New(dispatcherr.NotFound, "user not found")
	}
	return nil
}
