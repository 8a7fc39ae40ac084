// Package ledger implements the append-only double-entry credit ledger:
// reservations made at job submission, settlement at job completion,
// voids on cancellation, and purchases/adjustments from the payment
// webhook and admin surface.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/renderhub/dispatch/internal/dispatcherr"
	"github.com/renderhub/dispatch/internal/store"
)

// EntryType is one of the five ledger entry kinds.
type EntryType string

const (
	Purchase   EntryType = "PURCHASE"
	Adjustment EntryType = "ADJUSTMENT"
	Reserve    EntryType = "RESERVE"
	Refund     EntryType = "REFUND"
	Settlement EntryType = "SETTLEMENT"
)

// EntryStatus is the lifecycle state of a single ledger entry.
type EntryStatus string

const (
	StatusPosted   EntryStatus = "posted"
	StatusReserved EntryStatus = "reserved"
	StatusVoided   EntryStatus = "voided"
)

// Entry is one row of the credit_ledger table.
type Entry struct {
	ID         string
	UserID     string
	EntryType  EntryType
	Status     EntryStatus
	AmountUSD  float64
	Currency   string
	JobID      *string
	ExternalID *string
	Details    map[string]interface{}
	CreatedAt  time.Time
}

// Balances summarizes a user's credit position.
type Balances struct {
	PostedUSD   float64
	ReservedUSD float64
	AvailableUSD float64
}

// ErrInsufficientCredit is returned by ReserveCredits when the user's available
// balance cannot cover the requested amount.
var ErrInsufficientCredit = dispatcherr.New(dispatcherr.Policy, "insufficient credit")

// Ledger runs ledger operations against a shared store.Store connection.
type Ledger struct {
	store *store.Store
}

func New(s *store.Store) *Ledger {
	return &Ledger{store: s}
}

func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "begin ledger transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "commit ledger transaction", err)
	}
	return nil
}

// lockUser takes a row-level lock on the user's ledger subset so concurrent
// reserve calls for the same user serialize on balance reads. Postgres uses
// SELECT ... FOR UPDATE; SQLite serializes writers at the connection/database
// level already, so no explicit lock is needed there.
func (l *Ledger) lockUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if l.store.Dialect() != store.Postgres {
		return nil
	}
	var dummy string
	err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatcherr.New(dispatcherr.NotFound, "user not found")
	}
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "lock user row", err)
	}
	return nil
}

func (l *Ledger) rebind(q string) string {
	return l.store.Rebind(q)
}

func (l *Ledger) balancesTx(ctx context.Context, tx *sql.Tx, userID string) (Balances, error) {
	var posted, reserved sql.NullFloat64
	err := tx.QueryRowContext(ctx, l.rebind(`SELECT COALESCE(SUM(amount_usd),0) FROM credit_ledger
		WHERE user_id = $1 AND status = 'posted'`), userID).Scan(&posted)
	if err != nil {
		return Balances{}, dispatcherr.Wrap(dispatcherr.Internal, "sum posted balance", err)
	}
	err = tx.QueryRowContext(ctx, l.rebind(`SELECT COALESCE(SUM(amount_usd),0) FROM credit_ledger
		WHERE user_id = $1 AND status = 'reserved'`), userID).Scan(&reserved)
	if err != nil {
		return Balances{}, dispatcherr.Wrap(dispatcherr.Internal, "sum reserved balance", err)
	}
	b := Balances{PostedUSD: posted.Float64, ReservedUSD: reserved.Float64}
	b.AvailableUSD = b.PostedUSD + b.ReservedUSD
	return b, nil
}

// Balances returns a user's current posted/reserved/available balances.
func (l *Ledger) Balances(ctx context.Context, userID string) (Balances, error) {
	var b Balances
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		b, err = l.balancesTx(ctx, tx, userID)
		return err
	})
	return b, err
}

func scanEntryTx(row interface{ Scan(dest ...interface{}) error }) (*Entry, error) {
	e := &Entry{}
	var entryType, status string
	var detailsJSON sql.NullString
	err := row.Scan(&e.ID, &e.UserID, &entryType, &status, &e.AmountUSD, &e.Currency,
		&e.JobID, &e.ExternalID, &detailsJSON, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.EntryType = EntryType(entryType)
	e.Status = EntryStatus(status)
	if detailsJSON.Valid && detailsJSON.String != "" {
		if err := json.Unmarshal([]byte(detailsJSON.String), &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal entry details: %w", err)
		}
	}
	return e, nil
}

const entryColumns = `id, user_id, entry_type, status, amount_usd, currency, job_id, external_id, details_json, created_at`

func (l *Ledger) findEntry(ctx context.Context, tx *sql.Tx, jobID string, entryType EntryType) (*Entry, error) {
	row := tx.QueryRowContext(ctx, l.rebind(`SELECT `+entryColumns+` FROM credit_ledger
		WHERE job_id = $1 AND entry_type = $2`), jobID, string(entryType))
	e, err := scanEntryTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "find ledger entry", err)
	}
	return e, nil
}

func (l *Ledger) findByExternalID(ctx context.Context, tx *sql.Tx, externalID string) (*Entry, error) {
	row := tx.QueryRowContext(ctx, l.rebind(`SELECT `+entryColumns+` FROM credit_ledger
		WHERE external_id = $1`), externalID)
	e, err := scanEntryTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "find ledger entry by external id", err)
	}
	return e, nil
}

func (l *Ledger) insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Currency == "" {
		e.Currency = "USD"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var detailsJSON []byte
	if e.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal entry details: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, l.rebind(`INSERT INTO credit_ledger
		(id, user_id, entry_type, status, amount_usd, currency, job_id, external_id, details_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`),
		e.ID, e.UserID, string(e.EntryType), string(e.Status), e.AmountUSD, e.Currency, e.JobID, e.ExternalID, detailsJSON, e.CreatedAt)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "insert ledger entry", err)
	}
	return nil
}

func (l *Ledger) updateEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	var detailsJSON []byte
	if e.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal entry details: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, l.rebind(`UPDATE credit_ledger SET status=$1, amount_usd=$2, details_json=$3 WHERE id=$4`),
		string(e.Status), e.AmountUSD, detailsJSON, e.ID)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Internal, "update ledger entry", err)
	}
	return nil
}

// ReserveCredits reserves amountUSD for a job. Idempotent: a second call
// for the same job returns the existing balances unchanged. Fails with
// ErrInsufficientCredit if the user's available balance can't cover it.
func (l *Ledger) ReserveCredits(ctx context.Context, userID, jobID string, amountUSD float64) (Balances, error) {
	if amountUSD <= 0 {
		return Balances{}, dispatcherr.New(dispatcherr.Validation, "reservation amount must be positive")
	}
	var result Balances
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		if err := l.lockUser(ctx, tx, userID); err != nil {
			return err
		}
		existing, err := l.findEntry(ctx, tx, jobID, Reserve)
		if err != nil {
			return err
		}
		if existing != nil {
			result, err = l.balancesTx(ctx, tx, userID)
			return err
		}
		balances, err := l.balancesTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balances.AvailableUSD < amountUSD {
			return ErrInsufficientCredit
		}
		job := jobID
		if err := l.insertEntry(ctx, tx, &Entry{
			UserID: userID, EntryType: Reserve, Status: StatusReserved,
			AmountUSD: -amountUSD, JobID: &job,
		}); err != nil {
			return err
		}
		result, err = l.balancesTx(ctx, tx, userID)
		return err
	})
	return result, err
}

// SettleJob finalizes a job's reservation at actualCostUSD. A no-op if no
// reserved RESERVE entry exists for the job (already settled or voided).
func (l *Ledger) SettleJob(ctx context.Context, jobID string, actualCostUSD float64) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := l.findEntry(ctx, tx, jobID, Reserve)
		if err != nil {
			return err
		}
		if entry == nil || entry.Status != StatusReserved {
			return nil
		}
		if err := l.lockUser(ctx, tx, entry.UserID); err != nil {
			return err
		}

		reserved := math.Abs(entry.AmountUSD)
		balances, err := l.balancesTx(ctx, tx, entry.UserID)
		if err != nil {
			return err
		}
		maxCharge := math.Max(0.0, balances.AvailableUSD+reserved)
		actualCharge := math.Max(0.0, math.Min(actualCostUSD, maxCharge))

		entry.Status = StatusPosted
		entry.AmountUSD = -reserved
		if actualCostUSD > maxCharge {
			entry.Details = map[string]interface{}{
				"reason":    "insufficient_funds",
				"shortfall": roundCents(actualCostUSD - maxCharge),
			}
		}
		if err := l.updateEntry(ctx, tx, entry); err != nil {
			return err
		}

		job := jobID
		switch {
		case actualCharge < reserved:
			return l.insertEntry(ctx, tx, &Entry{
				UserID: entry.UserID, EntryType: Refund, Status: StatusPosted,
				AmountUSD: reserved - actualCharge, JobID: &job,
				Details: map[string]interface{}{"reason": "unused_reservation"},
			})
		case actualCharge > reserved:
			return l.insertEntry(ctx, tx, &Entry{
				UserID: entry.UserID, EntryType: Settlement, Status: StatusPosted,
				AmountUSD: -(actualCharge - reserved), JobID: &job,
				Details: map[string]interface{}{"reason": "overage"},
			})
		default:
			return nil
		}
	})
}

// VoidReservation marks a job's RESERVE entry voided, recording reason. A
// no-op if absent or already non-reserved.
func (l *Ledger) VoidReservation(ctx context.Context, jobID, reason string) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := l.findEntry(ctx, tx, jobID, Reserve)
		if err != nil {
			return err
		}
		if entry == nil || entry.Status != StatusReserved {
			return nil
		}
		entry.Status = StatusVoided
		entry.Details = map[string]interface{}{"reason": reason}
		return l.updateEntry(ctx, tx, entry)
	})
}

// PurchaseCredits posts a purchase, idempotent on externalID: a webhook
// retry with the same externalID is a no-op.
func (l *Ledger) PurchaseCredits(ctx context.Context, userID string, amountUSD float64, externalID, source string) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		if externalID != "" {
			existing, err := l.findByExternalID(ctx, tx, externalID)
			if err != nil {
				return err
			}
			if existing != nil {
				return nil
			}
		}
		var ext *string
		if externalID != "" {
			ext = &externalID
		}
		return l.insertEntry(ctx, tx, &Entry{
			UserID: userID, EntryType: Purchase, Status: StatusPosted,
			AmountUSD: amountUSD, ExternalID: ext,
			Details: map[string]interface{}{"source": source},
		})
	})
}

// AdjustCredits posts a manual admin adjustment (amount may be negative),
// idempotent on externalID using the same rule as PurchaseCredits.
func (l *Ledger) AdjustCredits(ctx context.Context, userID string, amountUSD float64, reason, externalID string) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		if externalID != "" {
			existing, err := l.findByExternalID(ctx, tx, externalID)
			if err != nil {
				return err
			}
			if existing != nil {
				return nil
			}
		}
		var ext *string
		if externalID != "" {
			ext = &externalID
		}
		return l.insertEntry(ctx, tx, &Entry{
			UserID: userID, EntryType: Adjustment, Status: StatusPosted,
			AmountUSD: amountUSD, ExternalID: ext,
			Details: map[string]interface{}{"reason": reason},
		})
	})
}

// ListEntries returns a user's most recent ledger entries, newest first,
// capped at limit.
func (l *Ledger) ListEntries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := l.store.DB().QueryContext(ctx, l.rebind(`SELECT `+entryColumns+` FROM credit_ledger
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`), userID, limit)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.Internal, "list ledger entries", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntryTx(rows)
		if err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.Internal, "scan ledger entry", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
