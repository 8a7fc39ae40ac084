package ledger

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/renderhub/dispatch/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store, string) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := store.New(db, store.SQLite)
	require.NoError(t, s.Migrate(context.Background()))

	u := &store.User{Email: "u@example.com", APIKeyHash: "h", APIKeyHint: "abcdef", IsActive: true}
	require.NoError(t, s.CreateUser(context.Background(), u))

	return New(s), s, u.ID
}

func TestPurchaseThenReserveReducesAvailable(t *testing.T) {
	ctx := context.Background()
	l, _, userID := newTestLedger(t)

	require.NoError(t, l.PurchaseCredits(ctx, userID, 100, "ext-1", "lemon"))
	bal, err := l.Balances(ctx, userID)
	require.NoError(t, err)
	require.InDelta(t, 100, bal.AvailableUSD, 0.001)

	bal, err = l.ReserveCredits(ctx, userID, "job-1", 20)
	require.NoError(t, err)
	require.InDelta(t, 80, bal.AvailableUSD, 0.001)
	require.InDelta(t, -20, bal.ReservedUSD, 0.001)
}

func TestReserveIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _, userID := newTestLedger(t)
	require.NoError(t, l.PurchaseCredits(ctx, userID, 100, "ext-1", "lemon"))

	b1, err := l.ReserveCredits(ctx, userID, "job-1", 20)
	require.NoError(t, err)
	b2, err := l.ReserveCredits(ctx, userID, "job-1", 20)
	require.NoError(t, err)
	require.Equal(t, b1.AvailableUSD, b2.AvailableUSD)
}

func TestReserveFailsWhenInsufficient(t *testing.T) {
	ctx := context.Background()
	l, _, userID := newTestLedger(t)
	require.NoError(t, l.PurchaseCredits(ctx, userID, 10, "ext-1", "lemon"))
	_, err := l.ReserveCredits(ctx, userID, "job-1", 20)
	require.ErrorIs(t, err, ErrInsufficientCredit)
}

func TestSettleUnderReservationRefunds(t *testing.T) {
	ctx := context.Background()
	l, _, userID := newTestLedger(t)
	require.NoError(t, l.PurchaseCredits(ctx, userID, 100, "ext-1", "lemon"))
	_, err := l.ReserveCredits(ctx, userID, "job-1", 20)
	require.NoError(t, err)

	require.NoError(t, l.SettleJob(ctx, "job-1", 12))
	bal, err := l.Balances(ctx, userID)
	require.NoError(t, err)
	require.InDelta(t, 88, bal.AvailableUSD, 0.001) // 100 - 12 charged
}

func TestSettleOverReservationCharges(t *testing.T) {
	ctx := context.Background()
	l, _, userID := newTestLedger(t)
	require.NoError(t, l.PurchaseCredits(ctx, userID, 100, "ext-1", "lemon"))
	_, err := l.ReserveCredits(ctx, userID, "job-1", 20)
	require.NoError(t, err)

	require.NoError(t, l.SettleJob(ctx, "job-1", 25))
	bal, err := l.Balances(ctx, userID)
	require.NoError(t, err)
	require.InDelta(t, 75, bal.AvailableUSD, 0.001) // 100 - 25 charged
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _, userID := newTestLedger(t)
	require.NoError(t, l.PurchaseCredits(ctx, userID, 100, "ext-1", "lemon"))
	_, err := l.ReserveCredits(ctx, userID, "job-1", 20)
	require.NoError(t, err)

	require.NoError(t, l.SettleJob(ctx, "job-1", 12))
	bal1, err := l.Balances(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, l.SettleJob(ctx, "job-1", 999)) // second call is a no-op
	bal2, err := l.Balances(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, bal1.AvailableUSD, bal2.AvailableUSD)
}

func TestVoidReleasesReservation(t *testing.T) {
	ctx := context.Background()
	l, _, userID := newTestLedger(t)
	require.NoError(t, l.PurchaseCredits(ctx, userID, 100, "ext-1", "lemon"))
	_, err := l.ReserveCredits(ctx, userID, "job-1", 20)
	require.NoError(t, err)

	require.NoError(t, l.VoidReservation(ctx, "job-1", "cancelled"))
	bal, err := l.Balances(ctx, userID)
	require.NoError(t, err)
	require.InDelta(t, 100, bal.AvailableUSD, 0.001)
}

func TestPurchaseIsIdempotentByExternalID(t *testing.T) {
	ctx := context.Background()
	l, _, userID := newTestLedger(t)
	require.NoError(t, l.PurchaseCredits(ctx, userID, 50, "dup", "lemon"))
	require.NoError(t, l.PurchaseCredits(ctx, userID, 50, "dup", "lemon"))
	bal, err := l.Balances(ctx, userID)
	require.NoError(t, err)
	require.InDelta(t, 50, bal.AvailableUSD, 0.001)
}

func TestAdjustCreditsAllowsNegativeAmount(t *testing.T) {
	ctx := context.Background()
	l, _, userID := newTestLedger(t)
	require.NoError(t, l.PurchaseCredits(ctx, userID, 50, "ext-1", "lemon"))
	require.NoError(t, l.AdjustCredits(ctx, userID, -10, "chargeback", ""))
	bal, err := l.Balances(ctx, userID)
	require.NoError(t, err)
	require.InDelta(t, 40, bal.AvailableUSD, 0.001)
}
