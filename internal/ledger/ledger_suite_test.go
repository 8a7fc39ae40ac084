package ledger

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/renderhub/dispatch/internal/store"
)

func TestLedgerProperties(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ledger Property Suite")
}

var _ = Describe("credit ledger invariants", func() {
	var (
		ctx    context.Context
		ledger *Ledger
		userID string
	)

	BeforeEach(func() {
		ctx = context.Background()
		db, err := sql.Open("sqlite3", ":memory:")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { db.Close() })

		s := store.New(db, store.SQLite)
		Expect(s.Migrate(ctx)).To(Succeed())

		u := &store.User{Email: "props@example.com", APIKeyHash: "h", APIKeyHint: "abcdef", IsActive: true}
		Expect(s.CreateUser(ctx, u)).To(Succeed())
		userID = u.ID

		ledger = New(s)
	})

	It("never lets available balance go negative from a reservation", func() {
		Expect(ledger.PurchaseCredits(ctx, userID, 10, "ext-1", "lemon")).To(Succeed())

		_, err := ledger.ReserveCredits(ctx, userID, "job-1", 50)
		Expect(err).To(MatchError(ErrInsufficientCredit))

		bal, err := ledger.Balances(ctx, userID)
		Expect(err).NotTo(HaveOccurred())
		Expect(bal.AvailableUSD).To(BeNumerically(">=", 0))
	})

	It("admits at most one RESERVE entry per job", func() {
		Expect(ledger.PurchaseCredits(ctx, userID, 100, "ext-1", "lemon")).To(Succeed())

		first, err := ledger.ReserveCredits(ctx, userID, "job-1", 10)
		Expect(err).NotTo(HaveOccurred())
		second, err := ledger.ReserveCredits(ctx, userID, "job-1", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.AvailableUSD).To(Equal(first.AvailableUSD))
	})

	It("round-trips reserve then void back to the pre-reservation balance", func() {
		Expect(ledger.PurchaseCredits(ctx, userID, 100, "ext-1", "lemon")).To(Succeed())
		before, err := ledger.Balances(ctx, userID)
		Expect(err).NotTo(HaveOccurred())

		_, err = ledger.ReserveCredits(ctx, userID, "job-1", 30)
		Expect(err).NotTo(HaveOccurred())
		Expect(ledger.VoidReservation(ctx, "job-1", "cancelled")).To(Succeed())

		after, err := ledger.Balances(ctx, userID)
		Expect(err).NotTo(HaveOccurred())
		Expect(after.AvailableUSD).To(Equal(before.AvailableUSD))
	})

	It("round-trips reserve then settle at the exact reserved amount with no refund or settlement entries", func() {
		Expect(ledger.PurchaseCredits(ctx, userID, 100, "ext-1", "lemon")).To(Succeed())
		_, err := ledger.ReserveCredits(ctx, userID, "job-1", 30)
		Expect(err).NotTo(HaveOccurred())

		Expect(ledger.SettleJob(ctx, "job-1", 30)).To(Succeed())

		bal, err := ledger.Balances(ctx, userID)
		Expect(err).NotTo(HaveOccurred())
		Expect(bal.AvailableUSD).To(BeNumerically("~", 70, 0.001))
	})

	It("keeps purchase idempotent under repeated external IDs", func() {
		for i := 0; i < 5; i++ {
			Expect(ledger.PurchaseCredits(ctx, userID, 25, "webhook-retry", "lemon")).To(Succeed())
		}
		bal, err := ledger.Balances(ctx, userID)
		Expect(err).NotTo(HaveOccurred())
		Expect(bal.AvailableUSD).To(BeNumerically("~", 25, 0.001))
	})
})
