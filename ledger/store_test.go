package ledger_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alovak/cardbridge/ledger"
	"github.com/alovak/cardbridge/ledger/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) ledger.Store

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) ledger.Store {
		return ledger.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) ledger.Store {
		dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_busy_timeout=5000"
		store, err := ledger.Open(context.Background(), ledger.BackendSQLite, dsn)
		if err != nil {
			t.Skipf("sqlite unavailable: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	})
}

// TestPostgresStore runs against a real database. Skips unless LEDGER_PG_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("LEDGER_PG_DSN")
	if dsn == "" {
		t.Skip("LEDGER_PG_DSN not set; skipping DB integration test")
	}
	runStoreSuite(t, func(t *testing.T) ledger.Store {
		store, err := ledger.Open(context.Background(), ledger.BackendPostgres, dsn)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func unique(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s got %s", want, got)
}

// issuedCard creates an active card with the given balance.
func issuedCard(t *testing.T, store ledger.Store, balance string) *models.Card {
	t.Helper()
	ctx := context.Background()
	card := &models.Card{
		UserID:          unique("user"),
		HolderID:        unique("holder"),
		MerchantOrderNo: unique("CARD"),
		CardTypeID:      "CT-VISA-001",
		Currency:        "USD",
	}
	require.NoError(t, store.CreateCard(ctx, card))
	_, applied, err := store.ConfirmCardIssued(ctx, card.ID, ledger.CardIssue{
		ExternalCardNo: unique("4859"),
		BIN:            "4859",
		Last4:          "1234",
		At:             time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, applied)
	card, err = store.SetCardBalance(ctx, card.ID, dec(balance))
	require.NoError(t, err)
	return card
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("holder lifecycle", func(t *testing.T) {
		store := newStore(t)
		userID := unique("user")
		h := &models.Holder{
			UserID:          userID,
			MerchantOrderNo: unique("KYC"),
			Identity:        models.Identity{FirstName: "Ada", LastName: "Lovelace", DOB: "1990-01-01", Nationality: "GB"},
		}
		require.NoError(t, store.CreateHolder(ctx, h))
		require.Equal(t, models.HolderPending, h.Status)
		require.NotEmpty(t, h.ID)

		dup := &models.Holder{UserID: userID, MerchantOrderNo: h.MerchantOrderNo}
		require.ErrorIs(t, store.CreateHolder(ctx, dup), ledger.ErrConflict)

		external := unique("HOLDER")
		got, err := store.AttachExternalHolder(ctx, h.ID, external)
		require.NoError(t, err)
		require.Equal(t, models.HolderSubmitted, got.Status)
		require.Equal(t, external, got.ExternalHolderID)

		got, err = store.AttachExternalHolder(ctx, h.ID, external)
		require.NoError(t, err)
		require.Equal(t, models.HolderSubmitted, got.Status)

		_, err = store.AttachExternalHolder(ctx, h.ID, unique("OTHER"))
		require.ErrorIs(t, err, ledger.ErrConflict)

		got, err = store.ApplyHolderDecision(ctx, ledger.HolderDecision{ExternalHolderID: external, Status: models.HolderRejected, Reason: "blurry document"})
		require.NoError(t, err)
		require.Equal(t, models.HolderRejected, got.Status)
		require.Equal(t, "blurry document", got.RejectReason)

		got, err = store.ApplyHolderDecision(ctx, ledger.HolderDecision{ExternalHolderID: external, Status: models.HolderApproved})
		require.NoError(t, err)
		require.Equal(t, models.HolderApproved, got.Status)
		require.Empty(t, got.RejectReason)

		_, err = store.ApplyHolderDecision(ctx, ledger.HolderDecision{ExternalHolderID: external, Status: models.HolderPending})
		require.ErrorIs(t, err, ledger.ErrInvalidTransition)

		_, err = store.ApplyHolderDecision(ctx, ledger.HolderDecision{MerchantOrderNo: unique("MISSING"), Status: models.HolderApproved})
		require.ErrorIs(t, err, ledger.ErrNotFound)

		latest, err := store.LatestHolder(ctx, userID)
		require.NoError(t, err)
		require.Equal(t, h.ID, latest.ID)
		require.Equal(t, "Ada", latest.Identity.FirstName)

		_, err = store.LatestHolder(ctx, unique("nobody"))
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("holder decision by order number attaches external id", func(t *testing.T) {
		store := newStore(t)
		h := &models.Holder{UserID: unique("user"), MerchantOrderNo: unique("KYC")}
		require.NoError(t, store.CreateHolder(ctx, h))

		external := unique("HOLDER")
		got, err := store.ApplyHolderDecision(ctx, ledger.HolderDecision{
			ExternalHolderID: external,
			MerchantOrderNo:  h.MerchantOrderNo,
			Status:           models.HolderApproved,
		})
		require.NoError(t, err)
		require.Equal(t, models.HolderApproved, got.Status)
		require.Equal(t, external, got.ExternalHolderID)

		// a late synchronous attach of the same id keeps the decision
		got, err = store.AttachExternalHolder(ctx, h.ID, external)
		require.NoError(t, err)
		require.Equal(t, models.HolderApproved, got.Status)
	})

	t.Run("decision before attach is applied on attach", func(t *testing.T) {
		store := newStore(t)
		h := &models.Holder{UserID: unique("user"), MerchantOrderNo: unique("KYC")}
		require.NoError(t, store.CreateHolder(ctx, h))

		external := unique("HOLDER")
		_, err := store.ApplyHolderDecision(ctx, ledger.HolderDecision{ExternalHolderID: external, Status: models.HolderRejected, Reason: "expired passport"})
		require.ErrorIs(t, err, ledger.ErrDeferred)

		got, err := store.GetHolder(ctx, h.ID)
		require.NoError(t, err)
		require.Equal(t, models.HolderPending, got.Status)

		got, err = store.AttachExternalHolder(ctx, h.ID, external)
		require.NoError(t, err)
		require.Equal(t, models.HolderRejected, got.Status)
		require.Equal(t, "expired passport", got.RejectReason)
		require.Equal(t, external, got.ExternalHolderID)

		// the deferred decision is gone once applied
		other := &models.Holder{UserID: unique("user"), MerchantOrderNo: unique("KYC")}
		require.NoError(t, store.CreateHolder(ctx, other))
		otherExternal := unique("HOLDER")
		got, err = store.AttachExternalHolder(ctx, other.ID, otherExternal)
		require.NoError(t, err)
		require.Equal(t, models.HolderSubmitted, got.Status)
	})

	t.Run("later deferred decision replaces earlier one", func(t *testing.T) {
		store := newStore(t)
		h := &models.Holder{UserID: unique("user"), MerchantOrderNo: unique("KYC")}
		require.NoError(t, store.CreateHolder(ctx, h))

		external := unique("HOLDER")
		_, err := store.ApplyHolderDecision(ctx, ledger.HolderDecision{ExternalHolderID: external, Status: models.HolderRejected, Reason: "blurry"})
		require.ErrorIs(t, err, ledger.ErrDeferred)
		_, err = store.ApplyHolderDecision(ctx, ledger.HolderDecision{ExternalHolderID: external, Status: models.HolderApproved})
		require.ErrorIs(t, err, ledger.ErrDeferred)

		got, err := store.AttachExternalHolder(ctx, h.ID, external)
		require.NoError(t, err)
		require.Equal(t, models.HolderApproved, got.Status)
		require.Empty(t, got.RejectReason)
	})

	t.Run("list holders filters by status newest first", func(t *testing.T) {
		store := newStore(t)
		userID := unique("user")
		var ids []string
		for i := 0; i < 3; i++ {
			h := &models.Holder{UserID: userID, MerchantOrderNo: unique("KYC")}
			require.NoError(t, store.CreateHolder(ctx, h))
			ids = append(ids, h.ID)
			time.Sleep(2 * time.Millisecond)
		}
		_, err := store.AttachExternalHolder(ctx, ids[0], unique("HOLDER"))
		require.NoError(t, err)
		_, err = store.AttachExternalHolder(ctx, ids[2], unique("HOLDER"))
		require.NoError(t, err)

		list, total, err := store.ListHolders(ctx, ledger.HolderFilter{Status: models.HolderSubmitted, UserID: userID})
		require.NoError(t, err)
		require.Equal(t, 2, total)
		require.Len(t, list, 2)
		require.Equal(t, ids[2], list[0].ID)
		require.Equal(t, ids[0], list[1].ID)

		list, total, err = store.ListHolders(ctx, ledger.HolderFilter{UserID: userID, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Equal(t, 3, total)
		require.Len(t, list, 1)
		require.Equal(t, ids[1], list[0].ID)

		list, total, err = store.ListHolders(ctx, ledger.HolderFilter{UserID: unique("nobody")})
		require.NoError(t, err)
		require.Zero(t, total)
		require.Empty(t, list)
	})

	t.Run("card issue settles initial amount once", func(t *testing.T) {
		store := newStore(t)
		card := &models.Card{
			UserID:          unique("user"),
			HolderID:        unique("holder"),
			MerchantOrderNo: unique("CARD"),
			CardTypeID:      "CT-VISA-001",
			Currency:        "USD",
		}
		require.NoError(t, store.CreateCard(ctx, card))
		require.Equal(t, models.CardPending, card.Status)
		require.ErrorIs(t, store.CreateCard(ctx, &models.Card{MerchantOrderNo: card.MerchantOrderNo, Currency: "USD"}), ledger.ErrConflict)

		tx := &models.Transaction{
			CardID:          card.ID,
			UserID:          card.UserID,
			MerchantOrderNo: card.MerchantOrderNo,
			Type:            models.TxCreate,
			Amount:          dec("101.5"),
			Fee:             dec("1.5"),
			Currency:        "USD",
		}
		require.NoError(t, store.CreateTransaction(ctx, tx))
		require.Equal(t, models.TxPending, tx.Status)

		_, _, err := store.SetCardStatus(ctx, card.ID, models.CardFrozen, time.Now())
		require.ErrorIs(t, err, ledger.ErrInvalidTransition)

		cardNo := unique("4859")
		issue := ledger.CardIssue{ExternalCardNo: cardNo, BIN: "4859", Last4: "0001", At: time.Now().UTC()}
		got, applied, err := store.ConfirmCardIssued(ctx, card.ID, issue)
		require.NoError(t, err)
		require.True(t, applied)
		require.Equal(t, models.CardActive, got.Status)
		require.Equal(t, "0001", got.Last4)

		_, applied, err = store.ConfirmCardIssued(ctx, card.ID, issue)
		require.NoError(t, err)
		require.False(t, applied)

		_, _, err = store.ConfirmCardIssued(ctx, card.ID, ledger.CardIssue{ExternalCardNo: unique("5329")})
		require.ErrorIs(t, err, ledger.ErrConflict)

		byNo, err := store.GetCardByExternalNo(ctx, cardNo)
		require.NoError(t, err)
		require.Equal(t, card.ID, byNo.ID)

		settled, applied, err := store.SettleTransaction(ctx, card.MerchantOrderNo, ledger.Settlement{})
		require.NoError(t, err)
		require.True(t, applied)
		require.Equal(t, models.TxSuccess, settled.Status)

		_, applied, err = store.SettleTransaction(ctx, card.MerchantOrderNo, ledger.Settlement{})
		require.NoError(t, err)
		require.False(t, applied)

		got, err = store.GetCard(ctx, card.ID)
		require.NoError(t, err)
		requireAmount(t, "101.5", got.AvailableBalance)

		_, _, err = store.SettleTransaction(ctx, unique("CARD"), ledger.Settlement{})
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("deposit fee from settlement", func(t *testing.T) {
		store := newStore(t)
		card := issuedCard(t, store, "10")
		orderNo := unique("RECHARGE")
		require.NoError(t, store.CreateTransaction(ctx, &models.Transaction{
			CardID: card.ID, UserID: card.UserID, MerchantOrderNo: orderNo,
			Type: models.TxDeposit, Amount: dec("50"), Currency: "USD",
		}))

		fee := dec("0.5")
		tx, applied, err := store.SettleTransaction(ctx, orderNo, ledger.Settlement{Fee: &fee, ExternalTxID: unique("DEP")})
		require.NoError(t, err)
		require.True(t, applied)
		requireAmount(t, "0.5", tx.Fee)

		got, err := store.GetCard(ctx, card.ID)
		require.NoError(t, err)
		requireAmount(t, "60", got.AvailableBalance)
	})

	t.Run("card status writes are ordered by effective time", func(t *testing.T) {
		store := newStore(t)
		card := issuedCard(t, store, "0")
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		got, applied, err := store.SetCardStatus(ctx, card.ID, models.CardFrozen, base.Add(2*time.Second))
		require.NoError(t, err)
		require.True(t, applied)
		require.Equal(t, models.CardFrozen, got.Status)

		// a stale unfreeze arrives after the newer freeze
		got, applied, err = store.SetCardStatus(ctx, card.ID, models.CardActive, base.Add(time.Second))
		require.NoError(t, err)
		require.False(t, applied)
		require.Equal(t, models.CardFrozen, got.Status)

		got, applied, err = store.SetCardStatus(ctx, card.ID, models.CardActive, base.Add(3*time.Second))
		require.NoError(t, err)
		require.True(t, applied)
		require.Equal(t, models.CardActive, got.Status)

		_, applied, err = store.SetCardStatus(ctx, card.ID, models.CardCancelled, base.Add(4*time.Second))
		require.NoError(t, err)
		require.True(t, applied)

		got, applied, err = store.SetCardStatus(ctx, card.ID, models.CardActive, base.Add(5*time.Second))
		require.NoError(t, err)
		require.False(t, applied)
		require.Equal(t, models.CardCancelled, got.Status)

		_, _, err = store.SetCardStatus(ctx, card.ID, models.CardPending, base.Add(6*time.Second))
		require.ErrorIs(t, err, ledger.ErrInvalidTransition)
	})

	t.Run("failed transaction", func(t *testing.T) {
		store := newStore(t)
		card := issuedCard(t, store, "5")
		orderNo := unique("RECHARGE")
		require.NoError(t, store.CreateTransaction(ctx, &models.Transaction{
			CardID: card.ID, UserID: card.UserID, MerchantOrderNo: orderNo,
			Type: models.TxDeposit, Amount: dec("20"), Currency: "USD",
		}))

		tx, applied, err := store.FailTransaction(ctx, orderNo, "network error")
		require.NoError(t, err)
		require.True(t, applied)
		require.Equal(t, models.TxFailed, tx.Status)
		require.Equal(t, "network error", tx.Description)

		_, applied, err = store.FailTransaction(ctx, orderNo, "again")
		require.NoError(t, err)
		require.False(t, applied)

		// a late remote confirmation still lands
		tx, applied, err = store.SettleTransaction(ctx, orderNo, ledger.Settlement{})
		require.NoError(t, err)
		require.True(t, applied)
		require.Equal(t, models.TxSuccess, tx.Status)

		_, applied, err = store.FailTransaction(ctx, orderNo, "too late")
		require.NoError(t, err)
		require.False(t, applied)

		got, err := store.GetCard(ctx, card.ID)
		require.NoError(t, err)
		requireAmount(t, "25", got.AvailableBalance)
	})

	t.Run("auth transactions deduplicate by external id", func(t *testing.T) {
		store := newStore(t)
		card := issuedCard(t, store, "100")
		tradeNo := unique("TRADE")

		tx, created, err := store.AppendAuthTransaction(ctx, &models.Transaction{
			CardID: card.ID, UserID: card.UserID, ExternalTxID: tradeNo,
			Type: models.TxPurchase, Amount: dec("12.34"), Currency: "USD",
			Status: models.TxPending, MerchantName: "Coffee",
		})
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, models.TxPending, tx.Status)

		tx, created, err = store.AppendAuthTransaction(ctx, &models.Transaction{
			CardID: card.ID, UserID: card.UserID, ExternalTxID: tradeNo,
			Type: models.TxPurchase, Amount: dec("12.34"), Currency: "USD",
			Status: models.TxSuccess,
		})
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, models.TxSuccess, tx.Status)

		_, created, err = store.AppendAuthTransaction(ctx, &models.Transaction{
			CardID: card.ID, UserID: card.UserID, ExternalTxID: tradeNo,
			Type: models.TxPurchase, Amount: dec("12.34"), Currency: "USD",
			Status: models.TxPending,
		})
		require.NoError(t, err)
		require.False(t, created)

		list, total, err := store.ListTransactions(ctx, ledger.TransactionFilter{CardID: card.ID})
		require.NoError(t, err)
		require.Equal(t, 1, total)
		require.Equal(t, models.TxSuccess, list[0].Status)

		got, err := store.GetCard(ctx, card.ID)
		require.NoError(t, err)
		requireAmount(t, "100", got.AvailableBalance)
	})

	t.Run("list transactions paginates newest first", func(t *testing.T) {
		store := newStore(t)
		card := issuedCard(t, store, "0")
		base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			require.NoError(t, store.CreateTransaction(ctx, &models.Transaction{
				CardID: card.ID, UserID: card.UserID, MerchantOrderNo: unique("RECHARGE"),
				Type: models.TxDeposit, Amount: decimal.NewFromInt(int64(i + 1)), Currency: "USD",
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		page, total, err := store.ListTransactions(ctx, ledger.TransactionFilter{UserID: card.UserID, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, 3, total)
		require.Len(t, page, 2)
		requireAmount(t, "3", page[0].Amount)
		requireAmount(t, "2", page[1].Amount)

		page, total, err = store.ListTransactions(ctx, ledger.TransactionFilter{UserID: card.UserID, Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Equal(t, 3, total)
		require.Len(t, page, 1)
		requireAmount(t, "1", page[0].Amount)

		page, total, err = store.ListTransactions(ctx, ledger.TransactionFilter{UserID: unique("nobody")})
		require.NoError(t, err)
		require.Zero(t, total)
		require.Empty(t, page)
	})

	t.Run("withdrawal moves forward and debits once", func(t *testing.T) {
		store := newStore(t)
		card := issuedCard(t, store, "100")
		orderNo := unique("ATM")
		w := &models.Withdrawal{
			UserID: card.UserID, CardID: card.ID, MerchantOrderNo: orderNo,
			Amount: dec("50"), Fee: dec("2"), Currency: "USD",
		}
		tx := &models.Transaction{
			CardID: card.ID, UserID: card.UserID, MerchantOrderNo: orderNo,
			Type: models.TxWithdrawal, Amount: dec("50"), Fee: dec("2"), Currency: "USD",
		}
		require.NoError(t, store.CreateWithdrawal(ctx, w, tx))
		require.Equal(t, models.WithdrawalPending, w.Status)
		require.ErrorIs(t, store.CreateWithdrawal(ctx, &models.Withdrawal{MerchantOrderNo: orderNo, Currency: "USD"}, nil), ledger.ErrConflict)

		got, applied, err := store.AdvanceWithdrawal(ctx, orderNo, ledger.WithdrawalAdvance{Status: models.WithdrawalProcessing, ActivationCode: "842913"})
		require.NoError(t, err)
		require.True(t, applied)
		require.Equal(t, "842913", got.ActivationCode)

		_, applied, err = store.AdvanceWithdrawal(ctx, orderNo, ledger.WithdrawalAdvance{Status: models.WithdrawalPending})
		require.NoError(t, err)
		require.False(t, applied)

		got, applied, err = store.AdvanceWithdrawal(ctx, orderNo, ledger.WithdrawalAdvance{Status: models.WithdrawalCompleted})
		require.NoError(t, err)
		require.True(t, applied)
		require.Equal(t, models.WithdrawalCompleted, got.Status)

		got, applied, err = store.AdvanceWithdrawal(ctx, orderNo, ledger.WithdrawalAdvance{Status: models.WithdrawalFailed})
		require.NoError(t, err)
		require.False(t, applied)
		require.Equal(t, models.WithdrawalCompleted, got.Status)

		_, applied, err = store.SettleTransaction(ctx, orderNo, ledger.Settlement{})
		require.NoError(t, err)
		require.True(t, applied)
		_, applied, err = store.SettleTransaction(ctx, orderNo, ledger.Settlement{})
		require.NoError(t, err)
		require.False(t, applied)

		card, err = store.GetCard(ctx, card.ID)
		require.NoError(t, err)
		requireAmount(t, "48", card.AvailableBalance)

		list, err := store.ListWithdrawals(ctx, card.UserID)
		require.NoError(t, err)
		require.Len(t, list, 1)

		_, _, err = store.AdvanceWithdrawal(ctx, orderNo, ledger.WithdrawalAdvance{Status: "bogus"})
		require.ErrorIs(t, err, ledger.ErrInvalidTransition)
	})

	t.Run("withdrawals reserve available balance", func(t *testing.T) {
		store := newStore(t)
		card := issuedCard(t, store, "100")
		withdraw := func(orderNo string) error {
			return store.CreateWithdrawal(ctx,
				&models.Withdrawal{UserID: card.UserID, CardID: card.ID, MerchantOrderNo: orderNo, Amount: dec("60"), Fee: dec("2"), Currency: "USD"},
				&models.Transaction{CardID: card.ID, UserID: card.UserID, MerchantOrderNo: orderNo, Type: models.TxWithdrawal, Amount: dec("60"), Fee: dec("2"), Currency: "USD"},
			)
		}
		first, second := unique("ATM"), unique("ATM")
		require.NoError(t, withdraw(first))
		require.ErrorIs(t, withdraw(second), ledger.ErrInsufficientFunds)

		_, err := store.GetWithdrawalByOrderNo(ctx, second)
		require.ErrorIs(t, err, ledger.ErrNotFound)

		_, _, err = store.FailTransaction(ctx, first, "declined")
		require.NoError(t, err)
		require.NoError(t, withdraw(second))
	})

	t.Run("withdrawal debit never goes below zero", func(t *testing.T) {
		store := newStore(t)
		card := issuedCard(t, store, "100")
		orderNo := unique("ATM")
		require.NoError(t, store.CreateWithdrawal(ctx,
			&models.Withdrawal{UserID: card.UserID, CardID: card.ID, MerchantOrderNo: orderNo, Amount: dec("50"), Fee: dec("2"), Currency: "USD"},
			&models.Transaction{CardID: card.ID, UserID: card.UserID, MerchantOrderNo: orderNo, Type: models.TxWithdrawal, Amount: dec("50"), Fee: dec("2"), Currency: "USD"},
		))
		// the issuer reports a lower balance before the withdrawal settles
		_, err := store.SetCardBalance(ctx, card.ID, dec("10"))
		require.NoError(t, err)
		_, _, err = store.SettleTransaction(ctx, orderNo, ledger.Settlement{})
		require.NoError(t, err)

		card, err = store.GetCard(ctx, card.ID)
		require.NoError(t, err)
		require.True(t, card.AvailableBalance.IsZero())
	})

	t.Run("3ds challenges are consumed once", func(t *testing.T) {
		store := newStore(t)
		cardNo := unique("4859")
		now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

		first := &models.ThreeDSChallenge{CardNo: cardNo, TradeNo: "T1", Kind: models.ChallengeOTP, Value: "111111", ExpiresAt: now.Add(5 * time.Minute), CreatedAt: now}
		created, err := store.CreateChallenge(ctx, first)
		require.NoError(t, err)
		require.True(t, created)

		created, err = store.CreateChallenge(ctx, &models.ThreeDSChallenge{CardNo: cardNo, TradeNo: "T1", Kind: models.ChallengeOTP, Value: "111111", ExpiresAt: now.Add(5 * time.Minute), CreatedAt: now})
		require.NoError(t, err)
		require.False(t, created)

		second := &models.ThreeDSChallenge{CardNo: cardNo, TradeNo: "T2", Kind: models.ChallengeAuthURL, Value: "https://acs.example/auth", ExpiresAt: now.Add(6 * time.Minute), CreatedAt: now.Add(time.Minute)}
		_, err = store.CreateChallenge(ctx, second)
		require.NoError(t, err)

		got, err := store.ConsumeLatestChallenge(ctx, cardNo, now.Add(2*time.Minute))
		require.NoError(t, err)
		require.Equal(t, "https://acs.example/auth", got.Value)
		require.True(t, got.IsRead)

		got, err = store.ConsumeLatestChallenge(ctx, cardNo, now.Add(2*time.Minute))
		require.NoError(t, err)
		require.Equal(t, "111111", got.Value)

		_, err = store.ConsumeLatestChallenge(ctx, cardNo, now.Add(2*time.Minute))
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("expired 3ds challenge is not returned", func(t *testing.T) {
		store := newStore(t)
		cardNo := unique("4859")
		now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
		_, err := store.CreateChallenge(ctx, &models.ThreeDSChallenge{CardNo: cardNo, Kind: models.ChallengeOTP, Value: "222222", ExpiresAt: now.Add(5 * time.Minute), CreatedAt: now})
		require.NoError(t, err)

		_, err = store.ConsumeLatestChallenge(ctx, cardNo, now.Add(6*time.Minute))
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("webhook event log", func(t *testing.T) {
		store := newStore(t)
		e := &models.WebhookEvent{Category: "card_holder", Payload: `{"holderId":"H1"}`, Fingerprint: "abc"}
		require.NoError(t, store.RecordWebhookEvent(ctx, e))
		require.NotEmpty(t, e.ID)
		require.Equal(t, models.WebhookReceived, e.Status)

		at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, store.FinishWebhookEvent(ctx, e.ID, models.WebhookFailed, "holder not found", at))
		require.ErrorIs(t, store.FinishWebhookEvent(ctx, unique("missing"), models.WebhookProcessed, "", at), ledger.ErrNotFound)

		got, err := store.GetWebhookEvent(ctx, e.ID)
		require.NoError(t, err)
		require.Equal(t, models.WebhookFailed, got.Status)
		require.Equal(t, "holder not found", got.ErrorMessage)
		require.JSONEq(t, `{"holderId":"H1"}`, got.Payload)
		require.NotNil(t, got.ProcessedAt)
		require.True(t, at.Equal(*got.ProcessedAt))

		list, err := store.ListWebhookEvents(ctx, 10)
		require.NoError(t, err)
		require.NotEmpty(t, list)
	})
}
