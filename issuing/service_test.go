package issuing_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alovak/cardbridge/internal/clock"
	"github.com/alovak/cardbridge/internal/issuerapi"
	"github.com/alovak/cardbridge/issuing"
	"github.com/alovak/cardbridge/ledger"
	"github.com/alovak/cardbridge/ledger/models"
	"github.com/alovak/cardbridge/webhook"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type harness struct {
	store *ledger.MemoryStore
	sim   *issuerapi.Simulator
	svc   *issuing.Service
	clock *clock.Fake
}

type harnessOption func(*issuerapi.SimulationConfig)

// withWebhooks routes simulated events through the webhook pipeline.
func withWebhooks(store ledger.Store, clk clock.Clock) harnessOption {
	return func(cfg *issuerapi.SimulationConfig) {
		cfg.Sink = webhook.NewPipeline(store, webhook.Options{Clock: clk, Logger: discard()})
	}
}

func withMerchantBalance(v string) harnessOption {
	return func(cfg *issuerapi.SimulationConfig) {
		cfg.MerchantBalance = decimal.RequireFromString(v)
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, webhooks bool, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		store: ledger.NewMemoryStore(),
		clock: clock.NewFake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)),
	}
	cfg := issuerapi.DefaultSimulationConfig()
	cfg.Latency = 0
	cfg.Clock = h.clock
	if webhooks {
		opts = append([]harnessOption{withWebhooks(h.store, h.clock)}, opts...)
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.sim = issuerapi.NewSimulator(cfg, discard())
	t.Cleanup(h.sim.Close)

	h.svc = issuing.NewService(h.store, h.sim, issuing.ServiceOptions{
		Clock:         h.clock,
		WithdrawalFee: issuing.DefaultWithdrawalFee,
		Withdrawals:   h.sim,
		Logger:        discard(),
	})
	return h
}

func identity() models.Identity {
	return models.Identity{
		FirstName:   "Ada",
		LastName:    "Lovelace",
		DOB:         "1990-12-10",
		Nationality: "GB",
		Email:       "ada@example.com",
	}
}

func (h *harness) approvedUser(t *testing.T, userID string) {
	t.Helper()
	holder, err := h.svc.SubmitKYC(context.Background(), userID, identity())
	require.NoError(t, err)
	require.Equal(t, models.HolderApproved, holder.Status)
}

func (h *harness) activeCard(t *testing.T, userID string, amount string) *models.Card {
	t.Helper()
	h.approvedUser(t, userID)
	card, err := h.svc.IssueCard(context.Background(), userID, issuing.IssueCardInput{
		CardTypeID: issuerapi.CardTypeVisaStandard,
		Amount:     decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	require.Equal(t, models.CardActive, card.Status)
	return card
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestSubmitKYC(t *testing.T) {
	ctx := context.Background()

	t.Run("approved by the issuer and not resubmittable", func(t *testing.T) {
		h := newHarness(t, false)

		holder, err := h.svc.SubmitKYC(ctx, "user-1", identity())
		require.NoError(t, err)
		require.Equal(t, models.HolderApproved, holder.Status)
		require.Equal(t, "SIM-HOLDER-000001", holder.ExternalHolderID)
		require.Contains(t, holder.MerchantOrderNo, "KYC-")

		_, err = h.svc.SubmitKYC(ctx, "user-1", identity())
		require.ErrorIs(t, err, issuing.ErrInvalidState)
	})

	t.Run("missing fields are rejected before any record is written", func(t *testing.T) {
		h := newHarness(t, false)

		id := identity()
		id.LastName = " "
		_, err := h.svc.SubmitKYC(ctx, "user-1", id)

		var verr *issuing.ValidationError
		require.True(t, errors.As(err, &verr))
		require.Equal(t, "last_name", verr.Field)

		_, err = h.svc.KYC(ctx, "user-1")
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("holder webhook racing the response", func(t *testing.T) {
		h := newHarness(t, true)

		holder, err := h.svc.SubmitKYC(ctx, "user-1", identity())
		require.NoError(t, err)
		h.sim.Close()

		stored, err := h.svc.KYC(ctx, "user-1")
		require.NoError(t, err)
		require.Equal(t, models.HolderApproved, stored.Status)
		require.Equal(t, holder.ExternalHolderID, stored.ExternalHolderID)
	})
}

// submittedHolder stores a KYC record the issuer has accepted but not decided.
func submittedHolder(t *testing.T, h *harness, userID, externalID string) *models.Holder {
	t.Helper()
	ctx := context.Background()
	holder := &models.Holder{UserID: userID, MerchantOrderNo: "KYC-" + userID, Identity: identity()}
	require.NoError(t, h.store.CreateHolder(ctx, holder))
	holder, err := h.store.AttachExternalHolder(ctx, holder.ID, externalID)
	require.NoError(t, err)
	require.Equal(t, models.HolderSubmitted, holder.Status)
	return holder
}

func TestRefreshKYC(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	remote, err := h.sim.CreateHolder(ctx, issuerapi.CreateHolderRequest{MerchantOrderNo: "KYC-remote", FirstName: "Ada", LastName: "Lovelace"})
	require.NoError(t, err)
	submittedHolder(t, h, "user-1", remote.HolderID)

	got, err := h.svc.RefreshKYC(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, models.HolderApproved, got.Status)

	// decided records are returned without asking the issuer
	got, err = h.svc.RefreshKYC(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, models.HolderApproved, got.Status)

	submittedHolder(t, h, "user-2", "SIM-HOLDER-UNKNOWN")
	got, err = h.svc.RefreshKYC(ctx, "user-2")
	require.ErrorIs(t, err, issuerapi.ErrNotFound)
	require.Equal(t, models.HolderSubmitted, got.Status)

	_, err = h.svc.RefreshKYC(ctx, "nobody")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestReviewKYC(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	first := submittedHolder(t, h, "user-1", "EXT-1")
	second := submittedHolder(t, h, "user-2", "EXT-2")

	list, total, err := h.svc.ListKYC(ctx, models.HolderSubmitted, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, list, 2)

	_, err = h.svc.ReviewKYC(ctx, first.ID, false, "  ")
	var verr *issuing.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "reason", verr.Field)

	got, err := h.svc.ReviewKYC(ctx, first.ID, false, "selfie does not match")
	require.NoError(t, err)
	require.Equal(t, models.HolderRejected, got.Status)
	require.Equal(t, "selfie does not match", got.RejectReason)

	_, err = h.svc.ReviewKYC(ctx, first.ID, true, "")
	require.ErrorIs(t, err, issuing.ErrInvalidState)

	got, err = h.svc.ReviewKYC(ctx, second.ID, true, "")
	require.NoError(t, err)
	require.Equal(t, models.HolderApproved, got.Status)

	list, total, err = h.svc.ListKYC(ctx, models.HolderSubmitted, 0, 0)
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, list)

	record, err := h.svc.KYCRecord(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, "EXT-2", record.ExternalHolderID)

	_, err = h.svc.ReviewKYC(ctx, "missing", true, "")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestIssueCard(t *testing.T) {
	ctx := context.Background()

	t.Run("requires approved kyc", func(t *testing.T) {
		h := newHarness(t, false)

		_, err := h.svc.IssueCard(ctx, "user-1", issuing.IssueCardInput{Amount: decimal.NewFromInt(100)})
		require.ErrorIs(t, err, issuing.ErrKYCRequired)
	})

	t.Run("activates the card and credits the initial amount once", func(t *testing.T) {
		h := newHarness(t, true)
		card := h.activeCard(t, "user-1", "100")
		h.sim.Close()

		require.Equal(t, "4859", card.BIN)
		require.Len(t, card.Last4, 4)
		requireAmount(t, "100", card.AvailableBalance)

		stored, err := h.svc.GetCard(ctx, "user-1", card.ID)
		require.NoError(t, err)
		requireAmount(t, "100", stored.AvailableBalance)

		txs, total, err := h.svc.ListTransactions(ctx, "user-1", card.ID, 0, 0)
		require.NoError(t, err)
		require.Equal(t, 1, total)
		require.Equal(t, models.TxCreate, txs[0].Type)
		require.Equal(t, models.TxSuccess, txs[0].Status)
		requireAmount(t, "1.5", txs[0].Fee)

		requireAmount(t, "49898.5", h.sim.MerchantBalance())
	})

	t.Run("issuer rejection fails the transaction and leaves the card pending", func(t *testing.T) {
		h := newHarness(t, false, withMerchantBalance("50"))
		h.approvedUser(t, "user-1")

		card, err := h.svc.IssueCard(ctx, "user-1", issuing.IssueCardInput{Amount: decimal.NewFromInt(100)})
		require.ErrorIs(t, err, issuerapi.ErrInsufficientFunds)
		require.NotNil(t, card)

		stored, err := h.svc.GetCard(ctx, "user-1", card.ID)
		require.NoError(t, err)
		require.Equal(t, models.CardPending, stored.Status)

		tx, err := h.store.GetTransactionByOrderNo(ctx, card.MerchantOrderNo)
		require.NoError(t, err)
		require.Equal(t, models.TxFailed, tx.Status)
	})

	t.Run("invalid amount", func(t *testing.T) {
		h := newHarness(t, false)
		_, err := h.svc.IssueCard(ctx, "user-1", issuing.IssueCardInput{Amount: decimal.NewFromInt(-1)})

		var verr *issuing.ValidationError
		require.True(t, errors.As(err, &verr))
	})
}

func TestRechargeAndStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	card := h.activeCard(t, "user-1", "100")

	tx, err := h.svc.Recharge(ctx, "user-1", card.ID, issuing.RechargeInput{Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)
	require.Equal(t, models.TxSuccess, tx.Status)
	requireAmount(t, "0.5", tx.Fee)

	card, err = h.svc.GetCard(ctx, "user-1", card.ID)
	require.NoError(t, err)
	requireAmount(t, "150", card.AvailableBalance)

	card, err = h.svc.Freeze(ctx, "user-1", card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardFrozen, card.Status)

	_, err = h.svc.Freeze(ctx, "user-1", card.ID)
	require.ErrorIs(t, err, issuing.ErrInvalidState)

	_, err = h.svc.Recharge(ctx, "user-1", card.ID, issuing.RechargeInput{Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, issuing.ErrInvalidState)

	h.clock.Advance(time.Second)
	card, err = h.svc.Unfreeze(ctx, "user-1", card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardActive, card.Status)

	_, err = h.svc.Unfreeze(ctx, "user-1", card.ID)
	require.ErrorIs(t, err, issuing.ErrInvalidState)
}

func TestLateFreezeWebhookAfterUnfreeze(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	card := h.activeCard(t, "user-1", "100")
	freezeAt := h.clock.Now()

	_, err := h.svc.Freeze(ctx, "user-1", card.ID)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.svc.Unfreeze(ctx, "user-1", card.ID)
	require.NoError(t, err)

	page, err := h.sim.ListCardTransactions(ctx, issuerapi.CardTransactionsQuery{CardNo: cardNo(t, h, card.ID)})
	require.NoError(t, err)
	var freezeOrder string
	for _, r := range page.Records {
		if r.Type == "freeze" {
			freezeOrder = r.MerchantOrderNo
		}
	}
	require.NotEmpty(t, freezeOrder)

	// the issuer's clock runs ahead and its webhook arrives after the unfreeze
	body, err := json.Marshal(issuerapi.CardTransactionEvent{
		MerchantOrderNo: freezeOrder,
		CardNo:          cardNo(t, h, card.ID),
		Type:            "freeze",
		Status:          "success",
		TransactionTime: issuerapi.MillisOf(freezeAt.Add(2800 * time.Millisecond)),
	})
	require.NoError(t, err)
	pipeline := webhook.NewPipeline(h.store, webhook.Options{Clock: h.clock, Logger: discard()})
	pipeline.Deliver(ctx, issuerapi.CategoryCardTransaction, body)

	card, err = h.svc.GetCard(ctx, "user-1", card.ID)
	require.NoError(t, err)
	require.Equal(t, models.CardActive, card.Status)
}

func TestRefreshBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	card := h.activeCard(t, "user-1", "100")

	_, err := h.sim.SimulateAuthorization(ctx, issuerapi.AuthorizationRequest{
		CardNo:       cardNo(t, h, card.ID),
		Amount:       decimal.RequireFromString("12.34"),
		MerchantName: "Coffee",
	})
	require.NoError(t, err)

	refreshed, err := h.svc.RefreshBalance(ctx, "user-1", card.ID)
	require.NoError(t, err)
	requireAmount(t, "87.66", refreshed.AvailableBalance)

	page, err := h.svc.SyncTransactions(ctx, "user-1", card.ID, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Equal(t, "purchase", page.Records[0].Type)
}

// cardNo reads the full card number, which the API never exposes.
func cardNo(t *testing.T, h *harness, cardID string) string {
	t.Helper()
	c, err := h.store.GetCard(context.Background(), cardID)
	require.NoError(t, err)
	return c.ExternalCardNo
}

func TestRequestWithdrawal(t *testing.T) {
	ctx := context.Background()

	t.Run("completed through webhooks and debited once", func(t *testing.T) {
		h := newHarness(t, true)
		card := h.activeCard(t, "user-1", "100")

		w, err := h.svc.RequestWithdrawal(ctx, "user-1", card.ID, decimal.NewFromInt(40))
		require.NoError(t, err)
		require.Contains(t, w.MerchantOrderNo, "ATM-")
		requireAmount(t, "2", w.Fee)

		h.sim.Close()

		list, err := h.svc.ListWithdrawals(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, models.WithdrawalCompleted, list[0].Status)
		require.NotEmpty(t, list[0].ActivationCode)

		card, err = h.svc.GetCard(ctx, "user-1", card.ID)
		require.NoError(t, err)
		requireAmount(t, "58", card.AvailableBalance)
	})

	t.Run("completed from the network's answer without webhooks", func(t *testing.T) {
		h := newHarness(t, false)
		card := h.activeCard(t, "user-1", "100")

		w, err := h.svc.RequestWithdrawal(ctx, "user-1", card.ID, decimal.NewFromInt(40))
		require.NoError(t, err)
		require.Equal(t, models.WithdrawalCompleted, w.Status)
		require.NotEmpty(t, w.ActivationCode)
		require.NotEmpty(t, w.ExternalOrderNo)

		card, err = h.svc.GetCard(ctx, "user-1", card.ID)
		require.NoError(t, err)
		requireAmount(t, "58", card.AvailableBalance)

		tx, err := h.store.GetTransactionByOrderNo(ctx, w.MerchantOrderNo)
		require.NoError(t, err)
		require.Equal(t, models.TxSuccess, tx.Status)
	})

	t.Run("concurrent requests cannot overdraw", func(t *testing.T) {
		h := newHarness(t, false)
		card := h.activeCard(t, "user-1", "100")

		var (
			wg           sync.WaitGroup
			mu           sync.Mutex
			ok, rejected int
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.svc.RequestWithdrawal(ctx, "user-1", card.ID, decimal.NewFromInt(60))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, issuing.ErrInsufficientBalance):
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, ok)
		require.Equal(t, 1, rejected)

		card, err := h.svc.GetCard(ctx, "user-1", card.ID)
		require.NoError(t, err)
		requireAmount(t, "38", card.AvailableBalance)
	})

	t.Run("balance must cover amount and fee", func(t *testing.T) {
		h := newHarness(t, false)
		card := h.activeCard(t, "user-1", "100")

		_, err := h.svc.RequestWithdrawal(ctx, "user-1", card.ID, decimal.NewFromInt(99))
		require.ErrorIs(t, err, issuing.ErrInsufficientBalance)

		list, err := h.svc.ListWithdrawals(ctx, "user-1")
		require.NoError(t, err)
		require.Empty(t, list)
	})
}

func TestLatestChallenge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	card := h.activeCard(t, "user-1", "100")

	ev, err := h.sim.SimulateChallenge(ctx, cardNo(t, h, card.ID), true)
	require.NoError(t, err)
	h.sim.Close()

	c, err := h.svc.LatestChallenge(ctx, "user-1", card.ID)
	require.NoError(t, err)
	require.Equal(t, ev.Values, c.Value)
	require.Equal(t, models.ChallengeOTP, c.Kind)

	_, err = h.svc.LatestChallenge(ctx, "user-1", card.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCardOwnership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	card := h.activeCard(t, "user-1", "100")

	_, err := h.svc.GetCard(ctx, "user-2", card.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = h.svc.Freeze(ctx, "user-2", card.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	_, _, err = h.svc.ListTransactions(ctx, "user-2", card.ID, 0, 0)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDashboard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	d, err := h.svc.Dashboard(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "none", d.KYCStatus)
	require.Zero(t, d.CardCount)

	card := h.activeCard(t, "user-1", "100")
	second, err := h.svc.IssueCard(ctx, "user-1", issuing.IssueCardInput{Amount: decimal.NewFromInt(20)})
	require.NoError(t, err)
	_, err = h.svc.Freeze(ctx, "user-1", second.ID)
	require.NoError(t, err)

	d, err = h.svc.Dashboard(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "approved", d.KYCStatus)
	require.Equal(t, 2, d.CardCount)
	require.Equal(t, 1, d.CardsByStatus[models.CardActive])
	require.Equal(t, 1, d.CardsByStatus[models.CardFrozen])
	requireAmount(t, "120", d.TotalBalance)
	require.Len(t, d.RecentTransactions, 2)
	require.NotEmpty(t, card.ID)
}

func TestWalletPassThrough(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	dep, err := h.svc.WalletDepositAddress(ctx, decimal.NewFromInt(500), "erc20")
	require.NoError(t, err)
	require.Equal(t, issuerapi.ChainERC20, dep.Chain)
	require.Contains(t, dep.MerchantOrderNo, "WALLET-")
	require.NotEmpty(t, dep.ToAddress)

	page, err := h.svc.WalletTransactions(ctx, issuerapi.WalletTransactionsQuery{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)

	accounts, err := h.svc.MerchantAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts.Records, 1)

	types, err := h.svc.CardTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types.Records, 3)
}
