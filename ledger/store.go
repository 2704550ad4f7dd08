// Package ledger persists the local mirror of issuer state: KYC holders, cards,
// transactions, withdrawals, 3DS challenges and the webhook audit log.
//
// Every state change is a guarded transition executed atomically by the store, so
// the synchronous request path and asynchronous webhook confirmations can race on
// the same row without losing or doubling an effect. Redundant writes report
// applied=false instead of failing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alovak/cardbridge/ledger/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrDeferred reports a holder decision kept until its holder id is attached.
	ErrDeferred = errors.New("deferred until the holder is known")
	// ErrInsufficientFunds reports a withdrawal the card's unreserved balance cannot cover.
	ErrInsufficientFunds = errors.New("insufficient card balance")
)

type Store interface {
	CreateHolder(ctx context.Context, h *models.Holder) error
	GetHolder(ctx context.Context, id string) (*models.Holder, error)
	// LatestHolder returns the most recent KYC record of a user.
	LatestHolder(ctx context.Context, userID string) (*models.Holder, error)
	ListHolders(ctx context.Context, f HolderFilter) ([]*models.Holder, int, error)
	// AttachExternalHolder records the issuer's holder id and moves pending to
	// submitted. A decision deferred for that id is applied to a submitted holder.
	AttachExternalHolder(ctx context.Context, holderID, externalID string) (*models.Holder, error)
	// ApplyHolderDecision sets an approved or rejected status. A decision for an
	// external id no holder carries yet is kept and ErrDeferred returned.
	ApplyHolderDecision(ctx context.Context, d HolderDecision) (*models.Holder, error)

	CreateCard(ctx context.Context, c *models.Card) error
	GetCard(ctx context.Context, id string) (*models.Card, error)
	GetCardByOrderNo(ctx context.Context, merchantOrderNo string) (*models.Card, error)
	GetCardByExternalNo(ctx context.Context, cardNo string) (*models.Card, error)
	ListCards(ctx context.Context, userID string) ([]*models.Card, error)
	// ConfirmCardIssued moves a pending card to active with its external number.
	ConfirmCardIssued(ctx context.Context, cardID string, issue CardIssue) (*models.Card, bool, error)
	// SetCardStatus applies a status write effective at at. Writes older than the
	// card's last status change are ignored, as is anything after cancellation.
	SetCardStatus(ctx context.Context, cardID string, status models.CardStatus, at time.Time) (*models.Card, bool, error)
	// SetCardBalance overwrites the mirrored balance with the issuer's figure.
	SetCardBalance(ctx context.Context, cardID string, balance decimal.Decimal) (*models.Card, error)

	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransactionByOrderNo(ctx context.Context, merchantOrderNo string) (*models.Transaction, error)
	// SettleTransaction marks a transaction successful and applies its balance
	// effect exactly once.
	SettleTransaction(ctx context.Context, merchantOrderNo string, s Settlement) (*models.Transaction, bool, error)
	// FailTransaction marks a pending transaction failed.
	FailTransaction(ctx context.Context, merchantOrderNo, reason string) (*models.Transaction, bool, error)
	// AppendAuthTransaction inserts a network-originated transaction, deduplicated
	// by its external id.
	AppendAuthTransaction(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*models.Transaction, int, error)

	// CreateWithdrawal stores the request together with its pending ledger
	// transaction. The card's balance less its pending withdrawals must cover the
	// transaction's amount and fee, otherwise ErrInsufficientFunds.
	CreateWithdrawal(ctx context.Context, w *models.Withdrawal, tx *models.Transaction) error
	GetWithdrawalByOrderNo(ctx context.Context, merchantOrderNo string) (*models.Withdrawal, error)
	ListWithdrawals(ctx context.Context, userID string) ([]*models.Withdrawal, error)
	// AdvanceWithdrawal moves a withdrawal forward. Backward or repeated moves are ignored.
	AdvanceWithdrawal(ctx context.Context, merchantOrderNo string, a WithdrawalAdvance) (*models.Withdrawal, bool, error)

	// CreateChallenge stores a 3DS challenge. A redelivered challenge is not stored twice.
	CreateChallenge(ctx context.Context, c *models.ThreeDSChallenge) (bool, error)
	// ConsumeLatestChallenge returns the newest unread, unexpired challenge for a
	// card and marks it read. ErrNotFound when there is none.
	ConsumeLatestChallenge(ctx context.Context, cardNo string, now time.Time) (*models.ThreeDSChallenge, error)

	RecordWebhookEvent(ctx context.Context, e *models.WebhookEvent) error
	FinishWebhookEvent(ctx context.Context, id string, status models.WebhookStatus, errMsg string, at time.Time) error
	GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// HolderDecision resolves the holder by external id first, then by merchant order
// number. Resolving by order number also attaches the external id when missing.
type HolderDecision struct {
	ExternalHolderID string
	MerchantOrderNo  string
	Status           models.HolderStatus
	Reason           string
}

type HolderFilter struct {
	// Status narrows the list to one status when set.
	Status models.HolderStatus
	UserID string
	Limit  int
	Offset int
}

func (f HolderFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

type CardIssue struct {
	ExternalCardNo string
	BIN            string
	Last4          string
	At             time.Time
}

type Settlement struct {
	// Fee replaces the recorded fee when set.
	Fee          *decimal.Decimal
	ExternalTxID string
	At           time.Time
}

type WithdrawalAdvance struct {
	Status          models.WithdrawalStatus
	ActivationCode  string
	ExternalOrderNo string
	At              time.Time
}

type TransactionFilter struct {
	UserID string
	CardID string
	Limit  int
	Offset int
}

const DefaultListLimit = 20

func (f TransactionFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// ResolveWithdrawal advances a withdrawal and moves its ledger transaction with
// it: completed settles the debit, failed releases it. The transaction follows
// the withdrawal's resulting state, so a late or repeated advance is harmless.
func ResolveWithdrawal(ctx context.Context, s Store, orderNo string, a WithdrawalAdvance, reason string) (*models.Withdrawal, bool, error) {
	w, applied, err := s.AdvanceWithdrawal(ctx, orderNo, a)
	if err != nil {
		return nil, false, err
	}
	switch w.Status {
	case models.WithdrawalCompleted:
		_, _, err = s.SettleTransaction(ctx, w.MerchantOrderNo, Settlement{ExternalTxID: a.ExternalOrderNo, At: a.At})
	case models.WithdrawalFailed:
		_, _, err = s.FailTransaction(ctx, w.MerchantOrderNo, reason)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return w, applied, fmt.Errorf("withdrawal %s transaction: %w", w.MerchantOrderNo, err)
	}
	return w, applied, nil
}

// available is the balance left for a new withdrawal after the pending ones.
func available(balance decimal.Decimal, pending []*models.Transaction) decimal.Decimal {
	for _, t := range pending {
		balance = balance.Sub(t.Amount.Add(t.Fee))
	}
	return balance
}

func insufficient(cardID string, avail, required decimal.Decimal) error {
	return fmt.Errorf("card %s: available %s, required %s: %w",
		cardID, avail.StringFixed(2), required.StringFixed(2), ErrInsufficientFunds)
}

func validDecision(s models.HolderStatus) bool {
	return s == models.HolderApproved || s == models.HolderRejected
}

func validCardWrite(s models.CardStatus) bool {
	return s == models.CardActive || s == models.CardFrozen || s == models.CardCancelled
}

// settledBalance applies a settled transaction to a card balance. Debits never take
// the balance below zero.
func settledBalance(balance decimal.Decimal, tx *models.Transaction) decimal.Decimal {
	switch {
	case tx.Type.Credits():
		return balance.Add(tx.Amount)
	case tx.Type.Debits():
		next := balance.Sub(tx.Amount.Add(tx.Fee))
		if next.IsNegative() {
			return decimal.Zero
		}
		return next
	}
	return balance
}
