package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alovak/cardbridge/internal/cardgen"
	"github.com/alovak/cardbridge/internal/classify"
	"github.com/alovak/cardbridge/internal/issuerapi"
	"github.com/alovak/cardbridge/internal/orderno"
	"github.com/alovak/cardbridge/ledger"
	"github.com/alovak/cardbridge/ledger/models"
	"golang.org/x/exp/slog"
)

func decode(category string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", category, err)
	}
	return nil
}

// effectiveAt is the network's transaction time, or the receipt time when absent.
func effectiveAt(m issuerapi.Millis, receivedAt time.Time) time.Time {
	if m.IsZero() {
		return receivedAt
	}
	return m.Time()
}

func (p *Pipeline) processCardTransaction(ctx context.Context, body []byte, receivedAt time.Time) error {
	var ev issuerapi.CardTransactionEvent
	if err := decode(issuerapi.CategoryCardTransaction, body, &ev); err != nil {
		return err
	}
	at := effectiveAt(ev.TransactionTime, receivedAt)
	result := classify.Match(classify.Outcomes, ev.Status, classify.Pending)

	switch classify.Match(classify.CardOperations, ev.Type, classify.OpUnknown) {
	case classify.OpCreate:
		return p.cardCreated(ctx, ev, result, at, receivedAt)
	case classify.OpDeposit:
		return p.depositCompleted(ctx, ev, result, at)
	case classify.OpFreeze:
		return p.cardStatusChanged(ctx, ev, result, models.CardFrozen, receivedAt)
	case classify.OpUnfreeze:
		return p.cardStatusChanged(ctx, ev, result, models.CardActive, receivedAt)
	case classify.OpWithdrawal:
		return p.withdrawalUpdated(ctx, ev, result, at)
	}
	p.logger.Info("ignoring card transaction type", slog.String("type", ev.Type), slog.String("status", ev.Status))
	return nil
}

func (p *Pipeline) resolveCard(ctx context.Context, merchantOrderNo, cardNo string) (*models.Card, error) {
	if merchantOrderNo != "" {
		card, err := p.store.GetCardByOrderNo(ctx, merchantOrderNo)
		if err == nil {
			return card, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}
	card, err := p.store.GetCardByExternalNo(ctx, cardNo)
	if err != nil {
		return nil, fmt.Errorf("card %s (order %q): %w", cardgen.MaskPAN(cardNo), merchantOrderNo, err)
	}
	return card, nil
}

func (p *Pipeline) cardCreated(ctx context.Context, ev issuerapi.CardTransactionEvent, result classify.Outcome, at, receivedAt time.Time) error {
	card, err := p.resolveCard(ctx, ev.MerchantOrderNo, ev.CardNo)
	if err != nil {
		return err
	}

	switch result {
	case classify.Success:
		if ev.CardNo == "" {
			return fmt.Errorf("create event for order %s carries no card number", card.MerchantOrderNo)
		}
		_, applied, err := p.store.ConfirmCardIssued(ctx, card.ID, ledger.CardIssue{
			ExternalCardNo: ev.CardNo,
			Last4:          cardgen.LastN(ev.CardNo, 4),
			At:             orderno.IntentTime(card.MerchantOrderNo, receivedAt),
		})
		if err != nil {
			return fmt.Errorf("confirming card %s: %w", card.ID, err)
		}
		settlement := ledger.Settlement{ExternalTxID: ev.OrderNo, At: at}
		if !ev.Fee.IsZero() {
			fee := ev.Fee
			settlement.Fee = &fee
		}
		_, settled, err := p.store.SettleTransaction(ctx, card.MerchantOrderNo, settlement)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("settling issue of card %s: %w", card.ID, err)
		}
		p.logger.Info("card issue confirmed",
			slog.String("card_id", card.ID),
			slog.String("card", cardgen.MaskPAN(ev.CardNo)),
			slog.Bool("activated", applied),
			slog.Bool("settled", settled),
		)
	case classify.Failed:
		if _, _, err := p.store.FailTransaction(ctx, card.MerchantOrderNo, ev.Description); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("failing issue of card %s: %w", card.ID, err)
		}
		p.logger.Warn("card issue failed", slog.String("card_id", card.ID), slog.String("description", ev.Description))
	}
	return nil
}

// depositCompleted settles the pending deposit with the same merchant order number.
// Deposits this service never requested are only logged.
func (p *Pipeline) depositCompleted(ctx context.Context, ev issuerapi.CardTransactionEvent, result classify.Outcome, at time.Time) error {
	logger := p.logger.With(slog.String("order", ev.MerchantOrderNo), slog.String("card", cardgen.MaskPAN(ev.CardNo)))

	var err error
	switch result {
	case classify.Success:
		fee := ev.Fee
		var applied bool
		_, applied, err = p.store.SettleTransaction(ctx, ev.MerchantOrderNo, ledger.Settlement{Fee: &fee, ExternalTxID: ev.OrderNo, At: at})
		if err == nil {
			logger.Info("deposit confirmed", slog.String("amount", ev.Amount.String()), slog.Bool("applied", applied))
		}
	case classify.Failed:
		_, _, err = p.store.FailTransaction(ctx, ev.MerchantOrderNo, ev.Description)
		if err == nil {
			logger.Warn("deposit failed", slog.String("description", ev.Description))
		}
	default:
		return nil
	}
	if errors.Is(err, ledger.ErrNotFound) {
		logger.Info("deposit without a local transaction", slog.String("amount", ev.Amount.String()))
		return nil
	}
	return err
}

// cardStatusChanged orders the write by the time encoded in the merchant order
// number, the same time the synchronous path records.
func (p *Pipeline) cardStatusChanged(ctx context.Context, ev issuerapi.CardTransactionEvent, result classify.Outcome, status models.CardStatus, receivedAt time.Time) error {
	if result != classify.Success {
		return nil
	}
	card, err := p.store.GetCardByExternalNo(ctx, ev.CardNo)
	if err != nil {
		return fmt.Errorf("card %s: %w", cardgen.MaskPAN(ev.CardNo), err)
	}
	_, applied, err := p.store.SetCardStatus(ctx, card.ID, status, orderno.IntentTime(ev.MerchantOrderNo, receivedAt))
	if err != nil {
		return fmt.Errorf("setting card %s %s: %w", card.ID, status, err)
	}
	p.logger.Info("card status confirmed",
		slog.String("card_id", card.ID),
		slog.String("status", string(status)),
		slog.Bool("applied", applied),
	)
	return nil
}

func (p *Pipeline) withdrawalUpdated(ctx context.Context, ev issuerapi.CardTransactionEvent, result classify.Outcome, at time.Time) error {
	next := models.WithdrawalPending
	switch result {
	case classify.Processing:
		next = models.WithdrawalProcessing
	case classify.Success:
		next = models.WithdrawalCompleted
	case classify.Failed:
		next = models.WithdrawalFailed
	}

	// the ledger transaction follows the withdrawal's state, not this event's
	w, applied, err := ledger.ResolveWithdrawal(ctx, p.store, ev.MerchantOrderNo, ledger.WithdrawalAdvance{
		Status:          next,
		ActivationCode:  ev.ActivationCode,
		ExternalOrderNo: ev.OrderNo,
		At:              at,
	}, ev.Description)
	if err != nil {
		return fmt.Errorf("withdrawal %s: %w", ev.MerchantOrderNo, err)
	}

	p.logger.Info("withdrawal updated",
		slog.String("order", w.MerchantOrderNo),
		slog.String("status", string(w.Status)),
		slog.Bool("applied", applied),
	)
	return nil
}

func (p *Pipeline) processAuthTransaction(ctx context.Context, body []byte, receivedAt time.Time) error {
	var ev issuerapi.AuthTransactionEvent
	if err := decode(issuerapi.CategoryCardAuthTransaction, body, &ev); err != nil {
		return err
	}
	card, err := p.store.GetCardByExternalNo(ctx, ev.CardNo)
	if err != nil {
		return fmt.Errorf("card %s: %w", cardgen.MaskPAN(ev.CardNo), err)
	}

	txType := classify.Match(classify.AuthTypes, ev.Type, models.TxPurchase)
	currency := strings.ToUpper(ev.Currency)
	if currency == "" {
		currency = card.Currency
	}
	tx, created, err := p.store.AppendAuthTransaction(ctx, &models.Transaction{
		CardID:          card.ID,
		UserID:          card.UserID,
		ExternalTxID:    ev.TradeNo,
		Type:            txType,
		Amount:          ev.Amount,
		Currency:        currency,
		Status:          classify.AuthStatus(ev.Status),
		MerchantName:    ev.MerchantName,
		Description:     strings.TrimSpace(fmt.Sprintf("%s %s", txType, ev.MerchantName)),
		TransactionTime: effectiveAt(ev.TransactionTime, receivedAt),
	})
	if err != nil {
		return fmt.Errorf("recording %s on card %s: %w", txType, card.ID, err)
	}
	p.logger.Info("authorization recorded",
		slog.String("card_id", card.ID),
		slog.String("trade_no", ev.TradeNo),
		slog.String("type", string(txType)),
		slog.String("status", string(tx.Status)),
		slog.Bool("duplicate", !created),
	)
	return nil
}

func (p *Pipeline) processChallenge(ctx context.Context, body []byte, receivedAt time.Time) error {
	var ev issuerapi.ThreeDSEvent
	if err := decode(issuerapi.CategoryCard3DSTransaction, body, &ev); err != nil {
		return err
	}
	if ev.CardNo == "" || ev.Values == "" {
		p.logger.Warn("3ds event without card number or value")
		return nil
	}
	kind := classify.Match(classify.ChallengeKinds, ev.Type, models.ChallengeAuthURL)
	created, err := p.store.CreateChallenge(ctx, &models.ThreeDSChallenge{
		CardNo:    ev.CardNo,
		TradeNo:   ev.TradeNo,
		Kind:      kind,
		Value:     ev.Values,
		ExpiresAt: receivedAt.Add(p.challengeTTL),
		CreatedAt: receivedAt,
	})
	if err != nil {
		return fmt.Errorf("storing 3ds challenge: %w", err)
	}
	p.logger.Info("3ds challenge stored",
		slog.String("card", cardgen.MaskPAN(ev.CardNo)),
		slog.String("kind", string(kind)),
		slog.Bool("duplicate", !created),
	)
	return nil
}

func (p *Pipeline) processHolder(ctx context.Context, body []byte, _ time.Time) error {
	var ev issuerapi.HolderEvent
	if err := decode(issuerapi.CategoryCardHolder, body, &ev); err != nil {
		return err
	}
	if ev.HolderID == "" && ev.MerchantOrderNo == "" {
		p.logger.Warn("holder event without holder id")
		return nil
	}
	status := classify.Match(classify.HolderStatuses, ev.Status, models.HolderApproved)
	h, err := p.store.ApplyHolderDecision(ctx, ledger.HolderDecision{
		ExternalHolderID: ev.HolderID,
		MerchantOrderNo:  ev.MerchantOrderNo,
		Status:           status,
		Reason:           ev.Description,
	})
	if errors.Is(err, ledger.ErrDeferred) {
		p.logger.Info("holder decision deferred", slog.String("external_holder_id", ev.HolderID), slog.String("status", string(status)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("holder %s: %w", ev.HolderID, err)
	}
	p.logger.Info("holder decision applied", slog.String("holder_id", h.ID), slog.String("status", string(h.Status)))
	return nil
}
