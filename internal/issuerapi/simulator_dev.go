package issuerapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/alovak/cardbridge/internal/cardgen"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

// The operations below are not part of Client. They let a developer make the
// simulated network originate the events a live network would: card
// authorizations, 3DS challenges and withdrawal settlement.

type AuthorizationRequest struct {
	CardNo       string          `json:"cardNo"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	MerchantName string          `json:"merchantName"`
}

// SimulateAuthorization records a purchase, refund or fee on a card and emits the
// matching card_auth_transaction event. Refunds credit the card; everything else debits it.
func (s *Simulator) SimulateAuthorization(ctx context.Context, req AuthorizationRequest) (*CardTransaction, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = "purchase"
	}
	if !req.Amount.IsPositive() {
		return nil, newError(CodeInvalidRequest, "amount must be positive")
	}

	s.mu.Lock()
	card, ok := s.state.cards[req.CardNo]
	if !ok {
		s.mu.Unlock()
		return nil, newError(CodeNotFound, "card not found")
	}
	if card.status != "active" {
		s.mu.Unlock()
		return nil, newError(CodeCardNotActive, "card is %s", card.status)
	}
	if s.expired(card, s.now()) {
		s.mu.Unlock()
		return nil, newError(CodeCardNotActive, "card expired")
	}
	refund := strings.Contains(strings.ToLower(req.Type), "refund")
	if !refund && card.balance.LessThan(req.Amount) {
		s.mu.Unlock()
		return nil, newError(CodeInsufficientFunds, "insufficient card balance")
	}
	if refund {
		card.balance = card.balance.Add(req.Amount)
	} else {
		card.balance = card.balance.Sub(req.Amount)
	}
	now := s.now()
	tx := CardTransaction{
		TradeNo:         s.state.next("SIMTRD"),
		Type:            req.Type,
		Amount:          req.Amount,
		Fee:             decimal.Zero,
		Currency:        card.currency,
		Status:          "success",
		MerchantName:    req.MerchantName,
		TransactionTime: now.UnixMilli(),
	}
	card.history = append(card.history, tx)
	s.mu.Unlock()

	s.emit(CategoryCardAuthTransaction, AuthTransactionEvent{
		TradeNo:         tx.TradeNo,
		CardNo:          req.CardNo,
		Type:            tx.Type,
		Status:          tx.Status,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		MerchantName:    tx.MerchantName,
		TransactionTime: MillisOf(now),
	})
	return &tx, nil
}

// SimulateChallenge emits a card_3ds_transaction event with a fresh OTP, or with an
// authentication URL when otp is false.
func (s *Simulator) SimulateChallenge(ctx context.Context, cardNo string, otp bool) (*ThreeDSEvent, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.state.cards[cardNo]; !ok {
		s.mu.Unlock()
		return nil, newError(CodeNotFound, "card not found")
	}
	tradeNo := s.state.next("SIM3DS")
	s.mu.Unlock()

	ev := ThreeDSEvent{CardNo: cardNo, TradeNo: tradeNo, Type: ThreeDSTypeOTP, Values: randomOTP()}
	if !otp {
		ev.Type = ThreeDSTypeAuthURL
		ev.Values = fmt.Sprintf("https://3ds.simulator.invalid/challenge/%s", tradeNo)
	}
	s.emit(CategoryCard3DSTransaction, ev)
	return &ev, nil
}

type WithdrawalOrder struct {
	MerchantOrderNo string
	CardNo          string
	Amount          decimal.Decimal
	Fee             decimal.Decimal
}

// WithdrawalResult is the network's immediate answer to a withdrawal.
type WithdrawalResult struct {
	OrderNo        string
	Status         string
	ActivationCode string
}

// ProcessWithdrawal debits the card and reports the withdrawal as processing, with an
// activation code, and then as successful. A card without enough balance, or past
// its expiry, reports failure. The result carries the same outcome as the events.
func (s *Simulator) ProcessWithdrawal(ctx context.Context, w WithdrawalOrder) (*WithdrawalResult, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	if w.MerchantOrderNo == "" {
		return nil, newError(CodeInvalidRequest, "merchantOrderNo is required")
	}
	total := w.Amount.Add(w.Fee)

	s.mu.Lock()
	if _, seen := s.state.orders[w.MerchantOrderNo]; seen {
		s.mu.Unlock()
		return nil, newError(CodeDuplicateOrder, "merchant order number %s already used", w.MerchantOrderNo)
	}
	card, ok := s.state.cards[w.CardNo]
	if !ok {
		s.mu.Unlock()
		return nil, newError(CodeNotFound, "card not found")
	}
	now := s.now()
	orderNo := s.state.next("SIMATM")
	status := "success"
	if card.status != "active" || s.expired(card, now) || card.balance.LessThan(total) {
		status = "failed"
	} else {
		card.balance = card.balance.Sub(total)
	}
	card.history = append(card.history, CardTransaction{
		TradeNo:         orderNo,
		MerchantOrderNo: w.MerchantOrderNo,
		Type:            "withdrawal",
		Amount:          w.Amount,
		Fee:             w.Fee,
		Currency:        card.currency,
		Status:          status,
		TransactionTime: now.UnixMilli(),
	})
	s.state.orders[w.MerchantOrderNo] = simOrder{op: "withdrawal", fingerprint: fingerprint(w)}
	currency := card.currency
	s.mu.Unlock()

	s.logger.Info("simulated withdrawal",
		slog.String("card", cardgen.MaskPAN(w.CardNo)),
		slog.String("status", status),
	)

	base := CardTransactionEvent{
		OrderNo:         orderNo,
		MerchantOrderNo: w.MerchantOrderNo,
		CardNo:          w.CardNo,
		Type:            "withdrawal",
		Amount:          w.Amount,
		Fee:             w.Fee,
		Currency:        currency,
		TransactionTime: MillisOf(now),
	}
	res := &WithdrawalResult{OrderNo: orderNo, Status: status}
	if status == "success" {
		res.ActivationCode = randomOTP()
		processing := base
		processing.Status = "processing"
		processing.ActivationCode = res.ActivationCode
		s.emit(CategoryCardTransaction, processing)
	}
	final := base
	final.Status = status
	s.emit(CategoryCardTransaction, final)
	return res, nil
}
