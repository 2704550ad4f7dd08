package issuerapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alovak/cardbridge/internal/cardgen"
	"github.com/alovak/cardbridge/internal/clock"
	"github.com/alovak/cardbridge/internal/expiry"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// EventSink receives the webhooks the simulated network would send.
type EventSink interface {
	Deliver(ctx context.Context, category string, body []byte)
}

type SimulationConfig struct {
	Latency         time.Duration
	MerchantBalance decimal.Decimal
	Currency        string
	BINs            []string
	CVVKey          []byte
	Expiry          expiry.Policy
	Clock           clock.Clock
	// Sink, when set, receives webhook events for every simulated mutation.
	Sink EventSink
}

func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		Latency:         300 * time.Millisecond,
		MerchantBalance: decimal.NewFromInt(50000),
		Currency:        "USD",
		BINs:            []string{"4859", "5329", "4532", "5412"},
		CVVKey:          []byte("simulated-cvk"),
		Expiry:          expiry.DefaultPolicy(),
		Clock:           clock.RealClock{},
	}
}

type simEvent struct {
	category string
	body     []byte
}

// Simulator is an in-process stand-in for the issuing network. All state lives in
// one simState guarded by mu, so every balance check and its mutation happen
// under the same lock.
type Simulator struct {
	cfg    SimulationConfig
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	state *simState

	eventsMu  sync.RWMutex
	closed    bool
	events    chan simEvent
	startOnce sync.Once
	done      chan struct{}
}

var _ Client = (*Simulator)(nil)

func NewSimulator(cfg SimulationConfig, logger *slog.Logger) *Simulator {
	def := DefaultSimulationConfig()
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if len(cfg.BINs) == 0 {
		cfg.BINs = def.BINs
	}
	if len(cfg.CVVKey) == 0 {
		cfg.CVVKey = def.CVVKey
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.Latency < 0 {
		cfg.Latency = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Simulator{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: logger.With(slog.String("component", "issuer-simulator")),
		state:  newSimState(cfg.MerchantBalance, cfg.Currency),
		events: make(chan simEvent, 256),
		done:   make(chan struct{}),
	}
}

func (s *Simulator) Mode() Mode { return ModeSimulated }

// Close stops webhook delivery after draining queued events.
func (s *Simulator) Close() {
	s.eventsMu.Lock()
	if s.closed {
		s.eventsMu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.eventsMu.Unlock()

	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

// delay imitates network latency. Cancellation takes the network failure branch.
func (s *Simulator) delay(ctx context.Context) error {
	if s.cfg.Latency > 0 {
		t := time.NewTimer(s.cfg.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return &APIError{Code: CodeNetwork, Message: err.Error()}
	}
	return nil
}

func (s *Simulator) emit(category string, payload any) {
	if s.cfg.Sink == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encoding simulated event", slog.String("category", category), slog.String("error", err.Error()))
		return
	}
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.closed {
		return
	}
	s.startOnce.Do(func() { go s.deliver() })
	s.events <- simEvent{category: category, body: body}
}

func (s *Simulator) deliver() {
	defer close(s.done)
	for ev := range s.events {
		s.cfg.Sink.Deliver(context.Background(), ev.category, ev.body)
	}
}

func (s *Simulator) now() time.Time { return s.clock.Now() }

func (s *Simulator) binFor(ct CardType) string {
	if slices.Contains(s.cfg.BINs, ct.BankCardBIN) {
		return ct.BankCardBIN
	}
	return s.cfg.BINs[0]
}

func (s *Simulator) ListAccounts(ctx context.Context) (*AccountList, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.state.balance.Round(2)
	return &AccountList{Records: []Account{{
		AccountID:        SimAccountID,
		AccountName:      "Simulated Merchant Account",
		Currency:         s.cfg.Currency,
		AvailableBalance: bal,
		FrozenBalance:    decimal.Zero,
		TotalBalance:     bal,
	}}}, nil
}

func (s *Simulator) ListCardTypes(ctx context.Context) (*CardTypeList, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &CardTypeList{Records: slices.Clone(s.state.cardTypes)}, nil
}

func (s *Simulator) CreateHolder(ctx context.Context, req CreateHolderRequest) (*Holder, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	if req.MerchantOrderNo == "" {
		return nil, newError(CodeInvalidRequest, "merchantOrderNo is required")
	}
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		return nil, newError(CodeInvalidRequest, "firstName and lastName are required")
	}

	s.mu.Lock()
	if prior, err := replay[Holder](s.state, req.MerchantOrderNo, "createHolder", req); err != nil || prior != nil {
		s.mu.Unlock()
		return prior, err
	}
	s.state.holderSeq++
	holder := Holder{
		HolderID:        fmt.Sprintf("SIM-HOLDER-%06d", s.state.holderSeq),
		MerchantOrderNo: req.MerchantOrderNo,
		Status:          "approved",
		FirstName:       req.FirstName,
		LastName:        req.LastName,
	}
	stored := holder
	s.state.holders[holder.HolderID] = &stored
	record(s.state, req.MerchantOrderNo, "createHolder", req, holder)
	s.mu.Unlock()

	s.logger.Info("simulated holder created", slog.String("holder_id", holder.HolderID))
	s.emit(CategoryCardHolder, HolderEvent{
		HolderID:        holder.HolderID,
		MerchantOrderNo: holder.MerchantOrderNo,
		Status:          holder.Status,
	})
	return &holder, nil
}

func (s *Simulator) GetHolder(ctx context.Context, holderID string) (*Holder, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.state.holders[holderID]
	if !ok {
		return nil, newError(CodeNotFound, "holder %s not found", holderID)
	}
	out := *h
	return &out, nil
}

func (s *Simulator) IssueCard(ctx context.Context, req IssueCardRequest) (*IssuedCard, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	if req.MerchantOrderNo == "" {
		return nil, newError(CodeInvalidRequest, "merchantOrderNo is required")
	}

	s.mu.Lock()
	if prior, err := replay[IssuedCard](s.state, req.MerchantOrderNo, "issueCard", req); err != nil || prior != nil {
		s.mu.Unlock()
		return prior, err
	}

	ct, ok := s.state.cardType(req.CardTypeID)
	if !ok {
		s.mu.Unlock()
		return nil, newError(CodeInvalidRequest, "unknown card type %s", req.CardTypeID)
	}
	if !req.Amount.IsPositive() || req.Amount.LessThan(ct.MinAmount) || req.Amount.GreaterThan(ct.MaxAmount) {
		s.mu.Unlock()
		return nil, newError(CodeInvalidRequest, "amount must be between %s and %s", ct.MinAmount, ct.MaxAmount)
	}

	total := req.Amount.Add(ct.IssueFee)
	if s.state.balance.LessThan(total) {
		s.mu.Unlock()
		return nil, newError(CodeInsufficientFunds, "insufficient merchant balance: available %s, required %s",
			s.state.balance.StringFixed(2), total.StringFixed(2))
	}

	bin := s.binFor(ct)
	cardNo, err := cardgen.GenerateUniquePAN(bin, cardgen.DefaultPANLength, 5, func(pan string) bool {
		_, used := s.state.cards[pan]
		return used
	})
	if err != nil {
		s.mu.Unlock()
		return nil, &APIError{Code: CodeInvalidRequest, Message: err.Error()}
	}

	now := s.now()
	orderNo := s.state.next("SIMORD")
	s.state.balance = s.state.balance.Sub(total)
	card := &simCard{
		cardNo:     cardNo,
		cardTypeID: ct.CardTypeID,
		holderID:   req.HolderID,
		bin:        bin,
		balance:    req.Amount,
		currency:   ct.Currency,
		status:     "active",
		issuedAt:   now,
		expiryYYMM: s.cfg.Expiry.YYMM(now),
	}
	card.history = append(card.history, CardTransaction{
		TradeNo:         orderNo,
		MerchantOrderNo: req.MerchantOrderNo,
		Type:            "create",
		Amount:          req.Amount,
		Fee:             ct.IssueFee,
		Currency:        ct.Currency,
		Status:          "success",
		TransactionTime: now.UnixMilli(),
	})
	s.state.cards[cardNo] = card

	result := IssuedCard{
		CardNo:          cardNo,
		OrderNo:         orderNo,
		MerchantOrderNo: req.MerchantOrderNo,
		BankCardBIN:     bin,
		Amount:          req.Amount,
		Fee:             ct.IssueFee,
		Currency:        ct.Currency,
		Status:          "success",
	}
	record(s.state, req.MerchantOrderNo, "issueCard", req, result)
	s.mu.Unlock()

	s.logger.Info("simulated card issued",
		slog.String("card", cardgen.MaskPAN(cardNo)),
		slog.String("amount", req.Amount.String()),
		slog.String("fee", ct.IssueFee.String()),
	)
	s.emit(CategoryCardTransaction, CardTransactionEvent{
		OrderNo:         orderNo,
		MerchantOrderNo: req.MerchantOrderNo,
		CardNo:          cardNo,
		Type:            "create",
		Status:          "success",
		Amount:          req.Amount,
		Fee:             ct.IssueFee,
		Currency:        ct.Currency,
		TransactionTime: MillisOf(now),
	})
	return &result, nil
}

func (s *Simulator) DepositCard(ctx context.Context, req DepositRequest) (*Deposit, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	if req.MerchantOrderNo == "" {
		return nil, newError(CodeInvalidRequest, "merchantOrderNo is required")
	}
	if !req.Amount.IsPositive() {
		return nil, newError(CodeInvalidRequest, "amount must be positive")
	}

	s.mu.Lock()
	if prior, err := replay[Deposit](s.state, req.MerchantOrderNo, "deposit", req); err != nil || prior != nil {
		s.mu.Unlock()
		return prior, err
	}

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
	ct, _ := s.state.cardType(card.cardTypeID)
	fee := req.Amount.Mul(ct.RechargeFee).Div(decimal.NewFromInt(100)).Round(2)
	total := req.Amount.Add(fee)
	if s.state.balance.LessThan(total) {
		s.mu.Unlock()
		return nil, newError(CodeInsufficientFunds, "insufficient merchant balance: available %s, required %s",
			s.state.balance.StringFixed(2), total.StringFixed(2))
	}

	now := s.now()
	orderNo := s.state.next("SIMDEP")
	s.state.balance = s.state.balance.Sub(total)
	card.balance = card.balance.Add(req.Amount)
	card.history = append(card.history, CardTransaction{
		TradeNo:         orderNo,
		MerchantOrderNo: req.MerchantOrderNo,
		Type:            "deposit",
		Amount:          req.Amount,
		Fee:             fee,
		Currency:        card.currency,
		Status:          "success",
		TransactionTime: now.UnixMilli(),
	})

	result := Deposit{
		OrderNo:         orderNo,
		MerchantOrderNo: req.MerchantOrderNo,
		CardNo:          card.cardNo,
		Status:          "success",
		Amount:          req.Amount,
		Fee:             fee,
	}
	record(s.state, req.MerchantOrderNo, "deposit", req, result)
	currency := card.currency
	s.mu.Unlock()

	s.logger.Info("simulated deposit",
		slog.String("card", cardgen.MaskPAN(req.CardNo)),
		slog.String("amount", req.Amount.String()),
		slog.String("fee", fee.String()),
	)
	s.emit(CategoryCardTransaction, CardTransactionEvent{
		OrderNo:         orderNo,
		MerchantOrderNo: req.MerchantOrderNo,
		CardNo:          req.CardNo,
		Type:            "deposit",
		Status:          "success",
		Amount:          req.Amount,
		Fee:             fee,
		Currency:        currency,
		TransactionTime: MillisOf(now),
	})
	return &result, nil
}

func (s *Simulator) GetCardBalance(ctx context.Context, cardNo string) (*CardBalance, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.state.cards[cardNo]
	if !ok {
		return nil, newError(CodeNotFound, "card not found")
	}
	return &CardBalance{
		CardNo:           cardNo,
		AvailableBalance: card.balance.Round(2),
		FrozenBalance:    decimal.Zero,
		Currency:         card.currency,
	}, nil
}

func (s *Simulator) FreezeCard(ctx context.Context, req CardStatusRequest) (*CardStatus, error) {
	return s.setStatus(ctx, req, "freeze", "frozen")
}

func (s *Simulator) UnfreezeCard(ctx context.Context, req CardStatusRequest) (*CardStatus, error) {
	return s.setStatus(ctx, req, "unfreeze", "active")
}

func (s *Simulator) setStatus(ctx context.Context, req CardStatusRequest, op, status string) (*CardStatus, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	if req.MerchantOrderNo == "" {
		return nil, newError(CodeInvalidRequest, "merchantOrderNo is required")
	}

	s.mu.Lock()
	if prior, err := replay[CardStatus](s.state, req.MerchantOrderNo, op, req); err != nil || prior != nil {
		s.mu.Unlock()
		return prior, err
	}
	card, ok := s.state.cards[req.CardNo]
	if !ok {
		s.mu.Unlock()
		return nil, newError(CodeNotFound, "card not found")
	}
	if card.status == "cancelled" {
		s.mu.Unlock()
		return nil, newError(CodeCardNotActive, "card is cancelled")
	}

	now := s.now()
	orderNo := s.state.next("SIMOPS")
	card.status = status
	card.history = append(card.history, CardTransaction{
		TradeNo:         orderNo,
		MerchantOrderNo: req.MerchantOrderNo,
		Type:            op,
		Amount:          decimal.Zero,
		Fee:             decimal.Zero,
		Currency:        card.currency,
		Status:          "success",
		TransactionTime: now.UnixMilli(),
	})
	result := CardStatus{CardNo: req.CardNo, MerchantOrderNo: req.MerchantOrderNo, Status: status}
	record(s.state, req.MerchantOrderNo, op, req, result)
	s.mu.Unlock()

	s.logger.Info("simulated card status change", slog.String("card", cardgen.MaskPAN(req.CardNo)), slog.String("status", status))
	s.emit(CategoryCardTransaction, CardTransactionEvent{
		OrderNo:         orderNo,
		MerchantOrderNo: req.MerchantOrderNo,
		CardNo:          req.CardNo,
		Type:            op,
		Status:          "success",
		Amount:          decimal.Zero,
		Fee:             decimal.Zero,
		TransactionTime: MillisOf(now),
	})
	return &result, nil
}

func (s *Simulator) ListCardTransactions(ctx context.Context, q CardTransactionsQuery) (*CardTransactionPage, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.state.cards[q.CardNo]
	if !ok {
		return nil, newError(CodeNotFound, "card not found")
	}
	newestFirst := make([]CardTransaction, 0, len(card.history))
	for i := len(card.history) - 1; i >= 0; i-- {
		newestFirst = append(newestFirst, card.history[i])
	}
	records, page, size := paginate(newestFirst, q.Page, q.PageSize)
	return &CardTransactionPage{Records: records, Total: len(newestFirst), Page: page, PageSize: size}, nil
}

func (s *Simulator) GetCardSensitiveInfo(ctx context.Context, cardNo string) (*CardSensitiveInfo, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.state.cards[cardNo]
	if !ok {
		return nil, newError(CodeNotFound, "card not found")
	}
	cvv, err := cardgen.DemoCVV(card.cardNo, card.expiryYYMM, s.cfg.CVVKey)
	if err != nil {
		return nil, &APIError{Code: CodeInvalidRequest, Message: err.Error()}
	}
	name := "SIMULATED HOLDER"
	if h, ok := s.state.holders[card.holderID]; ok {
		name = strings.ToUpper(strings.TrimSpace(h.FirstName + " " + h.LastName))
	}
	return &CardSensitiveInfo{
		CardNo:     card.cardNo,
		CVV:        cvv,
		ExpireDate: s.cfg.Expiry.CardFace(card.issuedAt),
		HolderName: name,
	}, nil
}

// expired reports whether the card is past the last day of its expiry month.
func (s *Simulator) expired(card *simCard, now time.Time) bool {
	expired, err := s.cfg.Expiry.IsExpired(card.expiryYYMM, now)
	if err != nil {
		s.logger.Warn("card with unreadable expiry", slog.String("card", cardgen.MaskPAN(card.cardNo)), slog.String("error", err.Error()))
		return false
	}
	return expired
}

func (s *Simulator) GetWalletDepositAddress(ctx context.Context, req WalletDepositRequest) (*WalletDeposit, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	if req.MerchantOrderNo == "" {
		return nil, newError(CodeInvalidRequest, "merchantOrderNo is required")
	}
	if !req.Amount.IsPositive() {
		return nil, newError(CodeInvalidRequest, "amount must be positive")
	}
	if req.Chain == "" {
		req.Chain = ChainTRC20
	}
	address, ok := walletAddresses[req.Chain]
	if !ok {
		return nil, newError(CodeInvalidRequest, "unsupported chain %s", req.Chain)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, err := replay[WalletDeposit](s.state, req.MerchantOrderNo, "walletDeposit", req); err != nil || prior != nil {
		return prior, err
	}

	orderNo := s.state.next("SIMWAL")
	s.state.wallet = append(s.state.wallet, WalletTransaction{
		OrderNo:   orderNo,
		Type:      "deposit",
		Amount:    req.Amount,
		Chain:     req.Chain,
		Status:    "pending",
		CreatedAt: s.now().UnixMilli(),
	})
	result := WalletDeposit{
		ToAddress:           address,
		Chain:               req.Chain,
		Amount:              req.Amount,
		ActualDepositAmount: req.Amount,
		OrderNo:             orderNo,
		MerchantOrderNo:     req.MerchantOrderNo,
		ExpireSecond:        walletDepositExpiry,
		Status:              "pending",
	}
	record(s.state, req.MerchantOrderNo, "walletDeposit", req, result)
	return &result, nil
}

func (s *Simulator) ListWalletTransactions(ctx context.Context, q WalletTransactionsQuery) (*WalletTransactionPage, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []WalletTransaction
	for i := len(s.state.wallet) - 1; i >= 0; i-- {
		tx := s.state.wallet[i]
		if q.Type != "" && tx.Type != q.Type {
			continue
		}
		if q.StartTime > 0 && tx.CreatedAt < q.StartTime {
			continue
		}
		if q.EndTime > 0 && tx.CreatedAt > q.EndTime {
			continue
		}
		matched = append(matched, tx)
	}
	records, page, size := paginate(matched, q.Page, q.PageSize)
	return &WalletTransactionPage{Records: records, Total: len(matched), Page: page, PageSize: size}, nil
}

// MerchantBalance returns the simulated merchant account balance.
func (s *Simulator) MerchantBalance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.balance
}

func randomOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "000000"
	}
	return fmt.Sprintf("%06d", n.Int64())
}
