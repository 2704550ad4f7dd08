// Package issuing wires the ledger, the issuer client and the webhook pipeline into
// the card issuing service and exposes it over HTTP.
package issuing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alovak/cardbridge/internal/cardgen"
	"github.com/alovak/cardbridge/internal/classify"
	"github.com/alovak/cardbridge/internal/clock"
	"github.com/alovak/cardbridge/internal/issuerapi"
	"github.com/alovak/cardbridge/internal/orderno"
	"github.com/alovak/cardbridge/ledger"
	"github.com/alovak/cardbridge/ledger/models"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

var DefaultWithdrawalFee = decimal.RequireFromString("2.00")

const defaultCurrency = "USD"

// WithdrawalProcessor hands a withdrawal to the network. Only the simulated network
// accepts withdrawals directly; the live one completes them through webhooks.
type WithdrawalProcessor interface {
	ProcessWithdrawal(ctx context.Context, w issuerapi.WithdrawalOrder) (*issuerapi.WithdrawalResult, error)
}

type ServiceOptions struct {
	Clock         clock.Clock
	WithdrawalFee decimal.Decimal
	Withdrawals   WithdrawalProcessor
	Logger        *slog.Logger
}

// Service runs the synchronous flows. Every flow that changes remote state first
// stores its pending local record under a fresh merchant order number; the
// remote answer and any later webhook resolve that record.
type Service struct {
	store       ledger.Store
	client      issuerapi.Client
	ids         *orderno.Generator
	clock       clock.Clock
	fee         decimal.Decimal
	withdrawals WithdrawalProcessor
	logger      *slog.Logger
}

func NewService(store ledger.Store, client issuerapi.Client, opts ServiceOptions) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:       store,
		client:      client,
		ids:         orderno.NewGenerator(opts.Clock),
		clock:       opts.Clock,
		fee:         opts.WithdrawalFee,
		withdrawals: opts.Withdrawals,
		logger:      opts.Logger,
	}
}

func (s *Service) Mode() issuerapi.Mode { return s.client.Mode() }

// KYC returns the latest KYC record of the user.
func (s *Service) KYC(ctx context.Context, userID string) (*models.Holder, error) {
	return s.store.LatestHolder(ctx, userID)
}

// RefreshKYC asks the issuer for the status of the user's submitted record and
// applies it when it is a decision.
func (s *Service) RefreshKYC(ctx context.Context, userID string) (*models.Holder, error) {
	h, err := s.store.LatestHolder(ctx, userID)
	if err != nil {
		return nil, err
	}
	if h.Status != models.HolderSubmitted || h.ExternalHolderID == "" {
		return h, nil
	}

	remote, err := s.client.GetHolder(ctx, h.ExternalHolderID)
	if err != nil {
		return h, fmt.Errorf("querying holder %s: %w", h.ExternalHolderID, err)
	}
	decision, ok := holderDecision(remote.Status)
	if !ok {
		return h, nil
	}
	h, err = s.store.ApplyHolderDecision(ctx, ledger.HolderDecision{
		ExternalHolderID: h.ExternalHolderID,
		Status:           decision,
		Reason:           remote.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("applying kyc decision: %w", err)
	}
	s.logger.Info("kyc refreshed", slog.String("holder_id", h.ID), slog.String("status", string(h.Status)))
	return h, nil
}

// ListKYC lists KYC records for review, newest first, optionally narrowed to one status.
func (s *Service) ListKYC(ctx context.Context, status models.HolderStatus, limit, offset int) ([]*models.Holder, int, error) {
	return s.store.ListHolders(ctx, ledger.HolderFilter{Status: status, Limit: limit, Offset: offset})
}

func (s *Service) KYCRecord(ctx context.Context, holderID string) (*models.Holder, error) {
	return s.store.GetHolder(ctx, holderID)
}

// ReviewKYC records an operator's decision on a submitted record. Rejections carry
// a reason.
func (s *Service) ReviewKYC(ctx context.Context, holderID string, approve bool, reason string) (*models.Holder, error) {
	reason = strings.TrimSpace(reason)
	if !approve && reason == "" {
		return nil, invalid("reason", "is required")
	}
	h, err := s.store.GetHolder(ctx, holderID)
	if err != nil {
		return nil, fmt.Errorf("kyc %s: %w", holderID, err)
	}
	if h.Status != models.HolderSubmitted || h.ExternalHolderID == "" {
		return nil, stateErr("kyc is %s", h.Status)
	}

	d := ledger.HolderDecision{ExternalHolderID: h.ExternalHolderID, Status: models.HolderApproved}
	if !approve {
		d.Status, d.Reason = models.HolderRejected, reason
	}
	h, err = s.store.ApplyHolderDecision(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("applying kyc decision: %w", err)
	}
	s.logger.Info("kyc reviewed", slog.String("holder_id", h.ID), slog.String("status", string(h.Status)))
	return h, nil
}

func (s *Service) SubmitKYC(ctx context.Context, userID string, id models.Identity) (*models.Holder, error) {
	if err := validateIdentity(id); err != nil {
		return nil, err
	}

	latest, err := s.store.LatestHolder(ctx, userID)
	switch {
	case err == nil:
		if latest.Status == models.HolderApproved || latest.Status == models.HolderSubmitted {
			return nil, stateErr("kyc is already %s", latest.Status)
		}
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, fmt.Errorf("loading kyc: %w", err)
	}

	orderNo, err := s.ids.New(orderno.PrefixKYC)
	if err != nil {
		return nil, err
	}
	h := &models.Holder{
		UserID:          userID,
		MerchantOrderNo: orderNo,
		Identity:        id,
		Status:          models.HolderPending,
	}
	if err := s.store.CreateHolder(ctx, h); err != nil {
		return nil, fmt.Errorf("creating kyc record: %w", err)
	}

	remote, err := s.client.CreateHolder(ctx, holderRequest(orderNo, id))
	if err != nil {
		s.logger.Warn("kyc submission failed", slog.String("order_no", orderNo), slog.String("err", err.Error()))
		return h, fmt.Errorf("submitting kyc: %w", err)
	}

	h, err = s.store.AttachExternalHolder(ctx, h.ID, remote.HolderID)
	if err != nil {
		return nil, fmt.Errorf("attaching holder %s: %w", remote.HolderID, err)
	}

	// A webhook may already have decided the record.
	if decision, ok := holderDecision(remote.Status); ok && h.Status == models.HolderSubmitted {
		h, err = s.store.ApplyHolderDecision(ctx, ledger.HolderDecision{
			ExternalHolderID: remote.HolderID,
			Status:           decision,
		})
		if err != nil {
			return nil, fmt.Errorf("applying kyc decision: %w", err)
		}
	}

	s.logger.Info("kyc submitted", slog.String("order_no", orderNo), slog.String("status", string(h.Status)))
	return h, nil
}

func validateIdentity(id models.Identity) error {
	switch {
	case strings.TrimSpace(id.FirstName) == "":
		return invalid("first_name", "is required")
	case strings.TrimSpace(id.LastName) == "":
		return invalid("last_name", "is required")
	case strings.TrimSpace(id.DOB) == "":
		return invalid("dob", "is required")
	case strings.TrimSpace(id.Nationality) == "":
		return invalid("nationality", "is required")
	}
	return nil
}

func holderRequest(orderNo string, id models.Identity) issuerapi.CreateHolderRequest {
	return issuerapi.CreateHolderRequest{
		MerchantOrderNo:   orderNo,
		FirstName:         id.FirstName,
		LastName:          id.LastName,
		DOB:               id.DOB,
		Nationality:       id.Nationality,
		MobileAreaCode:    id.MobileAreaCode,
		MobilePhoneNumber: id.MobilePhone,
		Email:             id.Email,
		Address:           id.Address,
		City:              id.City,
		State:             id.State,
		PostalCode:        id.PostalCode,
		IDType:            id.IDType,
		IDNumber:          id.IDNumber,
		IDFrontURL:        id.IDFrontURL,
		IDBackURL:         id.IDBackURL,
		SelfieURL:         id.SelfieURL,
	}
}

func holderDecision(status string) (models.HolderStatus, bool) {
	d := classify.Match(classify.HolderDecisions, status, "")
	return d, d != ""
}

type IssueCardInput struct {
	CardTypeID string          `json:"card_type_id"`
	Amount     decimal.Decimal `json:"amount"`
	AccountID  string          `json:"account_id"`
}

func (s *Service) IssueCard(ctx context.Context, userID string, in IssueCardInput) (*models.Card, error) {
	if !in.Amount.IsPositive() {
		return nil, invalid("amount", "must be positive")
	}

	holder, err := s.store.LatestHolder(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrKYCRequired
	}
	if err != nil {
		return nil, fmt.Errorf("loading kyc: %w", err)
	}
	if holder.Status != models.HolderApproved || holder.ExternalHolderID == "" {
		return nil, ErrKYCRequired
	}

	ct := s.cardType(ctx, in.CardTypeID)
	orderNo, err := s.ids.New(orderno.PrefixCard)
	if err != nil {
		return nil, err
	}

	card := &models.Card{
		UserID:           userID,
		HolderID:         holder.ID,
		MerchantOrderNo:  orderNo,
		CardTypeID:       ct.CardTypeID,
		CardTypeName:     ct.Name,
		Status:           models.CardPending,
		AvailableBalance: decimal.Zero,
		Currency:         ct.Currency,
	}
	if err := s.store.CreateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("creating card: %w", err)
	}
	tx := &models.Transaction{
		CardID:          card.ID,
		UserID:          userID,
		MerchantOrderNo: orderNo,
		Type:            models.TxCreate,
		Amount:          in.Amount,
		Fee:             decimal.Zero,
		Currency:        ct.Currency,
		Status:          models.TxPending,
		Description:     "card issuance",
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("creating issuance transaction: %w", err)
	}

	remote, err := s.client.IssueCard(ctx, issuerapi.IssueCardRequest{
		MerchantOrderNo: orderNo,
		CardTypeID:      in.CardTypeID,
		Amount:          in.Amount,
		AccountID:       in.AccountID,
		HolderID:        holder.ExternalHolderID,
	})
	if err != nil {
		s.fail(ctx, orderNo, err)
		return card, fmt.Errorf("issuing card: %w", err)
	}
	if remote.CardNo == "" {
		// The card number arrives with the create webhook.
		return card, nil
	}

	now := s.clock.Now()
	if _, _, err := s.store.ConfirmCardIssued(ctx, card.ID, ledger.CardIssue{
		ExternalCardNo: remote.CardNo,
		BIN:            remote.BankCardBIN,
		Last4:          cardgen.LastN(remote.CardNo, 4),
		At:             orderno.IntentTime(orderNo, now),
	}); err != nil {
		return nil, fmt.Errorf("confirming card: %w", err)
	}
	fee := remote.Fee
	if _, _, err := s.store.SettleTransaction(ctx, orderNo, ledger.Settlement{
		Fee:          &fee,
		ExternalTxID: remote.OrderNo,
		At:           now,
	}); err != nil {
		return nil, fmt.Errorf("settling issuance: %w", err)
	}

	s.logger.Info("card issued", slog.String("order_no", orderNo), slog.String("card", cardgen.MaskPAN(remote.CardNo)))
	return s.store.GetCard(ctx, card.ID)
}

// cardType looks up the program for display and currency. Lookup failures fall
// back to the bare id, the issuer validates it anyway.
func (s *Service) cardType(ctx context.Context, id string) issuerapi.CardType {
	fallback := issuerapi.CardType{CardTypeID: id, Currency: defaultCurrency}
	list, err := s.client.ListCardTypes(ctx)
	if err != nil {
		s.logger.Warn("listing card types", slog.String("err", err.Error()))
		return fallback
	}
	for _, ct := range list.Records {
		if ct.CardTypeID == id || id == "" {
			if ct.Currency == "" {
				ct.Currency = defaultCurrency
			}
			return ct
		}
	}
	return fallback
}

type RechargeInput struct {
	Amount    decimal.Decimal `json:"amount"`
	AccountID string          `json:"account_id"`
}

func (s *Service) Recharge(ctx context.Context, userID, cardID string, in RechargeInput) (*models.Transaction, error) {
	if !in.Amount.IsPositive() {
		return nil, invalid("amount", "must be positive")
	}
	card, err := s.activeCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}

	orderNo, err := s.ids.New(orderno.PrefixRecharge)
	if err != nil {
		return nil, err
	}
	tx := &models.Transaction{
		CardID:          card.ID,
		UserID:          userID,
		MerchantOrderNo: orderNo,
		Type:            models.TxDeposit,
		Amount:          in.Amount,
		Fee:             decimal.Zero,
		Currency:        card.Currency,
		Status:          models.TxPending,
		Description:     "card recharge",
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("creating deposit transaction: %w", err)
	}

	remote, err := s.client.DepositCard(ctx, issuerapi.DepositRequest{
		MerchantOrderNo: orderNo,
		CardNo:          card.ExternalCardNo,
		Amount:          in.Amount,
		AccountID:       in.AccountID,
	})
	if err != nil {
		s.fail(ctx, orderNo, err)
		return tx, fmt.Errorf("depositing: %w", err)
	}

	switch classify.Match(classify.Outcomes, remote.Status, classify.Pending) {
	case classify.Success:
		fee := remote.Fee
		if _, _, err := s.store.SettleTransaction(ctx, orderNo, ledger.Settlement{
			Fee:          &fee,
			ExternalTxID: remote.OrderNo,
			At:           s.clock.Now(),
		}); err != nil {
			return nil, fmt.Errorf("settling deposit: %w", err)
		}
	case classify.Failed:
		s.fail(ctx, orderNo, fmt.Errorf("deposit %s", remote.Status))
	}

	return s.store.GetTransactionByOrderNo(ctx, orderNo)
}

func (s *Service) Freeze(ctx context.Context, userID, cardID string) (*models.Card, error) {
	return s.changeStatus(ctx, userID, cardID, true)
}

func (s *Service) Unfreeze(ctx context.Context, userID, cardID string) (*models.Card, error) {
	return s.changeStatus(ctx, userID, cardID, false)
}

func (s *Service) changeStatus(ctx context.Context, userID, cardID string, freeze bool) (*models.Card, error) {
	card, err := s.issuedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}

	prefix, call, target := orderno.PrefixFreeze, s.client.FreezeCard, models.CardFrozen
	if !freeze {
		prefix, call, target = orderno.PrefixUnfreeze, s.client.UnfreezeCard, models.CardActive
	}
	switch {
	case freeze && card.Status != models.CardActive:
		return nil, stateErr("card is %s", card.Status)
	case !freeze && card.Status != models.CardFrozen:
		return nil, stateErr("card is %s", card.Status)
	}

	orderNo, err := s.ids.New(prefix)
	if err != nil {
		return nil, err
	}
	if _, err := call(ctx, issuerapi.CardStatusRequest{MerchantOrderNo: orderNo, CardNo: card.ExternalCardNo}); err != nil {
		return nil, fmt.Errorf("changing card status: %w", err)
	}

	// the webhook for this order carries the same time
	updated, _, err := s.store.SetCardStatus(ctx, card.ID, target, orderno.IntentTime(orderNo, s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("writing card status: %w", err)
	}
	return updated, nil
}

// RefreshBalance overwrites the local balance with the issuer's. When the issuer
// cannot be reached the local card is returned along with the error.
func (s *Service) RefreshBalance(ctx context.Context, userID, cardID string) (*models.Card, error) {
	card, err := s.issuedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}

	bal, err := s.client.GetCardBalance(ctx, card.ExternalCardNo)
	if err != nil {
		return card, fmt.Errorf("querying balance: %w", err)
	}
	return s.store.SetCardBalance(ctx, card.ID, bal.AvailableBalance)
}

func (s *Service) SensitiveInfo(ctx context.Context, userID, cardID string) (*issuerapi.CardSensitiveInfo, error) {
	card, err := s.issuedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	return s.client.GetCardSensitiveInfo(ctx, card.ExternalCardNo)
}

// SyncTransactions returns the issuer's operation history of a card.
func (s *Service) SyncTransactions(ctx context.Context, userID, cardID string, page, size int) (*issuerapi.CardTransactionPage, error) {
	card, err := s.issuedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	return s.client.ListCardTransactions(ctx, issuerapi.CardTransactionsQuery{
		CardNo:   card.ExternalCardNo,
		Page:     page,
		PageSize: size,
	})
}

func (s *Service) WalletDepositAddress(ctx context.Context, amount decimal.Decimal, chain string) (*issuerapi.WalletDeposit, error) {
	if !amount.IsPositive() {
		return nil, invalid("amount", "must be positive")
	}
	orderNo, err := s.ids.New(orderno.PrefixWallet)
	if err != nil {
		return nil, err
	}
	return s.client.GetWalletDepositAddress(ctx, issuerapi.WalletDepositRequest{
		MerchantOrderNo: orderNo,
		Amount:          amount,
		Chain:           strings.ToUpper(chain),
	})
}

func (s *Service) WalletTransactions(ctx context.Context, q issuerapi.WalletTransactionsQuery) (*issuerapi.WalletTransactionPage, error) {
	return s.client.ListWalletTransactions(ctx, q)
}

func (s *Service) MerchantAccounts(ctx context.Context) (*issuerapi.AccountList, error) {
	return s.client.ListAccounts(ctx)
}

func (s *Service) CardTypes(ctx context.Context) (*issuerapi.CardTypeList, error) {
	return s.client.ListCardTypes(ctx)
}

// RequestWithdrawal stores a pending withdrawal that reserves its amount and fee on
// the card. The network's answer and card_transaction webhooks complete it.
func (s *Service) RequestWithdrawal(ctx context.Context, userID, cardID string, amount decimal.Decimal) (*models.Withdrawal, error) {
	if !amount.IsPositive() {
		return nil, invalid("amount", "must be positive")
	}
	card, err := s.activeCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}

	orderNo, err := s.ids.New(orderno.PrefixWithdrawal)
	if err != nil {
		return nil, err
	}
	w := &models.Withdrawal{
		UserID:          userID,
		CardID:          card.ID,
		MerchantOrderNo: orderNo,
		Amount:          amount,
		Fee:             s.fee,
		Currency:        card.Currency,
		Status:          models.WithdrawalPending,
	}
	tx := &models.Transaction{
		CardID:          card.ID,
		UserID:          userID,
		MerchantOrderNo: orderNo,
		Type:            models.TxWithdrawal,
		Amount:          amount,
		Fee:             s.fee,
		Currency:        card.Currency,
		Status:          models.TxPending,
		Description:     "withdrawal",
	}
	if err := s.store.CreateWithdrawal(ctx, w, tx); err != nil {
		return nil, fmt.Errorf("creating withdrawal: %w", err)
	}

	if s.withdrawals != nil {
		res, err := s.withdrawals.ProcessWithdrawal(ctx, issuerapi.WithdrawalOrder{
			MerchantOrderNo: orderNo,
			CardNo:          card.ExternalCardNo,
			Amount:          amount,
			Fee:             s.fee,
		})
		if err != nil {
			bg := context.WithoutCancel(ctx)
			if _, _, aerr := s.store.AdvanceWithdrawal(bg, orderNo, ledger.WithdrawalAdvance{
				Status: models.WithdrawalFailed,
				At:     s.clock.Now(),
			}); aerr != nil {
				s.logger.Error("marking withdrawal failed", slog.String("order_no", orderNo), slog.String("err", aerr.Error()))
			}
			s.fail(ctx, orderNo, err)
			return nil, fmt.Errorf("processing withdrawal: %w", err)
		}
		return s.resolveWithdrawal(ctx, orderNo, res)
	}

	return s.store.GetWithdrawalByOrderNo(ctx, orderNo)
}

// resolveWithdrawal applies the network's immediate answer. Webhooks for the same
// order are ordered against it by the ledger and change nothing further.
func (s *Service) resolveWithdrawal(ctx context.Context, orderNo string, res *issuerapi.WithdrawalResult) (*models.Withdrawal, error) {
	next := models.WithdrawalPending
	switch classify.Match(classify.Outcomes, res.Status, classify.Pending) {
	case classify.Processing:
		next = models.WithdrawalProcessing
	case classify.Success:
		next = models.WithdrawalCompleted
	case classify.Failed:
		next = models.WithdrawalFailed
	}
	w, _, err := ledger.ResolveWithdrawal(context.WithoutCancel(ctx), s.store, orderNo, ledger.WithdrawalAdvance{
		Status:          next,
		ActivationCode:  res.ActivationCode,
		ExternalOrderNo: res.OrderNo,
		At:              s.clock.Now(),
	}, "withdrawal "+res.Status)
	if err != nil {
		return nil, fmt.Errorf("resolving withdrawal %s: %w", orderNo, err)
	}
	s.logger.Info("withdrawal resolved", slog.String("order_no", orderNo), slog.String("status", string(w.Status)))
	return w, nil
}

// LatestChallenge hands out the newest pending 3DS challenge of a card once.
func (s *Service) LatestChallenge(ctx context.Context, userID, cardID string) (*models.ThreeDSChallenge, error) {
	card, err := s.issuedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	return s.store.ConsumeLatestChallenge(ctx, card.ExternalCardNo, s.clock.Now())
}

func (s *Service) GetCard(ctx context.Context, userID, cardID string) (*models.Card, error) {
	return s.ownedCard(ctx, userID, cardID)
}

func (s *Service) ListCards(ctx context.Context, userID string) ([]*models.Card, error) {
	return s.store.ListCards(ctx, userID)
}

// ListTransactions lists the user's ledger, optionally narrowed to one card.
func (s *Service) ListTransactions(ctx context.Context, userID, cardID string, limit, offset int) ([]*models.Transaction, int, error) {
	if cardID != "" {
		if _, err := s.ownedCard(ctx, userID, cardID); err != nil {
			return nil, 0, err
		}
	}
	return s.store.ListTransactions(ctx, ledger.TransactionFilter{
		UserID: userID,
		CardID: cardID,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Service) ListWithdrawals(ctx context.Context, userID string) ([]*models.Withdrawal, error) {
	return s.store.ListWithdrawals(ctx, userID)
}

// WebhookEvents returns the newest entries of the webhook audit log.
func (s *Service) WebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	return s.store.ListWebhookEvents(ctx, limit)
}

func (s *Service) WebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	return s.store.GetWebhookEvent(ctx, id)
}

type Dashboard struct {
	KYCStatus          string                    `json:"kyc_status"`
	TotalBalance       decimal.Decimal           `json:"total_balance"`
	CardCount          int                       `json:"card_count"`
	CardsByStatus      map[models.CardStatus]int `json:"cards_by_status"`
	RecentTransactions []*models.Transaction     `json:"recent_transactions"`
}

const dashboardRecent = 5

func (s *Service) Dashboard(ctx context.Context, userID string) (*Dashboard, error) {
	d := &Dashboard{
		KYCStatus:     "none",
		TotalBalance:  decimal.Zero,
		CardsByStatus: map[models.CardStatus]int{},
	}

	h, err := s.store.LatestHolder(ctx, userID)
	switch {
	case err == nil:
		d.KYCStatus = string(h.Status)
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, err
	}

	cards, err := s.store.ListCards(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range cards {
		d.CardCount++
		d.CardsByStatus[c.Status]++
		if c.Status != models.CardCancelled {
			d.TotalBalance = d.TotalBalance.Add(c.AvailableBalance)
		}
	}

	d.RecentTransactions, _, err = s.store.ListTransactions(ctx, ledger.TransactionFilter{UserID: userID, Limit: dashboardRecent})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) ownedCard(ctx context.Context, userID, cardID string) (*models.Card, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("card %s: %w", cardID, err)
	}
	if card.UserID != userID {
		return nil, fmt.Errorf("card %s: %w", cardID, ledger.ErrNotFound)
	}
	return card, nil
}

func (s *Service) issuedCard(ctx context.Context, userID, cardID string) (*models.Card, error) {
	card, err := s.ownedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	if card.ExternalCardNo == "" {
		return nil, stateErr("card %s is not issued yet", cardID)
	}
	return card, nil
}

func (s *Service) activeCard(ctx context.Context, userID, cardID string) (*models.Card, error) {
	card, err := s.issuedCard(ctx, userID, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status != models.CardActive {
		return nil, stateErr("card is %s", card.Status)
	}
	return card, nil
}

// fail marks the pending transaction of orderNo failed. It runs even when ctx was
// cancelled by the remote call it records.
func (s *Service) fail(ctx context.Context, orderNo string, cause error) {
	if _, _, err := s.store.FailTransaction(context.WithoutCancel(ctx), orderNo, cause.Error()); err != nil {
		s.logger.Error("marking transaction failed", slog.String("order_no", orderNo), slog.String("err", err.Error()))
	}
}
