package issuerapi

import (
	"context"
	"strconv"
	"time"

	"github.com/alovak/cardbridge/internal/metrics"
)

// Instrument wraps c so every call is counted and timed.
func Instrument(c Client, m *metrics.Metrics) Client {
	if m == nil {
		return c
	}
	return &instrumented{next: c, metrics: m, mode: string(c.Mode())}
}

type instrumented struct {
	next    Client
	metrics *metrics.Metrics
	mode    string
}

func call[T any](i *instrumented, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()
	i.metrics.ObserveIssuerCall(op, i.mode, resultLabel(err), time.Since(start))
	return out, err
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	code, ok := Code(err)
	switch {
	case !ok:
		return "error"
	case code == CodeNetwork:
		return "network_error"
	default:
		return strconv.Itoa(code)
	}
}

func (i *instrumented) Mode() Mode { return i.next.Mode() }

func (i *instrumented) ListAccounts(ctx context.Context) (*AccountList, error) {
	return call(i, "listAccounts", func() (*AccountList, error) { return i.next.ListAccounts(ctx) })
}

func (i *instrumented) ListCardTypes(ctx context.Context) (*CardTypeList, error) {
	return call(i, "listCardTypes", func() (*CardTypeList, error) { return i.next.ListCardTypes(ctx) })
}

func (i *instrumented) CreateHolder(ctx context.Context, req CreateHolderRequest) (*Holder, error) {
	return call(i, "createHolder", func() (*Holder, error) { return i.next.CreateHolder(ctx, req) })
}

func (i *instrumented) GetHolder(ctx context.Context, holderID string) (*Holder, error) {
	return call(i, "getHolder", func() (*Holder, error) { return i.next.GetHolder(ctx, holderID) })
}

func (i *instrumented) IssueCard(ctx context.Context, req IssueCardRequest) (*IssuedCard, error) {
	return call(i, "issueCard", func() (*IssuedCard, error) { return i.next.IssueCard(ctx, req) })
}

func (i *instrumented) DepositCard(ctx context.Context, req DepositRequest) (*Deposit, error) {
	return call(i, "depositCard", func() (*Deposit, error) { return i.next.DepositCard(ctx, req) })
}

func (i *instrumented) GetCardBalance(ctx context.Context, cardNo string) (*CardBalance, error) {
	return call(i, "getCardBalance", func() (*CardBalance, error) { return i.next.GetCardBalance(ctx, cardNo) })
}

func (i *instrumented) FreezeCard(ctx context.Context, req CardStatusRequest) (*CardStatus, error) {
	return call(i, "freezeCard", func() (*CardStatus, error) { return i.next.FreezeCard(ctx, req) })
}

func (i *instrumented) UnfreezeCard(ctx context.Context, req CardStatusRequest) (*CardStatus, error) {
	return call(i, "unfreezeCard", func() (*CardStatus, error) { return i.next.UnfreezeCard(ctx, req) })
}

func (i *instrumented) ListCardTransactions(ctx context.Context, q CardTransactionsQuery) (*CardTransactionPage, error) {
	return call(i, "listCardTransactions", func() (*CardTransactionPage, error) { return i.next.ListCardTransactions(ctx, q) })
}

func (i *instrumented) GetCardSensitiveInfo(ctx context.Context, cardNo string) (*CardSensitiveInfo, error) {
	return call(i, "getCardSensitiveInfo", func() (*CardSensitiveInfo, error) { return i.next.GetCardSensitiveInfo(ctx, cardNo) })
}

func (i *instrumented) GetWalletDepositAddress(ctx context.Context, req WalletDepositRequest) (*WalletDeposit, error) {
	return call(i, "getWalletDepositAddress", func() (*WalletDeposit, error) { return i.next.GetWalletDepositAddress(ctx, req) })
}

func (i *instrumented) ListWalletTransactions(ctx context.Context, q WalletTransactionsQuery) (*WalletTransactionPage, error) {
	return call(i, "listWalletTransactions", func() (*WalletTransactionPage, error) { return i.next.ListWalletTransactions(ctx, q) })
}
