// Package issuerapi is the outbound client of the card issuing network.
//
// Client has two implementations. HTTPClient talks to the live network with signed
// requests. Simulator keeps an in-memory model of the merchant account and its cards
// for development and tests. Both return the same types, so callers never know which
// one they hold. The implementation is chosen once by New and injected.
package issuerapi

import (
	"context"
	"fmt"
	"time"

	"github.com/alovak/cardbridge/internal/signature"
	"golang.org/x/exp/slog"
)

type Mode string

const (
	ModeReal      Mode = "real"
	ModeSimulated Mode = "simulated"
)

// Client is the capability interface of the issuing network.
// Every state-changing request carries a caller-supplied merchant order number.
type Client interface {
	Mode() Mode

	ListAccounts(ctx context.Context) (*AccountList, error)
	ListCardTypes(ctx context.Context) (*CardTypeList, error)

	CreateHolder(ctx context.Context, req CreateHolderRequest) (*Holder, error)
	GetHolder(ctx context.Context, holderID string) (*Holder, error)

	IssueCard(ctx context.Context, req IssueCardRequest) (*IssuedCard, error)
	DepositCard(ctx context.Context, req DepositRequest) (*Deposit, error)
	GetCardBalance(ctx context.Context, cardNo string) (*CardBalance, error)
	FreezeCard(ctx context.Context, req CardStatusRequest) (*CardStatus, error)
	UnfreezeCard(ctx context.Context, req CardStatusRequest) (*CardStatus, error)
	ListCardTransactions(ctx context.Context, q CardTransactionsQuery) (*CardTransactionPage, error)
	GetCardSensitiveInfo(ctx context.Context, cardNo string) (*CardSensitiveInfo, error)

	GetWalletDepositAddress(ctx context.Context, req WalletDepositRequest) (*WalletDeposit, error)
	ListWalletTransactions(ctx context.Context, q WalletTransactionsQuery) (*WalletTransactionPage, error)
}

type Config struct {
	APIURL     string
	APIKey     string
	PrivateKey string
	Timeout    time.Duration

	Simulation SimulationConfig
}

// SelectMode is a pure function of configuration: a live API key means the real network.
func SelectMode(cfg Config) Mode {
	if cfg.APIKey != "" {
		return ModeReal
	}
	return ModeSimulated
}

// New builds the client for the configured mode. Real mode requires the API URL and
// the merchant private key. A missing key is a *signature.ConfigError.
func New(cfg Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if SelectMode(cfg) == ModeSimulated {
		logger.Info("issuer client running in simulated mode")
		return NewSimulator(cfg.Simulation, logger), nil
	}

	if cfg.APIURL == "" {
		return nil, fmt.Errorf("issuer api url is required when an api key is set")
	}
	signer, err := signature.NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	logger.Info("issuer client running in real mode", slog.String("url", cfg.APIURL))
	return NewHTTPClient(HTTPConfig{
		BaseURL: cfg.APIURL,
		APIKey:  cfg.APIKey,
		Signer:  signer,
		Timeout: cfg.Timeout,
	}), nil
}
