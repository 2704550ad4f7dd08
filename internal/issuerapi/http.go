package issuerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alovak/cardbridge/internal/signature"
)

const (
	DefaultTimeout = 30 * time.Second

	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Signature"

	maxResponseBytes = 4 << 20
)

// Endpoint paths relative to the API base URL.
const (
	PathAccountList          = "/merchant/core/mcb/account/list"
	PathCardTypes            = "/merchant/core/mcb/card/v2/cardTypes"
	PathHolderCreate         = "/merchant/core/mcb/card/holder/v2/create"
	PathHolderInfo           = "/merchant/core/mcb/card/holder/v2/info"
	PathCardCreate           = "/merchant/core/mcb/card/v2/createCard"
	PathCardDeposit          = "/merchant/core/mcb/card/deposit"
	PathCardBalance          = "/merchant/core/mcb/card/balance"
	PathCardFreeze           = "/merchant/core/mcb/card/freezeCard"
	PathCardUnfreeze         = "/merchant/core/mcb/card/unFreezeCard"
	PathCardTransactions     = "/merchant/core/mcb/card/operationTransactionV2"
	PathCardInfo             = "/merchant/core/mcb/card/v2/info"
	PathWalletDeposit        = "/merchant/core/mcb/account/walletDeposit"
	PathWalletDepositHistory = "/merchant/core/mcb/account/walletDepositTransaction"
)

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Signer  *signature.Signer
	Timeout time.Duration
	HTTP    *http.Client
}

// HTTPClient calls the live issuing network.
type HTTPClient struct {
	base   string
	apiKey string
	signer *signature.Signer
	http   *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	hc := cfg.HTTP
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		signer: cfg.Signer,
		http:   hc,
	}
}

func (c *HTTPClient) Mode() Mode { return ModeReal }

// post signs the serialized request, sends exactly those bytes and decodes the
// envelope's data into out.
func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, sig, err := c.signer.SignJSON(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAPIKey, c.apiKey)
	req.Header.Set(HeaderSignature, sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Code: CodeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &APIError{Code: CodeNetwork, Message: fmt.Sprintf("reading response: %v", err)}
	}

	var env Envelope[json.RawMessage]
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Code: resp.StatusCode, Message: fmt.Sprintf("HTTP %d", resp.StatusCode), Raw: raw}
		if decodeErr == nil && env.Msg != "" {
			apiErr.Message = env.Msg
		}
		return apiErr
	}
	if decodeErr != nil {
		return &APIError{Code: CodeNetwork, Message: fmt.Sprintf("decoding response: %v", decodeErr), Raw: raw}
	}
	if !env.Success {
		code := env.Code
		if code == 0 {
			code = http.StatusBadRequest
		}
		msg := env.Msg
		if msg == "" {
			msg = "issuer request failed"
		}
		return &APIError{Code: code, Message: msg, Raw: raw}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &APIError{Code: CodeNetwork, Message: fmt.Sprintf("decoding response data: %v", err), Raw: raw}
	}
	return nil
}

func (c *HTTPClient) ListAccounts(ctx context.Context) (*AccountList, error) {
	out := &AccountList{}
	if err := c.post(ctx, PathAccountList, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) ListCardTypes(ctx context.Context) (*CardTypeList, error) {
	out := &CardTypeList{}
	if err := c.post(ctx, PathCardTypes, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) CreateHolder(ctx context.Context, req CreateHolderRequest) (*Holder, error) {
	out := &Holder{}
	if err := c.post(ctx, PathHolderCreate, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GetHolder(ctx context.Context, holderID string) (*Holder, error) {
	out := &Holder{}
	if err := c.post(ctx, PathHolderInfo, map[string]string{"holderId": holderID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) IssueCard(ctx context.Context, req IssueCardRequest) (*IssuedCard, error) {
	out := &IssuedCard{}
	if err := c.post(ctx, PathCardCreate, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) DepositCard(ctx context.Context, req DepositRequest) (*Deposit, error) {
	out := &Deposit{}
	if err := c.post(ctx, PathCardDeposit, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GetCardBalance(ctx context.Context, cardNo string) (*CardBalance, error) {
	out := &CardBalance{}
	if err := c.post(ctx, PathCardBalance, map[string]string{"cardNo": cardNo}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) FreezeCard(ctx context.Context, req CardStatusRequest) (*CardStatus, error) {
	out := &CardStatus{}
	if err := c.post(ctx, PathCardFreeze, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) UnfreezeCard(ctx context.Context, req CardStatusRequest) (*CardStatus, error) {
	out := &CardStatus{}
	if err := c.post(ctx, PathCardUnfreeze, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) ListCardTransactions(ctx context.Context, q CardTransactionsQuery) (*CardTransactionPage, error) {
	q.Page, q.PageSize = normalizePage(q.Page, q.PageSize)
	out := &CardTransactionPage{}
	if err := c.post(ctx, PathCardTransactions, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GetCardSensitiveInfo(ctx context.Context, cardNo string) (*CardSensitiveInfo, error) {
	out := &CardSensitiveInfo{}
	if err := c.post(ctx, PathCardInfo, map[string]string{"cardNo": cardNo}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GetWalletDepositAddress(ctx context.Context, req WalletDepositRequest) (*WalletDeposit, error) {
	if req.Chain == "" {
		req.Chain = ChainTRC20
	}
	out := &WalletDeposit{}
	if err := c.post(ctx, PathWalletDeposit, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) ListWalletTransactions(ctx context.Context, q WalletTransactionsQuery) (*WalletTransactionPage, error) {
	q.Page, q.PageSize = normalizePage(q.Page, q.PageSize)
	out := &WalletTransactionPage{}
	if err := c.post(ctx, PathWalletDepositHistory, q, out); err != nil {
		return nil, err
	}
	return out, nil
}
