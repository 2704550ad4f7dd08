package issuerapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Webhook categories, carried in the X-Category header.
const (
	CategoryCardTransaction     = "card_transaction"
	CategoryCardAuthTransaction = "card_auth_transaction"
	CategoryCard3DSTransaction  = "card_3ds_transaction"
	CategoryCardHolder          = "card_holder"
)

// 3DS challenge types sent in card_3ds_transaction events.
const (
	ThreeDSTypeOTP     = "third_3ds_otp"
	ThreeDSTypeAuthURL = "third_3ds_auth_url"
)

// Millis is a unix millisecond timestamp. It decodes from a JSON number or a numeric string.
type Millis int64

func MillisOf(t time.Time) Millis { return Millis(t.UnixMilli()) }

func (m Millis) Time() time.Time { return time.UnixMilli(int64(m)).UTC() }

func (m Millis) IsZero() bool { return m == 0 }

func (m *Millis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" || string(b) == `""` {
		*m = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid millisecond timestamp %q", b)
	}
	*m = Millis(v)
	return nil
}

// CardTransactionEvent is the card_transaction payload: create, deposit, freeze,
// unfreeze and withdrawal operations.
type CardTransactionEvent struct {
	OrderNo         string          `json:"orderNo,omitempty"`
	MerchantOrderNo string          `json:"merchantOrderNo,omitempty"`
	CardNo          string          `json:"cardNo,omitempty"`
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	Currency        string          `json:"currency,omitempty"`
	ActivationCode  string          `json:"activationCode,omitempty"`
	Description     string          `json:"description,omitempty"`
	TransactionTime Millis          `json:"transactionTime,omitempty"`
}

// AuthTransactionEvent is the card_auth_transaction payload.
type AuthTransactionEvent struct {
	TradeNo         string          `json:"tradeNo"`
	CardNo          string          `json:"cardNo"`
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency,omitempty"`
	MerchantName    string          `json:"merchantName,omitempty"`
	TransactionTime Millis          `json:"transactionTime,omitempty"`
}

// ThreeDSEvent is the card_3ds_transaction payload. Values holds the OTP or the URL.
type ThreeDSEvent struct {
	CardNo  string `json:"cardNo"`
	TradeNo string `json:"tradeNo,omitempty"`
	Type    string `json:"type"`
	Values  string `json:"values"`
}

// HolderEvent is the card_holder payload.
type HolderEvent struct {
	HolderID        string `json:"holderId"`
	MerchantOrderNo string `json:"merchantOrderNo,omitempty"`
	Status          string `json:"status"`
	Description     string `json:"description,omitempty"`
}
