package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type HolderStatus string

const (
	HolderPending   HolderStatus = "pending"
	HolderSubmitted HolderStatus = "submitted"
	HolderApproved  HolderStatus = "approved"
	HolderRejected  HolderStatus = "rejected"
)

// Identity is the KYC subject data submitted to the issuer.
type Identity struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	DOB            string `json:"dob"`
	Nationality    string `json:"nationality"`
	MobileAreaCode string `json:"mobile_area_code,omitempty"`
	MobilePhone    string `json:"mobile_phone,omitempty"`
	Email          string `json:"email,omitempty"`
	Address        string `json:"address,omitempty"`
	City           string `json:"city,omitempty"`
	State          string `json:"state,omitempty"`
	PostalCode     string `json:"postal_code,omitempty"`
	IDType         string `json:"id_type,omitempty"`
	IDNumber       string `json:"id_number,omitempty"`
	IDFrontURL     string `json:"id_front_url,omitempty"`
	IDBackURL      string `json:"id_back_url,omitempty"`
	SelfieURL      string `json:"selfie_url,omitempty"`
}

// Holder is a KYC record. ExternalHolderID is set once the issuer accepted the
// submission, after which the status is never pending.
type Holder struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id"`
	MerchantOrderNo  string       `json:"merchant_order_no"`
	ExternalHolderID string       `json:"external_holder_id,omitempty"`
	Identity         Identity     `json:"identity"`
	Status           HolderStatus `json:"status"`
	RejectReason     string       `json:"reject_reason,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

type CardStatus string

const (
	CardPending   CardStatus = "pending"
	CardActive    CardStatus = "active"
	CardFrozen    CardStatus = "frozen"
	CardCancelled CardStatus = "cancelled"
)

// Card mirrors a virtual card. ExternalCardNo is set once issued, after which the
// status is never pending. StatusChangedAt orders competing status writes.
type Card struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	HolderID         string          `json:"holder_id"`
	MerchantOrderNo  string          `json:"merchant_order_no"`
	ExternalCardNo   string          `json:"-"`
	BIN              string          `json:"bin,omitempty"`
	Last4            string          `json:"last4,omitempty"`
	CardTypeID       string          `json:"card_type_id"`
	CardTypeName     string          `json:"card_type_name,omitempty"`
	Status           CardStatus      `json:"status"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	Currency         string          `json:"currency"`
	StatusChangedAt  time.Time       `json:"status_changed_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxPurchase   TransactionType = "purchase"
	TxRefund     TransactionType = "refund"
	TxFee        TransactionType = "fee"
	TxCreate     TransactionType = "create"
)

// Credits reports whether settling a transaction of this type adds to the card balance.
func (t TransactionType) Credits() bool {
	return t == TxCreate || t == TxDeposit
}

// Debits reports whether settling a transaction of this type takes from the card balance.
func (t TransactionType) Debits() bool {
	return t == TxWithdrawal
}

type TransactionStatus string

const (
	TxPending TransactionStatus = "pending"
	TxSuccess TransactionStatus = "success"
	TxFailed  TransactionStatus = "failed"
)

// Transaction is a ledger entry. Once successful its amounts never change.
type Transaction struct {
	ID              string            `json:"id"`
	CardID          string            `json:"card_id"`
	UserID          string            `json:"user_id"`
	ExternalTxID    string            `json:"external_tx_id,omitempty"`
	MerchantOrderNo string            `json:"merchant_order_no,omitempty"`
	Type            TransactionType   `json:"type"`
	Amount          decimal.Decimal   `json:"amount"`
	Fee             decimal.Decimal   `json:"fee"`
	Currency        string            `json:"currency"`
	Status          TransactionStatus `json:"status"`
	MerchantName    string            `json:"merchant_name,omitempty"`
	Description     string            `json:"description,omitempty"`
	TransactionTime time.Time         `json:"transaction_time"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// Rank orders withdrawal states. A withdrawal only moves to a higher rank.
func (s WithdrawalStatus) Rank() int {
	switch s {
	case WithdrawalPending:
		return 0
	case WithdrawalProcessing:
		return 1
	case WithdrawalCompleted, WithdrawalFailed:
		return 2
	}
	return -1
}

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed
}

type Withdrawal struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	CardID          string           `json:"card_id"`
	MerchantOrderNo string           `json:"merchant_order_no"`
	ExternalOrderNo string           `json:"external_order_no,omitempty"`
	Amount          decimal.Decimal  `json:"amount"`
	Fee             decimal.Decimal  `json:"fee"`
	Currency        string           `json:"currency"`
	Status          WithdrawalStatus `json:"status"`
	ActivationCode  string           `json:"activation_code,omitempty"`
	Description     string           `json:"description,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type ChallengeKind string

const (
	ChallengeOTP     ChallengeKind = "otp"
	ChallengeAuthURL ChallengeKind = "auth_url"
)

type ThreeDSChallenge struct {
	ID        string        `json:"id"`
	CardNo    string        `json:"-"`
	TradeNo   string        `json:"trade_no,omitempty"`
	Kind      ChallengeKind `json:"kind"`
	Value     string        `json:"value"`
	IsRead    bool          `json:"is_read"`
	ExpiresAt time.Time     `json:"expires_at"`
	CreatedAt time.Time     `json:"created_at"`
}

type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "received"
	WebhookProcessed WebhookStatus = "processed"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookEvent is the permanent audit row of an inbound delivery.
type WebhookEvent struct {
	ID           string        `json:"id"`
	Category     string        `json:"category"`
	Payload      string        `json:"payload"`
	Fingerprint  string        `json:"fingerprint"`
	Status       WebhookStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ReceivedAt   time.Time     `json:"received_at"`
	ProcessedAt  *time.Time    `json:"processed_at,omitempty"`
}
