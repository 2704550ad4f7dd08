package issuerapi

import "github.com/shopspring/decimal"

// Envelope wraps every issuer response.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Data    T      `json:"data"`
}

type Account struct {
	AccountID        string          `json:"accountId"`
	AccountName      string          `json:"accountName"`
	Currency         string          `json:"currency"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	FrozenBalance    decimal.Decimal `json:"frozenBalance"`
	TotalBalance     decimal.Decimal `json:"totalBalance"`
}

type AccountList struct {
	Records []Account `json:"records"`
}

// CardType describes an issuing program. RechargeFee is a percentage of the deposit.
type CardType struct {
	CardTypeID  string          `json:"cardTypeId"`
	Name        string          `json:"cardTypeName"`
	BankCardBIN string          `json:"bankCardBin"`
	Currency    string          `json:"currency"`
	MinAmount   decimal.Decimal `json:"minAmount"`
	MaxAmount   decimal.Decimal `json:"maxAmount"`
	IssueFee    decimal.Decimal `json:"issueFee"`
	RechargeFee decimal.Decimal `json:"rechargeFee"`
	MonthlyFee  decimal.Decimal `json:"monthlyFee"`
}

type CardTypeList struct {
	Records []CardType `json:"records"`
}

type CreateHolderRequest struct {
	MerchantOrderNo   string `json:"merchantOrderNo"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	DOB               string `json:"dob"`
	Nationality       string `json:"nationality"`
	MobileAreaCode    string `json:"mobileAreaCode,omitempty"`
	MobilePhoneNumber string `json:"mobilePhoneNumber,omitempty"`
	Email             string `json:"email,omitempty"`
	Address           string `json:"address,omitempty"`
	City              string `json:"city,omitempty"`
	State             string `json:"state,omitempty"`
	PostalCode        string `json:"postalCode,omitempty"`
	IDType            string `json:"idType,omitempty"`
	IDNumber          string `json:"idNumber,omitempty"`
	IDFrontURL        string `json:"idFrontUrl,omitempty"`
	IDBackURL         string `json:"idBackUrl,omitempty"`
	SelfieURL         string `json:"selfieUrl,omitempty"`
}

type Holder struct {
	HolderID        string `json:"holderId"`
	MerchantOrderNo string `json:"merchantOrderNo,omitempty"`
	Status          string `json:"status"`
	// Description explains a rejection.
	Description     string `json:"description,omitempty"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
}

type IssueCardRequest struct {
	MerchantOrderNo string          `json:"merchantOrderNo"`
	CardTypeID      string          `json:"cardTypeId"`
	Amount          decimal.Decimal `json:"amount"`
	AccountID       string          `json:"accountId"`
	HolderID        string          `json:"holderId"`
}

type IssuedCard struct {
	CardNo          string          `json:"cardNo"`
	OrderNo         string          `json:"orderNo"`
	MerchantOrderNo string          `json:"merchantOrderNo"`
	BankCardBIN     string          `json:"bankCardBin"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
}

type DepositRequest struct {
	MerchantOrderNo string          `json:"merchantOrderNo"`
	CardNo          string          `json:"cardNo"`
	Amount          decimal.Decimal `json:"amount"`
	AccountID       string          `json:"accountId"`
}

type Deposit struct {
	OrderNo         string          `json:"orderNo"`
	MerchantOrderNo string          `json:"merchantOrderNo"`
	CardNo          string          `json:"cardNo"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
}

type CardBalance struct {
	CardNo           string          `json:"cardNo"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	FrozenBalance    decimal.Decimal `json:"frozenBalance"`
	Currency         string          `json:"currency"`
}

// CardStatusRequest freezes or unfreezes a card.
type CardStatusRequest struct {
	MerchantOrderNo string `json:"merchantOrderNo"`
	CardNo          string `json:"cardNo"`
}

type CardStatus struct {
	CardNo          string `json:"cardNo"`
	MerchantOrderNo string `json:"merchantOrderNo"`
	Status          string `json:"status"`
}

type CardTransactionsQuery struct {
	CardNo   string `json:"cardNo"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

// CardTransaction is one operation on a card. TransactionTime is in unix milliseconds.
type CardTransaction struct {
	TradeNo         string          `json:"tradeNo"`
	MerchantOrderNo string          `json:"merchantOrderNo,omitempty"`
	Type            string          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	MerchantName    string          `json:"merchantName,omitempty"`
	TransactionTime int64           `json:"transactionTime"`
}

type CardTransactionPage struct {
	Records  []CardTransaction `json:"records"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}

type CardSensitiveInfo struct {
	CardNo     string `json:"cardNo"`
	CVV        string `json:"cvv"`
	ExpireDate string `json:"expireDate"`
	HolderName string `json:"holderName"`
}

type WalletDepositRequest struct {
	MerchantOrderNo string          `json:"merchantOrderNo"`
	Amount          decimal.Decimal `json:"amount"`
	Chain           string          `json:"chain"`
}

type WalletDeposit struct {
	ToAddress           string          `json:"toAddress"`
	Chain               string          `json:"chain"`
	Amount              decimal.Decimal `json:"amount"`
	ActualDepositAmount decimal.Decimal `json:"actualDepositAmount"`
	OrderNo             string          `json:"orderNo"`
	MerchantOrderNo     string          `json:"merchantOrderNo"`
	ExpireSecond        int             `json:"expireSecond"`
	Status              string          `json:"status"`
}

type WalletTransactionsQuery struct {
	Page      int    `json:"page"`
	PageSize  int    `json:"pageSize"`
	Type      string `json:"type,omitempty"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
}

type WalletTransaction struct {
	OrderNo   string          `json:"orderNo"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Chain     string          `json:"chain"`
	Status    string          `json:"status"`
	TxHash    string          `json:"txHash"`
	CreatedAt int64           `json:"createdAt"`
}

type WalletTransactionPage struct {
	Records  []WalletTransaction `json:"records"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"pageSize"`
}

// Chains accepted for wallet deposits.
const (
	ChainTRC20 = "TRC20"
	ChainBEP20 = "BEP20"
	ChainERC20 = "ERC20"
)

const DefaultPageSize = 20

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	return page, size
}
