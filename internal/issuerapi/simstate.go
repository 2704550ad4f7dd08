package issuerapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SimAccountID = "SIM-ACC-001"

	CardTypeVisaStandard = "CT-VISA-001"
	CardTypeMCPremium    = "CT-MC-001"
	CardTypeVisa3DS      = "CT-VISA-002"

	walletDepositExpiry = 1800
)

var walletAddresses = map[string]string{
	ChainTRC20: "TN7gR3BKxMqJbz9WbXPvVzMEFGFHnLWoMR",
	ChainBEP20: "0x742d35Cc6634C0532925a3b844Bc9e7595f2bD18",
	ChainERC20: "0x8Ba1f109551bD432803012645Ac136ddd64DBA72",
}

func defaultCardTypes(currency string) []CardType {
	d := decimal.RequireFromString
	return []CardType{
		{
			CardTypeID: CardTypeVisaStandard, Name: "Visa Virtual Standard", BankCardBIN: "4859", Currency: currency,
			MinAmount: d("5"), MaxAmount: d("10000"), IssueFee: d("1.5"), RechargeFee: d("1.0"), MonthlyFee: d("0"),
		},
		{
			CardTypeID: CardTypeMCPremium, Name: "Mastercard Virtual Premium", BankCardBIN: "5329", Currency: currency,
			MinAmount: d("10"), MaxAmount: d("50000"), IssueFee: d("2.0"), RechargeFee: d("0.8"), MonthlyFee: d("1.0"),
		},
		{
			CardTypeID: CardTypeVisa3DS, Name: "Visa Virtual 3DS", BankCardBIN: "4532", Currency: currency,
			MinAmount: d("5"), MaxAmount: d("20000"), IssueFee: d("2.0"), RechargeFee: d("1.0"), MonthlyFee: d("0.5"),
		},
	}
}

type simCard struct {
	cardNo     string
	cardTypeID string
	holderID   string
	bin        string
	balance    decimal.Decimal
	currency   string
	status     string
	issuedAt   time.Time
	expiryYYMM string
	history    []CardTransaction
}

type simOrder struct {
	op          string
	fingerprint string
	result      any
}

// simState is owned by one Simulator and only touched with its mutex held.
type simState struct {
	balance   decimal.Decimal
	cardTypes []CardType
	holders   map[string]*Holder
	cards     map[string]*simCard
	orders    map[string]simOrder
	wallet    []WalletTransaction
	seq       int
	holderSeq int
}

func newSimState(balance decimal.Decimal, currency string) *simState {
	return &simState{
		balance:   balance,
		cardTypes: defaultCardTypes(currency),
		holders:   make(map[string]*Holder),
		cards:     make(map[string]*simCard),
		orders:    make(map[string]simOrder),
	}
}

func (st *simState) cardType(id string) (CardType, bool) {
	if id == "" {
		id = CardTypeVisaStandard
	}
	for _, ct := range st.cardTypes {
		if ct.CardTypeID == id {
			return ct, true
		}
	}
	return CardType{}, false
}

func (st *simState) next(prefix string) string {
	st.seq++
	return fmt.Sprintf("%s-%08d", prefix, st.seq)
}

// replay returns the recorded result for a merchant order number, if any. The same
// request replays the original result; a different request under the same number
// is a duplicate order.
func replay[T any](st *simState, orderNo, op string, req any) (*T, error) {
	rec, ok := st.orders[orderNo]
	if !ok {
		return nil, nil
	}
	result, isT := rec.result.(T)
	if rec.op != op || !isT || rec.fingerprint != fingerprint(req) {
		return nil, newError(CodeDuplicateOrder, "merchant order number %s already used", orderNo)
	}
	return &result, nil
}

func record[T any](st *simState, orderNo, op string, req any, result T) {
	st.orders[orderNo] = simOrder{op: op, fingerprint: fingerprint(req), result: result}
}

func fingerprint(req any) string {
	b, _ := json.Marshal(req)
	return string(b)
}

func paginate[T any](records []T, page, size int) ([]T, int, int) {
	page, size = normalizePage(page, size)
	start := (page - 1) * size
	if start >= len(records) {
		return []T{}, page, size
	}
	end := start + size
	if end > len(records) {
		end = len(records)
	}
	return append([]T(nil), records[start:end]...), page, size
}
