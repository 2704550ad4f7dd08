// Package classify maps the issuer's free-form type and status strings onto local
// categories.
//
// Each table is an ordered list of keyword rules. Match lowercases the input and
// returns the value of the first rule whose keyword it contains, so a more
// specific keyword must precede any keyword it contains ("unfreeze" before
// "freeze").
package classify

import (
	"strings"

	"github.com/alovak/cardbridge/ledger/models"
)

type Rule[T any] struct {
	Keyword string
	Value   T
}

func Match[T any](table []Rule[T], input string, fallback T) T {
	s := strings.ToLower(strings.TrimSpace(input))
	for _, r := range table {
		if strings.Contains(s, r.Keyword) {
			return r.Value
		}
	}
	return fallback
}

// AuthTypes classifies card_auth_transaction types. Anything else is a purchase.
var AuthTypes = []Rule[models.TransactionType]{
	{"refund", models.TxRefund},
	{"fee", models.TxFee},
}

// HolderStatuses classifies card_holder webhook statuses. A holder event that is
// not a rejection is an approval.
var HolderStatuses = []Rule[models.HolderStatus]{
	{"reject", models.HolderRejected},
	{"fail", models.HolderRejected},
}

// HolderDecisions classifies the status the issuer returns when a holder is
// created or queried. Unmatched statuses are not a decision yet.
var HolderDecisions = []Rule[models.HolderStatus]{
	{"reject", models.HolderRejected},
	{"fail", models.HolderRejected},
	{"approv", models.HolderApproved},
	{"verified", models.HolderApproved},
	{"success", models.HolderApproved},
}

// ChallengeKinds classifies card_3ds_transaction types. Anything else is an auth URL.
var ChallengeKinds = []Rule[models.ChallengeKind]{
	{"otp", models.ChallengeOTP},
}

type Operation string

const (
	OpUnknown    Operation = ""
	OpCreate     Operation = "create"
	OpDeposit    Operation = "deposit"
	OpFreeze     Operation = "freeze"
	OpUnfreeze   Operation = "unfreeze"
	OpWithdrawal Operation = "withdrawal"
)

// CardOperations classifies card_transaction types.
var CardOperations = []Rule[Operation]{
	{"unfreeze", OpUnfreeze},
	{"freeze", OpFreeze},
	{"create", OpCreate},
	{"deposit", OpDeposit},
	{"recharge", OpDeposit},
	{"withdraw", OpWithdrawal},
	{"atm", OpWithdrawal},
}

type Outcome int

const (
	Pending Outcome = iota
	Processing
	Success
	Failed
)

// Outcomes classifies the status of card operations, both in synchronous
// responses and in card_transaction events.
var Outcomes = []Rule[Outcome]{
	{"success", Success},
	{"complete", Success},
	{"fail", Failed},
	{"reject", Failed},
	{"cancel", Failed},
	{"process", Processing},
}

// AuthStatus records an authorization as success only when the network says so.
func AuthStatus(status string) models.TransactionStatus {
	if strings.EqualFold(strings.TrimSpace(status), "success") {
		return models.TxSuccess
	}
	return models.TxPending
}
