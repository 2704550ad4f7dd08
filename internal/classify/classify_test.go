package classify

import (
	"testing"

	"github.com/alovak/cardbridge/ledger/models"
	"github.com/stretchr/testify/require"
)

func TestTables(t *testing.T) {
	require.Equal(t, models.TxRefund, Match(AuthTypes, "consumption_refund", models.TxPurchase))
	require.Equal(t, models.TxFee, Match(AuthTypes, "CROSS_BORDER_FEE", models.TxPurchase))
	require.Equal(t, models.TxPurchase, Match(AuthTypes, "consumption", models.TxPurchase))

	require.Equal(t, models.HolderRejected, Match(HolderStatuses, "REJECTED_DOCUMENT", models.HolderApproved))
	require.Equal(t, models.HolderRejected, Match(HolderStatuses, "verify_failed", models.HolderApproved))
	require.Equal(t, models.HolderApproved, Match(HolderStatuses, "VERIFIED", models.HolderApproved))
	require.Equal(t, models.HolderApproved, Match(HolderStatuses, "", models.HolderApproved))

	require.Equal(t, models.ChallengeOTP, Match(ChallengeKinds, "third_3ds_otp", models.ChallengeAuthURL))
	require.Equal(t, models.ChallengeAuthURL, Match(ChallengeKinds, "third_3ds_auth_url", models.ChallengeAuthURL))

	require.Equal(t, OpUnfreeze, Match(CardOperations, "unfreeze", OpUnknown))
	require.Equal(t, OpFreeze, Match(CardOperations, "freeze", OpUnknown))
	require.Equal(t, OpWithdrawal, Match(CardOperations, "ATM_WITHDRAWAL", OpUnknown))
	require.Equal(t, OpUnknown, Match(CardOperations, "cancel", OpUnknown))

	require.Equal(t, Success, Match(Outcomes, "SUCCESS", Pending))
	require.Equal(t, Success, Match(Outcomes, "completed", Pending))
	require.Equal(t, Failed, Match(Outcomes, "failed", Pending))
	require.Equal(t, Failed, Match(Outcomes, "cancelled", Pending))
	require.Equal(t, Processing, Match(Outcomes, "processing", Pending))
	require.Equal(t, Pending, Match(Outcomes, "wait", Pending))
}

func TestHolderDecisions(t *testing.T) {
	tests := []struct {
		status string
		want   models.HolderStatus
	}{
		{"approved", models.HolderApproved},
		{"VERIFIED", models.HolderApproved},
		{"success", models.HolderApproved},
		{"rejected", models.HolderRejected},
		{"verify_failed", models.HolderRejected},
		{"pending", ""},
		{"under_review", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			require.Equal(t, tt.want, Match(HolderDecisions, tt.status, ""))
		})
	}
}

func TestAuthStatus(t *testing.T) {
	require.Equal(t, models.TxSuccess, AuthStatus("success"))
	require.Equal(t, models.TxPending, AuthStatus("authorized"))
}
