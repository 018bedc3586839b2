package credit

import "time"

// Transaction kinds recorded in the audit log.
const (
	KindAllocation = "allocation"
	KindDeduction  = "deduction"
	KindRefund     = "refund"
	KindAdjustment = "adjustment"
)

// TeamCredit is the ledger row for one team. Remaining balance is always
// derived from allocated and used; it is never stored independently.
type TeamCredit struct {
	TeamID           string         `json:"team_id"`
	Allocated        int64          `json:"credits_allocated"`
	Used             int64          `json:"credits_used"`
	AllowOverdraft   bool           `json:"allow_overdraft"`
	AutoRefillAmount int64          `json:"auto_refill_amount"`
	AutoRefillPeriod time.Duration  `json:"auto_refill_period"`
	LastRefillAt     *time.Time     `json:"last_refill_at,omitempty"`
	Version          int64          `json:"-"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Remaining returns the derived balance.
func (tc *TeamCredit) Remaining() int64 {
	return tc.Allocated - tc.Used
}

// Transaction is one append-only audit entry for a ledger mutation. Amount is
// the net effect on the remaining balance (negative for deductions).
type Transaction struct {
	ID            string    `json:"id"`
	TeamID        string    `json:"team_id"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	JobID         string    `json:"job_id,omitempty"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// Balance is the read-only view returned by Ledger.Balance.
type Balance struct {
	TeamID    string `json:"team_id"`
	Allocated int64  `json:"credits_allocated"`
	Used      int64  `json:"credits_used"`
	Remaining int64  `json:"credits_remaining"`
}

// TransactionListParams controls cursor-based pagination for the audit log.
type TransactionListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
