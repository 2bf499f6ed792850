package settlement

import (
	"time"

	"github.com/ksred/klear-settlement/internal/ledger"
)

// Settlement is the persisted trail of one run: every transition and the
// hash of every ledger transaction it produced.
type Settlement struct {
	ID                uint       `gorm:"primaryKey" json:"-"`
	SettlementID      string     `gorm:"uniqueIndex" json:"settlement_id"`
	ContractHash      string     `gorm:"uniqueIndex" json:"contract_hash"`
	ContractName      string     `json:"contract_name,omitempty"`
	State             State      `gorm:"index" json:"state"`
	CurrentStep       Step       `json:"current_step,omitempty"`
	FailedStep        Step       `json:"failed_step,omitempty"`
	Error             string     `json:"error,omitempty"`
	OperatorAddress   string     `json:"operator_address"`
	ClientAddress     string     `json:"client_address"`
	Pay1TxHash        string     `json:"pay1_tx_hash,omitempty"`
	CheckCreateTxHash string     `json:"check_create_tx_hash,omitempty"`
	CheckID           string     `json:"check_id,omitempty"`
	Pay2TxHash        string     `json:"pay2_tx_hash,omitempty"`
	CheckCashTxHash   string     `json:"check_cash_tx_hash,omitempty"`
	CashNotBefore     *time.Time `json:"cash_not_before,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Result is returned to the requester when a run settles.
type Result struct {
	Status        string                   `json:"status"`
	CheckCreateTx *ledger.SubmissionResult `json:"checkCreateTx"`
	CheckCashTx   *ledger.SubmissionResult `json:"checkCashTx"`
}

const StatusDone = "done"
