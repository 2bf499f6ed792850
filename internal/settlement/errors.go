package settlement

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrDuplicateSettlement is returned when a contract hash already has a
// record. It matches gorm.ErrDuplicatedKey so HTTP callers get a conflict.
var ErrDuplicateSettlement = fmt.Errorf("settlement already recorded for contract: %w", gorm.ErrDuplicatedKey)

// StepError reports a run that stopped in a failure state. Completed lists
// the steps whose ledger effects already happened and are not reversed.
type StepError struct {
	ContractHash string
	Step         Step
	State        State
	LastState    State
	Completed    []Step
	CheckID      string
	Err          error
}

func (e *StepError) Error() string {
	done := make([]string, len(e.Completed))
	for i, s := range e.Completed {
		done[i] = string(s)
	}
	return fmt.Sprintf("settlement %s failed at %s (%s, last state %s, completed [%s]): %v",
		e.ContractHash, e.Step, e.State, e.LastState, strings.Join(done, " "), e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
