package settlement

// State is where a settlement run stands. Failure states are terminal and are
// never retried automatically.
type State string

const (
	StateInit            State = "INIT"
	StatePay1Submitted   State = "PAY1_SUBMITTED"
	StateCheckCreated    State = "CHECK_CREATED"
	StateCheckDiscovered State = "CHECK_DISCOVERED"
	StatePay2Submitted   State = "PAY2_SUBMITTED"
	StateCashScheduled   State = "CASH_SCHEDULED"
	StateSettled         State = "SETTLED"

	StateTrustlineFailed   State = "TRUSTLINE_FAILED"
	StatePay1Failed        State = "PAY1_FAILED"
	StateCheckCreateFailed State = "CHECK_CREATE_FAILED"
	StateCheckNotFound     State = "CHECK_NOT_FOUND"
	StatePay2Failed        State = "PAY2_FAILED"
	StateCashFailed        State = "CASH_FAILED"
)

var states = map[State]bool{
	StateInit: true, StatePay1Submitted: true, StateCheckCreated: true,
	StateCheckDiscovered: true, StatePay2Submitted: true, StateCashScheduled: true,
	StateSettled: true, StateTrustlineFailed: true, StatePay1Failed: true,
	StateCheckCreateFailed: true, StateCheckNotFound: true, StatePay2Failed: true,
	StateCashFailed: true,
}

// ParseState accepts a state name as stored on a record.
func ParseState(s string) (State, bool) {
	state := State(s)
	return state, states[state]
}

func (s State) Failed() bool {
	switch s {
	case StateTrustlineFailed, StatePay1Failed, StateCheckCreateFailed,
		StateCheckNotFound, StatePay2Failed, StateCashFailed:
		return true
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateSettled || s.Failed()
}

// Step is one unit of work in a run.
type Step string

const (
	StepTrustlines  Step = "TRUSTLINES"
	StepPay1        Step = "PAY1"
	StepCheckCreate Step = "CHECK_CREATE"
	StepDiscovery   Step = "CHECK_DISCOVERY"
	StepPay2        Step = "PAY2"
	StepCheckCash   Step = "CHECK_CASH"
)

type transition struct {
	done   State
	failed State
}

var transitions = map[Step]transition{
	StepTrustlines:  {done: StateInit, failed: StateTrustlineFailed},
	StepPay1:        {done: StatePay1Submitted, failed: StatePay1Failed},
	StepCheckCreate: {done: StateCheckCreated, failed: StateCheckCreateFailed},
	StepDiscovery:   {done: StateCheckDiscovered, failed: StateCheckNotFound},
	StepPay2:        {done: StatePay2Submitted, failed: StatePay2Failed},
	StepCheckCash:   {done: StateSettled, failed: StateCashFailed},
}

// Done is the state reached when the step succeeds.
func (s Step) Done() State {
	return transitions[s].done
}

// Failed is the terminal state recorded when the step fails.
func (s Step) Failed() State {
	return transitions[s].failed
}
