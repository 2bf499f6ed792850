package settlement

import (
	"time"
)

// DefaultCashDelay is how long the operator waits before cashing the check
// when the request does not say.
const DefaultCashDelay = 120 * time.Second

// Party is an account taking part in a settlement. Seed is only needed for
// parties that sign.
type Party struct {
	Address string
	Seed    string
}

// Leg is an amount in a human currency name, e.g. "10" "RLUSD".
type Leg struct {
	Amount   string
	Currency string
}

// ContractMetadata describes the contract being settled. It is informational.
type ContractMetadata struct {
	Name          string  `json:"name"`
	StartDate     string  `json:"start_date"`
	EndDate       string  `json:"end_date"`
	Description   string  `json:"description"`
	ApprovalRatio float64 `json:"approval_ratio"`
	Emergency     bool    `json:"emergency"`
	CompanyID     int64   `json:"company_id"`
	CosecID       int64   `json:"cosec_id"`
	Type          int     `json:"type"`
}

// Request is one settlement to run. It lives only as long as the run and is
// never persisted.
type Request struct {
	ContractHash string
	Issuer       string

	Operator Party
	Client   Party
	Broker1  Party
	Broker2  Party

	Payment1 Leg
	// CheckSendMax is the check the client writes to the operator.
	CheckSendMax Leg
	// CheckAmount is the value the check is looked up by, in CheckSendMax's
	// currency.
	CheckAmount string
	Payment2    Leg
	CheckCash   Leg

	DestinationTag  *uint32
	CheckExpiration *uint32
	CashDelay       time.Duration

	EnsureTrustlines bool
	TrustlineLimit   string

	Contract *ContractMetadata
}

func (r Request) contractName() string {
	if r.Contract == nil {
		return ""
	}
	return r.Contract.Name
}
