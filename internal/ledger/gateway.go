// Package ledger is the boundary to the XRP Ledger: the operation and object
// types the settlement flow works with, the Gateway contract and its rippled
// and simulated implementations.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Gateway is everything the settlement flow needs from the ledger. It is
// shared by all concurrent settlements.
type Gateway interface {
	// Wallet resolves the signing identity for a secret seed.
	Wallet(ctx context.Context, seed string) (Wallet, error)
	// Submit signs op as signer and blocks until the ledger has validated it.
	Submit(ctx context.Context, op Operation, signer Wallet) (*SubmissionResult, error)
	// AccountLines lists the trust lines of account.
	AccountLines(ctx context.Context, account string) ([]TrustLine, error)
	// AccountChecks lists the check objects owned by account.
	AccountChecks(ctx context.Context, account string) ([]Check, error)
}

// Wallet is a signing identity. The seed is kept only for the lifetime of the
// value and is never printed.
type Wallet struct {
	Address string
	seed    string
}

func NewWallet(address, seed string) Wallet {
	return Wallet{Address: address, seed: seed}
}

func (w Wallet) String() string {
	return w.Address
}

// SubmissionResult is the outcome of one validated transaction.
type SubmissionResult struct {
	Hash         string          `json:"hash"`
	EngineResult string          `json:"engine_result"`
	Validated    bool            `json:"validated"`
	LedgerIndex  uint32          `json:"ledger_index,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// Check is a check ledger object as returned by account_objects.
type Check struct {
	Index          string  `json:"index"`
	Account        string  `json:"Account"`
	Destination    string  `json:"Destination"`
	SendMax        Amount  `json:"SendMax"`
	DestinationTag *uint32 `json:"DestinationTag,omitempty"`
	Expiration     *uint32 `json:"Expiration,omitempty"`
}

// TrustLine is one entry of account_lines. Account is the counterparty.
type TrustLine struct {
	Account  string `json:"account"`
	Currency string `json:"currency"`
	Limit    string `json:"limit"`
	Balance  string `json:"balance"`
}

const EngineSuccess = "tesSUCCESS"

// ErrNetwork marks transport failures between the service and the ledger node.
var ErrNetwork = errors.New("ledger network error")

// ErrValidationTimeout is returned when a submitted transaction was not seen in
// a validated ledger within the configured budget.
var ErrValidationTimeout = errors.New("transaction not validated in time")

// SubmissionRejectedError is returned when the ledger declines a transaction.
type SubmissionRejectedError struct {
	EngineResult string
	Message      string
	Hash         string
}

func (e *SubmissionRejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("submission rejected: %s (%s)", e.EngineResult, e.Message)
	}
	return fmt.Sprintf("submission rejected: %s", e.EngineResult)
}

// IsRejected reports whether err carries a ledger rejection and returns it.
func IsRejected(err error) (*SubmissionRejectedError, bool) {
	var rejected *SubmissionRejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

func networkError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrNetwork, op, err)
}
