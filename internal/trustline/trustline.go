// Package trustline makes sure an account can hold an issued currency before
// anything is paid to it, and manages the account flags issuers need.
package trustline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/pkg/poll"
)

// DefaultLimit is the trust limit used when a request does not name one.
const DefaultLimit = "1000000"

var ErrTrustlineTimeout = errors.New("trustline not visible in time")

// Result tells the caller whether a TrustSet was needed.
type Result struct {
	AlreadyPresent bool
	Submission     *ledger.SubmissionResult
}

// DefaultPolicy waits up to ten seconds for a new line to show up.
func DefaultPolicy() poll.Policy {
	return poll.Policy{Interval: 500 * time.Millisecond, MaxAttempts: 20}
}

type Ensurer struct {
	gateway ledger.Gateway
	policy  poll.Policy
	logger  zerolog.Logger
}

func NewEnsurer(gateway ledger.Gateway, policy poll.Policy) *Ensurer {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	return &Ensurer{
		gateway: gateway,
		policy:  policy,
		logger:  log.With().Str("component", "trustline_ensurer").Logger(),
	}
}

// Ensure guarantees signer holds a trust line to issuer for currency with a
// limit of at least minLimit. It is a no-op when such a line exists.
func (e *Ensurer) Ensure(ctx context.Context, signer ledger.Wallet, issuer, currency, minLimit string) (*Result, error) {
	if minLimit == "" {
		minLimit = DefaultLimit
	}
	limit, err := ledger.NewAmount(minLimit, currency, issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid trust limit: %w", err)
	}
	if limit.IsNative() {
		return &Result{AlreadyPresent: true}, nil
	}

	logger := e.logger.With().
		Str("account", signer.Address).
		Str("issuer", issuer).
		Str("currency", currency).
		Logger()

	present, err := e.HasTrustline(ctx, signer.Address, limit)
	if err != nil {
		return nil, err
	}
	if present {
		logger.Debug().Msg("trustline already present")
		return &Result{AlreadyPresent: true}, nil
	}

	submission, err := e.gateway.Submit(ctx, ledger.NewTrustSet(limit, ledger.TfClearNoRipple), signer)
	if err != nil {
		return nil, fmt.Errorf("trust set failed: %w", err)
	}
	logger.Info().Str("hash", submission.Hash).Str("limit", minLimit).Msg("trust set submitted")

	err = poll.Until(ctx, e.policy, func(ctx context.Context) (bool, error) {
		return e.HasTrustline(ctx, signer.Address, limit)
	})
	if errors.Is(err, poll.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s/%s on %s after %s", ErrTrustlineTimeout, currency, issuer, signer.Address, e.policy.Budget())
	}
	if err != nil {
		return nil, err
	}

	logger.Info().Msg("trustline visible")
	return &Result{Submission: submission}, nil
}

// HasTrustline reports whether account trusts limit's issuer for limit's
// currency up to at least limit's value.
func (e *Ensurer) HasTrustline(ctx context.Context, account string, limit ledger.Amount) (bool, error) {
	lines, err := e.gateway.AccountLines(ctx, account)
	if err != nil {
		return false, fmt.Errorf("failed to list trust lines: %w", err)
	}

	required, err := decimal.NewFromString(limit.Value)
	if err != nil {
		return false, fmt.Errorf("invalid trust limit %q: %w", limit.Value, err)
	}

	for _, line := range lines {
		if line.Account != limit.Issuer {
			continue
		}
		code, err := ledger.CurrencyCode(line.Currency)
		if err != nil || code != limit.Currency {
			continue
		}
		have, err := decimal.NewFromString(line.Limit)
		if err != nil {
			continue
		}
		if have.GreaterThanOrEqual(required) {
			return true, nil
		}
	}
	return false, nil
}

// SetAccountFlags submits an AccountSet for signer.
func (e *Ensurer) SetAccountFlags(ctx context.Context, signer ledger.Wallet, setFlag, clearFlag uint32) (*ledger.SubmissionResult, error) {
	submission, err := e.gateway.Submit(ctx, ledger.NewAccountSet(setFlag, clearFlag), signer)
	if err != nil {
		return nil, fmt.Errorf("account set failed: %w", err)
	}

	e.logger.Info().
		Str("account", signer.Address).
		Uint32("set_flag", setFlag).
		Uint32("clear_flag", clearFlag).
		Str("hash", submission.Hash).
		Msg("account flags updated")
	return submission, nil
}

// EnableDefaultRipple lets issued balances ripple through an issuer account.
func (e *Ensurer) EnableDefaultRipple(ctx context.Context, issuer ledger.Wallet) (*ledger.SubmissionResult, error) {
	return e.SetAccountFlags(ctx, issuer, ledger.AsfDefaultRipple, 0)
}
