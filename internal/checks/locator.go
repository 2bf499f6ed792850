// Package checks finds the ledger index of a check from what the creator
// asked for, since CheckCreate does not return it.
package checks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/pkg/poll"
)

var ErrCheckNotFound = errors.New("check not found")

// Query describes the check being looked for. Currency is a human name and is
// normalized before comparison.
type Query struct {
	Account     string
	Destination string
	Amount      string
	Currency    string
	Issuer      string
}

func (q Query) String() string {
	return fmt.Sprintf("%s -> %s %s %s/%s", q.Account, q.Destination, q.Amount, q.Currency, q.Issuer)
}

// DefaultPolicy is the discovery budget used after the settling delay.
func DefaultPolicy() poll.Policy {
	return poll.Policy{Interval: 500 * time.Millisecond, MaxAttempts: 10}
}

type Locator struct {
	gateway ledger.Gateway
	logger  zerolog.Logger
}

func NewLocator(gateway ledger.Gateway) *Locator {
	return &Locator{
		gateway: gateway,
		logger:  log.With().Str("component", "check_locator").Logger(),
	}
}

// Find returns the index of the first check owned by q.Account that matches
// q, in listing order. No match is not an error.
func (l *Locator) Find(ctx context.Context, q Query) (string, bool, error) {
	currency, err := ledger.CurrencyCode(q.Currency)
	if err != nil {
		return "", false, err
	}

	checks, err := l.gateway.AccountChecks(ctx, q.Account)
	if err != nil {
		return "", false, fmt.Errorf("failed to list checks: %w", err)
	}

	matched := 0
	var index string
	for _, check := range checks {
		if !Matches(check, q.Destination, q.Amount, currency, q.Issuer) {
			continue
		}
		if matched == 0 {
			index = check.Index
		}
		matched++
	}

	if matched > 1 {
		l.logger.Warn().
			Str("query", q.String()).
			Int("matches", matched).
			Str("index", index).
			Msg("several checks match, using the first listed")
	}
	return index, matched > 0, nil
}

// Matches reports whether check was written to destination for exactly
// amount of the canonical currency code from issuer.
func Matches(check ledger.Check, destination, amount, currency, issuer string) bool {
	if check.Destination != destination {
		return false
	}
	if check.SendMax.Currency != currency {
		return false
	}
	if currency != ledger.NativeCurrency && check.SendMax.Issuer != issuer {
		return false
	}
	return ledger.ValueEqual(check.SendMax.Value, amount)
}

// Await looks for the check at once, then polls Find until it shows up or
// the policy runs out.
func (l *Locator) Await(ctx context.Context, q Query, policy poll.Policy) (string, error) {
	index, found, err := l.Find(ctx, q)
	if err != nil {
		return "", err
	}
	if !found {
		index, err = poll.For(ctx, policy, func(ctx context.Context) (string, bool, error) {
			return l.Find(ctx, q)
		})
	}
	if errors.Is(err, poll.ErrTimeout) {
		return "", fmt.Errorf("%w: %s after %s", ErrCheckNotFound, q, policy.Budget())
	}
	if err != nil {
		return "", err
	}

	l.logger.Debug().Str("query", q.String()).Str("index", index).Msg("check located")
	return index, nil
}
