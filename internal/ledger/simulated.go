package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-settlement/pkg/poll"
)

// SimulatedConfig tunes the in-memory ledger.
type SimulatedConfig struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SuccessRate float64 // 0-1, probability that a submission is accepted
}

// SimulatedLedger is an in-memory Gateway that keeps just enough state for
// the settlement flow: trust lines, checks and a transaction counter. It
// enforces trust lines on issued payments and the check lifecycle.
type SimulatedLedger struct {
	cfg SimulatedConfig

	mu          sync.Mutex
	rng         *rand.Rand
	wallets     map[string]string // seed -> address
	lines       map[string][]TrustLine
	checks      map[string][]Check
	ledgerIndex uint32
	submissions []Submitted
}

// Submitted records one accepted submission, in order.
type Submitted struct {
	Account   string
	Operation Operation
	Result    SubmissionResult
	At        time.Time
}

var _ Gateway = (*SimulatedLedger)(nil)

func NewSimulatedLedger(cfg SimulatedConfig) *SimulatedLedger {
	if cfg.SuccessRate <= 0 {
		cfg.SuccessRate = 1
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &SimulatedLedger{
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		wallets:     make(map[string]string),
		lines:       make(map[string][]TrustLine),
		checks:      make(map[string][]Check),
		ledgerIndex: 1000,
	}
}

// RegisterWallet pins the address a seed resolves to. Unregistered seeds get
// an address derived from a hash of the seed.
func (l *SimulatedLedger) RegisterWallet(seed, address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wallets[seed] = address
}

// Submissions returns the accepted submissions so far.
func (l *SimulatedLedger) Submissions() []Submitted {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Submitted(nil), l.submissions...)
}

func (l *SimulatedLedger) Wallet(ctx context.Context, seed string) (Wallet, error) {
	if seed == "" {
		return Wallet{}, fmt.Errorf("empty seed")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if address, ok := l.wallets[seed]; ok {
		return NewWallet(address, seed), nil
	}
	sum := sha256.Sum256([]byte(seed))
	return NewWallet("r"+strings.ToUpper(hex.EncodeToString(sum[:12])), seed), nil
}

func (l *SimulatedLedger) latency(ctx context.Context) error {
	l.mu.Lock()
	d := l.cfg.MinLatency
	if spread := l.cfg.MaxLatency - l.cfg.MinLatency; spread > 0 {
		d += time.Duration(l.rng.Int63n(int64(spread) + 1))
	}
	l.mu.Unlock()
	return poll.Sleep(ctx, d)
}

func (l *SimulatedLedger) Submit(ctx context.Context, op Operation, signer Wallet) (*SubmissionResult, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("component", "simulated_ledger").
		Str("tx_type", string(op.Type)).
		Str("account", signer.Address).
		Logger()

	if err := l.latency(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rng.Float64() > l.cfg.SuccessRate {
		logger.Warn().Float64("success_rate", l.cfg.SuccessRate).Msg("simulated rejection")
		return nil, &SubmissionRejectedError{EngineResult: "tecUNFUNDED", Message: "simulated failure"}
	}

	if code := l.apply(op, signer.Address); code != EngineSuccess {
		logger.Warn().Str("engine_result", code).Msg("transaction rejected")
		return nil, &SubmissionRejectedError{EngineResult: code}
	}

	l.ledgerIndex++
	hash := l.hash(signer.Address, op.Type)
	result := SubmissionResult{
		Hash:         hash,
		EngineResult: EngineSuccess,
		Validated:    true,
		LedgerIndex:  l.ledgerIndex,
	}
	l.submissions = append(l.submissions, Submitted{
		Account:   signer.Address,
		Operation: op,
		Result:    result,
		At:        time.Now(),
	})

	logger.Info().Str("hash", hash).Uint32("ledger_index", l.ledgerIndex).Msg("transaction validated")
	return &result, nil
}

func (l *SimulatedLedger) hash(account string, txType TxType) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%d", account, txType, l.ledgerIndex, len(l.submissions))))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// apply mutates ledger state for op and returns the engine result. Callers
// hold l.mu.
func (l *SimulatedLedger) apply(op Operation, account string) string {
	switch op.Type {
	case TxTrustSet:
		limit := op.LimitAmount
		lines := l.lines[account]
		for i, line := range lines {
			if line.Account == limit.Issuer && line.Currency == limit.Currency {
				lines[i].Limit = limit.Value
				return EngineSuccess
			}
		}
		l.lines[account] = append(lines, TrustLine{
			Account:  limit.Issuer,
			Currency: limit.Currency,
			Limit:    limit.Value,
			Balance:  "0",
		})

	case TxPayment:
		if !l.canReceive(op.Destination, *op.Amount) {
			return "tecPATH_DRY"
		}

	case TxCheckCreate:
		if op.Destination == account {
			return "temREDUNDANT"
		}
		index := l.hash(account+op.Destination, op.Type)
		l.checks[account] = append(l.checks[account], Check{
			Index:          index,
			Account:        account,
			Destination:    op.Destination,
			SendMax:        *op.SendMax,
			DestinationTag: op.DestinationTag,
			Expiration:     op.Expiration,
		})

	case TxCheckCash:
		return l.cash(op, account)

	case TxAccountSet:
		// flags are not modelled
	}
	return EngineSuccess
}

func (l *SimulatedLedger) canReceive(account string, amount Amount) bool {
	if amount.IsNative() || amount.Issuer == account {
		return true
	}
	for _, line := range l.lines[account] {
		if line.Account == amount.Issuer && line.Currency == amount.Currency {
			return true
		}
	}
	return false
}

func (l *SimulatedLedger) cash(op Operation, account string) string {
	for owner, checks := range l.checks {
		for i, check := range checks {
			if check.Index != op.CheckID {
				continue
			}
			if check.Destination != account {
				return "tecNO_PERMISSION"
			}
			if check.SendMax.Currency != op.Amount.Currency || check.SendMax.Issuer != op.Amount.Issuer {
				return "temBAD_CURRENCY"
			}
			if !l.canReceive(account, *op.Amount) {
				return "tecNO_LINE"
			}
			l.checks[owner] = append(checks[:i:i], checks[i+1:]...)
			return EngineSuccess
		}
	}
	return "tecNO_ENTRY"
}

func (l *SimulatedLedger) AccountLines(ctx context.Context, account string) ([]TrustLine, error) {
	if err := l.latency(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TrustLine(nil), l.lines[account]...), nil
}

func (l *SimulatedLedger) AccountChecks(ctx context.Context, account string) ([]Check, error) {
	if err := l.latency(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Check(nil), l.checks[account]...), nil
}
