package trustline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/pkg/poll"
)

var fastPolicy = poll.Policy{Interval: time.Millisecond, MaxAttempts: 5}

// hiddenLines accepts every submission but never shows a trust line.
type hiddenLines struct {
	mu        sync.Mutex
	lines     []ledger.TrustLine
	submitted []ledger.Operation
	listErr   error
}

func (g *hiddenLines) Wallet(ctx context.Context, seed string) (ledger.Wallet, error) {
	return ledger.NewWallet("r"+seed, seed), nil
}

func (g *hiddenLines) Submit(ctx context.Context, op ledger.Operation, signer ledger.Wallet) (*ledger.SubmissionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, op)
	return &ledger.SubmissionResult{Hash: "HASH", EngineResult: ledger.EngineSuccess, Validated: true}, nil
}

func (g *hiddenLines) AccountLines(ctx context.Context, account string) ([]ledger.TrustLine, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lines, g.listErr
}

func (g *hiddenLines) AccountChecks(ctx context.Context, account string) ([]ledger.Check, error) {
	return nil, nil
}

func TestEnsure_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	sim := ledger.NewSimulatedLedger(ledger.SimulatedConfig{})
	signer, err := sim.Wallet(ctx, "sClient")
	require.NoError(t, err)

	ensurer := NewEnsurer(sim, fastPolicy)

	first, err := ensurer.Ensure(ctx, signer, "rISSUER", "USD", "1000")
	require.NoError(t, err)
	assert.False(t, first.AlreadyPresent)
	require.NotNil(t, first.Submission)

	second, err := ensurer.Ensure(ctx, signer, "rISSUER", "USD", "1000")
	require.NoError(t, err)
	assert.True(t, second.AlreadyPresent)
	assert.Nil(t, second.Submission)

	var trustSets int
	for _, s := range sim.Submissions() {
		if s.Operation.Type == ledger.TxTrustSet {
			trustSets++
			assert.Equal(t, ledger.TfClearNoRipple, s.Operation.Flags)
		}
	}
	assert.Equal(t, 1, trustSets)
}

func TestEnsure_RaisesLowLimit(t *testing.T) {
	gw := &hiddenLines{lines: []ledger.TrustLine{
		{Account: "rISSUER", Currency: "USD", Limit: "10", Balance: "0"},
	}}
	ensurer := NewEnsurer(gw, fastPolicy)

	_, err := ensurer.Ensure(context.Background(), ledger.NewWallet("rCLIENT", "s"), "rISSUER", "USD", "1000")
	assert.ErrorIs(t, err, ErrTrustlineTimeout)
	require.Len(t, gw.submitted, 1)
	assert.Equal(t, "1000", gw.submitted[0].LimitAmount.Value)
}

func TestEnsure_NormalizesCurrency(t *testing.T) {
	gw := &hiddenLines{lines: []ledger.TrustLine{
		{Account: "rISSUER", Currency: ledger.RLUSD, Limit: "1000000", Balance: "0"},
	}}
	ensurer := NewEnsurer(gw, fastPolicy)

	result, err := ensurer.Ensure(context.Background(), ledger.NewWallet("rCLIENT", "s"), "rISSUER", "RLUSD", "")
	require.NoError(t, err)
	assert.True(t, result.AlreadyPresent)
	assert.Empty(t, gw.submitted)
}

func TestEnsure_WrongIssuerIsNotAMatch(t *testing.T) {
	gw := &hiddenLines{lines: []ledger.TrustLine{
		{Account: "rOTHER", Currency: "USD", Limit: "1000000", Balance: "0"},
	}}
	ensurer := NewEnsurer(gw, fastPolicy)

	_, err := ensurer.Ensure(context.Background(), ledger.NewWallet("rCLIENT", "s"), "rISSUER", "USD", "1000")
	assert.ErrorIs(t, err, ErrTrustlineTimeout)
	assert.Len(t, gw.submitted, 1)
}

func TestEnsure_NativeNeedsNoLine(t *testing.T) {
	gw := &hiddenLines{}
	ensurer := NewEnsurer(gw, fastPolicy)

	result, err := ensurer.Ensure(context.Background(), ledger.NewWallet("rCLIENT", "s"), "", ledger.NativeCurrency, "")
	require.NoError(t, err)
	assert.True(t, result.AlreadyPresent)
	assert.Empty(t, gw.submitted)
}

func TestEnsure_ListFailure(t *testing.T) {
	gw := &hiddenLines{listErr: errors.New("boom")}
	ensurer := NewEnsurer(gw, fastPolicy)

	_, err := ensurer.Ensure(context.Background(), ledger.NewWallet("rCLIENT", "s"), "rISSUER", "USD", "1")
	assert.Error(t, err)
	assert.Empty(t, gw.submitted)
}

func TestEnableDefaultRipple(t *testing.T) {
	gw := &hiddenLines{}
	ensurer := NewEnsurer(gw, fastPolicy)

	_, err := ensurer.EnableDefaultRipple(context.Background(), ledger.NewWallet("rISSUER", "s"))
	require.NoError(t, err)
	require.Len(t, gw.submitted, 1)
	assert.Equal(t, ledger.TxAccountSet, gw.submitted[0].Type)
	assert.Equal(t, ledger.AsfDefaultRipple, gw.submitted[0].SetFlag)
	assert.Zero(t, gw.submitted[0].Flags)
}
