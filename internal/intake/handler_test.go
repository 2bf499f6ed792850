package intake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/internal/settlement"
	"github.com/ksred/klear-settlement/pkg/response"
)

// fakeRunner records requests. With block set it holds each run until the
// channel closes or the run's context ends.
type fakeRunner struct {
	mu    sync.Mutex
	reqs  []settlement.Request
	err   error
	block chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, req settlement.Request) (*settlement.Result, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &settlement.Result{Status: settlement.StatusDone}, nil
}

func (r *fakeRunner) requests() []settlement.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]settlement.Request(nil), r.reqs...)
}

type fakeFlags struct {
	signer    ledger.Wallet
	set, clr  uint32
	submitted bool
}

func (f *fakeFlags) SetAccountFlags(ctx context.Context, signer ledger.Wallet, setFlag, clearFlag uint32) (*ledger.SubmissionResult, error) {
	f.signer, f.set, f.clr, f.submitted = signer, setFlag, clearFlag, true
	return &ledger.SubmissionResult{Hash: "ACCOUNTSET", EngineResult: ledger.EngineSuccess, Validated: true}, nil
}

func TestHandle_CreatePayment(t *testing.T) {
	runner := &fakeRunner{}
	h := NewHandler(runner, nil, nil)

	result, err := h.Handle(context.Background(), PatternCreatePayment, encode(t, validPayload()))
	require.NoError(t, err)

	res, ok := result.(*settlement.Result)
	require.True(t, ok)
	assert.Equal(t, settlement.StatusDone, res.Status)
	require.Len(t, runner.requests(), 1)
	assert.Equal(t, "0xabc123", runner.requests()[0].ContractHash)
}

func TestHandle_InvalidPayloadNeverRuns(t *testing.T) {
	runner := &fakeRunner{}
	h := NewHandler(runner, nil, nil)

	payload := validPayload()
	delete(payload, "ourSeed")

	_, err := h.Handle(context.Background(), PatternCreatePayment, encode(t, payload))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, runner.requests())
}

func TestHandle_UnknownPattern(t *testing.T) {
	h := NewHandler(&fakeRunner{}, nil, nil)

	_, err := h.Handle(context.Background(), "DELETE_PAYMENT", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownPattern)
	assert.ErrorIs(t, err, response.ErrInvalidInput)
}

func TestHandle_AccountSet(t *testing.T) {
	flags := &fakeFlags{}
	wallets := ledger.NewSimulatedLedger(ledger.SimulatedConfig{})
	wallets.RegisterWallet("sIssuerSeed", issuerAddress)
	h := NewHandler(&fakeRunner{}, flags, wallets)

	result, err := h.Handle(context.Background(), PatternAccountSet, encode(t, map[string]any{
		"secret":  "sIssuerSeed",
		"setFlag": ledger.AsfDefaultRipple,
	}))
	require.NoError(t, err)

	res, ok := result.(*ledger.SubmissionResult)
	require.True(t, ok)
	assert.Equal(t, "ACCOUNTSET", res.Hash)
	assert.Equal(t, issuerAddress, flags.signer.Address)
	assert.Equal(t, ledger.AsfDefaultRipple, flags.set)
	assert.Zero(t, flags.clr)
}

func TestHandle_AccountSetNeedsAFlag(t *testing.T) {
	flags := &fakeFlags{}
	h := NewHandler(&fakeRunner{}, flags, ledger.NewSimulatedLedger(ledger.SimulatedConfig{}))

	_, err := h.Handle(context.Background(), PatternAccountSet, encode(t, map[string]any{"secret": "sIssuerSeed"}))

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Contains(t, validationErr.Fields, "setFlag")
	assert.False(t, flags.submitted)
}

func TestErrorBody_StepError(t *testing.T) {
	err := &settlement.StepError{
		ContractHash: "0xabc123",
		Step:         settlement.StepPay2,
		State:        settlement.StatePay2Failed,
		LastState:    settlement.StateCheckDiscovered,
		Completed:    []settlement.Step{settlement.StepPay1, settlement.StepCheckCreate, settlement.StepDiscovery},
		CheckID:      "CHECK1",
		Err:          &ledger.SubmissionRejectedError{EngineResult: "tecPATH_DRY"},
	}

	body := errorBody(err)

	assert.Equal(t, err.Error(), body["message"])
	assert.Equal(t, settlement.StepPay2, body["step"])
	assert.Equal(t, settlement.StatePay2Failed, body["state"])
	assert.Equal(t, settlement.StateCheckDiscovered, body["lastState"])
	assert.Equal(t, "CHECK1", body["checkId"])
	assert.Equal(t, "tecPATH_DRY", body["engineResult"])
	assert.NotContains(t, body, "duplicate")
}

func TestErrorBody_Duplicate(t *testing.T) {
	body := errorBody(settlement.ErrDuplicateSettlement)
	assert.Equal(t, true, body["duplicate"])
}

func TestDispatcher_RefusesWorkAfterShutdown(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Shutdown(context.Background()))

	assert.False(t, d.Go(func(ctx context.Context) {}))
}

func TestDispatcher_ShutdownWaitsForRunningWork(t *testing.T) {
	d := NewDispatcher()
	release := make(chan struct{})
	finished := make(chan struct{})

	require.True(t, d.Go(func(ctx context.Context) {
		<-release
		close(finished)
	}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, d.Shutdown(context.Background()))
	select {
	case <-finished:
	default:
		t.Fatal("Shutdown returned before the work finished")
	}
}

func TestDispatcher_ShutdownTimeoutCancelsWork(t *testing.T) {
	d := NewDispatcher()
	var cancelled bool

	require.True(t, d.Go(func(ctx context.Context) {
		<-ctx.Done()
		cancelled = true
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, cancelled)
}
