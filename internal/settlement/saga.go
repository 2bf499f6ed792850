package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-settlement/internal/checks"
	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/internal/trustline"
	"github.com/ksred/klear-settlement/pkg/poll"
	"github.com/ksred/klear-settlement/pkg/response"
)

// ErrInvalidRequest wraps response.ErrInvalidInput so HTTP callers get a 400.
var ErrInvalidRequest = fmt.Errorf("settlement request: %w", response.ErrInvalidInput)

// Recorder persists the trail of a run. *Database implements it.
type Recorder interface {
	Begin(ctx context.Context, req Request) (*Settlement, error)
	Save(ctx context.Context, record *Settlement) error
}

type Config struct {
	// SettleDelay is waited after CheckCreate before looking for the check.
	SettleDelay time.Duration
	// Discovery bounds the search for the check after the settling delay.
	Discovery poll.Policy
}

func DefaultConfig() Config {
	return Config{
		SettleDelay: 5 * time.Second,
		Discovery:   checks.DefaultPolicy(),
	}
}

// Saga runs settlements. One Saga serves every request; runs share only the
// gateway.
type Saga struct {
	gateway  ledger.Gateway
	ensurer  *trustline.Ensurer
	locator  *checks.Locator
	recorder Recorder
	metrics  *Metrics
	cfg      Config

	active sync.Map // contract hash -> struct{}
}

func NewSaga(gateway ledger.Gateway, ensurer *trustline.Ensurer, locator *checks.Locator, recorder Recorder, metrics *Metrics, cfg Config) *Saga {
	return &Saga{
		gateway:  gateway,
		ensurer:  ensurer,
		locator:  locator,
		recorder: recorder,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Active reports whether a run for contractHash is executing in this process.
func (s *Saga) Active(contractHash string) bool {
	_, ok := s.active.Load(contractHash)
	return ok
}

// Run executes one settlement to a terminal state. Steps run strictly in
// order and each waits for ledger validation of the previous one. A failed
// step is returned as *StepError; nothing already on the ledger is reversed.
func (s *Saga) Run(ctx context.Context, req Request) (*Result, error) {
	logger := log.With().
		Str("component", "settlement_saga").
		Str("contract_hash", req.ContractHash).
		Logger()

	p, err := newPlan(req)
	if err != nil {
		return nil, err
	}

	record, err := s.recorder.Begin(ctx, req)
	if err != nil {
		if errors.Is(err, ErrDuplicateSettlement) {
			logger.Warn().Msg("refusing to settle a contract twice")
		}
		return nil, err
	}

	s.active.Store(req.ContractHash, struct{}{})
	defer s.active.Delete(req.ContractHash)
	s.metrics.InFlight.Inc()
	defer s.metrics.InFlight.Dec()

	if c := req.Contract; c != nil {
		logger.Info().
			Str("contract_name", c.Name).
			Bool("emergency", c.Emergency).
			Float64("approval_ratio", c.ApprovalRatio).
			Msg("settling contract")
	}

	r := &run{
		saga:    s,
		req:     req,
		plan:    p,
		record:  record,
		logger:  logger.With().Str("settlement_id", record.SettlementID).Logger(),
		wallets: make(map[string]ledger.Wallet),
	}

	result, err := r.execute(ctx)
	s.metrics.Runs.WithLabelValues(string(record.State)).Inc()
	if err != nil {
		r.logger.Error().Err(err).Str("state", string(record.State)).Msg("settlement failed")
		return nil, err
	}

	r.logger.Info().Msg("settlement completed")
	return result, nil
}

// plan holds the ledger amounts of a request, built before anything is
// submitted so a malformed request never touches the ledger.
type plan struct {
	pay1    ledger.Amount
	sendMax ledger.Amount
	pay2    ledger.Amount
	cash    ledger.Amount
}

func newPlan(req Request) (*plan, error) {
	if req.ContractHash == "" {
		return nil, fmt.Errorf("%w: contract hash is required", ErrInvalidRequest)
	}
	if req.CashDelay < 0 {
		return nil, fmt.Errorf("%w: negative cash delay", ErrInvalidRequest)
	}

	var p plan
	legs := []struct {
		name string
		leg  Leg
		dst  *ledger.Amount
	}{
		{"payment1", req.Payment1, &p.pay1},
		{"checkCreate", req.CheckSendMax, &p.sendMax},
		{"payment2", req.Payment2, &p.pay2},
		{"checkCash", req.CheckCash, &p.cash},
	}
	for _, l := range legs {
		amount, err := ledger.NewAmount(l.leg.Amount, l.leg.Currency, req.Issuer)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, l.name, err)
		}
		*l.dst = amount
	}
	return &p, nil
}

type run struct {
	saga      *Saga
	req       Request
	plan      *plan
	record    *Settlement
	completed []Step
	logger    zerolog.Logger
	wallets   map[string]ledger.Wallet
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	req := r.req

	if req.EnsureTrustlines {
		if err := r.step(ctx, StepTrustlines, r.ensureTrustlines); err != nil {
			return nil, err
		}
	}

	err := r.step(ctx, StepPay1, func(ctx context.Context) error {
		res, err := r.submit(ctx, req.Operator, ledger.NewPayment(req.Broker1.Address, r.plan.pay1))
		if err != nil {
			return err
		}
		r.record.Pay1TxHash = res.Hash
		return nil
	})
	if err != nil {
		return nil, err
	}

	var checkCreate *ledger.SubmissionResult
	err = r.step(ctx, StepCheckCreate, func(ctx context.Context) error {
		op := ledger.NewCheckCreate(req.Operator.Address, r.plan.sendMax).
			WithDestinationTag(req.DestinationTag).
			WithExpiration(req.CheckExpiration)
		res, err := r.submit(ctx, req.Client, op)
		if err != nil {
			return err
		}
		checkCreate = res
		r.record.CheckCreateTxHash = res.Hash
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = r.step(ctx, StepDiscovery, func(ctx context.Context) error {
		if err := poll.Sleep(ctx, r.saga.cfg.SettleDelay); err != nil {
			return fmt.Errorf("settling delay interrupted: %w", err)
		}
		id, err := r.saga.locator.Await(ctx, checks.Query{
			Account:     req.Client.Address,
			Destination: req.Operator.Address,
			Amount:      req.CheckAmount,
			Currency:    req.CheckSendMax.Currency,
			Issuer:      req.Issuer,
		}, r.saga.cfg.Discovery)
		if err != nil && !errors.Is(err, checks.ErrCheckNotFound) {
			return fmt.Errorf("check lookup failed, the check may exist: %w", err)
		}
		if err != nil {
			return err
		}
		r.record.CheckID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = r.step(ctx, StepPay2, func(ctx context.Context) error {
		res, err := r.submit(ctx, req.Broker2, ledger.NewPayment(req.Client.Address, r.plan.pay2))
		if err != nil {
			return err
		}
		r.record.Pay2TxHash = res.Hash
		return nil
	})
	if err != nil {
		return nil, err
	}

	var checkCash *ledger.SubmissionResult
	err = r.step(ctx, StepCheckCash, func(ctx context.Context) error {
		notBefore := time.Now().Add(req.CashDelay)
		r.record.State = StateCashScheduled
		r.record.CashNotBefore = &notBefore
		r.save(ctx)
		r.logger.Info().Time("cash_not_before", notBefore).Msg("check cash scheduled")

		if err := poll.Sleep(ctx, req.CashDelay); err != nil {
			return fmt.Errorf("cash delay interrupted: %w", err)
		}

		res, err := r.submit(ctx, req.Operator, ledger.NewCheckCash(r.record.CheckID, r.plan.cash))
		if err != nil {
			return err
		}
		checkCash = res
		r.record.CheckCashTxHash = res.Hash
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Status:        StatusDone,
		CheckCreateTx: checkCreate,
		CheckCashTx:   checkCash,
	}, nil
}

func (r *run) ensureTrustlines(ctx context.Context) error {
	client, err := r.wallet(ctx, r.req.Client)
	if err != nil {
		return err
	}
	if _, err := r.saga.ensurer.Ensure(ctx, client, r.req.Issuer, r.req.Payment2.Currency, r.req.TrustlineLimit); err != nil {
		return fmt.Errorf("client trustline: %w", err)
	}

	operator, err := r.wallet(ctx, r.req.Operator)
	if err != nil {
		return err
	}
	if _, err := r.saga.ensurer.Ensure(ctx, operator, r.req.Issuer, r.req.CheckCash.Currency, r.req.TrustlineLimit); err != nil {
		return fmt.Errorf("operator trustline: %w", err)
	}
	return nil
}

// step runs fn as the given step and records the transition it leads to.
func (r *run) step(ctx context.Context, step Step, fn func(ctx context.Context) error) error {
	r.record.CurrentStep = step
	r.save(ctx)

	start := time.Now()
	err := fn(ctx)
	took := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.saga.metrics.StepDuration.WithLabelValues(string(step), outcome).Observe(took.Seconds())

	if err != nil {
		return r.fail(ctx, step, err)
	}

	r.completed = append(r.completed, step)
	r.record.State = step.Done()
	r.record.CurrentStep = ""
	r.save(ctx)

	r.logger.Info().
		Str("step", string(step)).
		Str("state", string(r.record.State)).
		Dur("took", took).
		Msg("step completed")
	return nil
}

func (r *run) fail(ctx context.Context, step Step, err error) error {
	last := r.record.State

	r.record.State = step.Failed()
	r.record.FailedStep = step
	r.record.CurrentStep = ""
	r.record.Error = err.Error()
	r.save(ctx)

	return &StepError{
		ContractHash: r.req.ContractHash,
		Step:         step,
		State:        r.record.State,
		LastState:    last,
		Completed:    append([]Step(nil), r.completed...),
		CheckID:      r.record.CheckID,
		Err:          err,
	}
}

// save persists the record. A store failure does not stop the run: the
// ledger already holds the effects of every completed step.
func (r *run) save(ctx context.Context) {
	if err := r.saga.recorder.Save(context.WithoutCancel(ctx), r.record); err != nil {
		r.logger.Error().Err(err).Str("state", string(r.record.State)).Msg("failed to persist settlement record")
	}
}

func (r *run) submit(ctx context.Context, signer Party, op ledger.Operation) (*ledger.SubmissionResult, error) {
	wallet, err := r.wallet(ctx, signer)
	if err != nil {
		return nil, err
	}
	return r.saga.gateway.Submit(ctx, op.WithMemo(r.req.ContractHash), wallet)
}

func (r *run) wallet(ctx context.Context, party Party) (ledger.Wallet, error) {
	if w, ok := r.wallets[party.Seed]; ok {
		return w, nil
	}
	if party.Seed == "" {
		return ledger.Wallet{}, fmt.Errorf("%w: no seed for %s", ErrInvalidRequest, party.Address)
	}

	w, err := r.saga.gateway.Wallet(ctx, party.Seed)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to resolve wallet: %w", err)
	}
	if party.Address != "" && w.Address != party.Address {
		r.logger.Warn().
			Str("expected", party.Address).
			Str("derived", w.Address).
			Msg("seed does not derive the given address")
	}
	r.wallets[party.Seed] = w
	return w, nil
}
