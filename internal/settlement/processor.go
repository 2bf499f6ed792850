package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ActivityChecker tells whether a contract is being settled in this process.
type ActivityChecker interface {
	Active(contractHash string) bool
}

// Processor closes records left unfinished by a previous process. A run that
// stopped mid-step may or may not have reached the ledger, so the record is
// moved to the failure state of that step for manual reconciliation.
type Processor struct {
	db           *Database
	activity     ActivityChecker
	metrics      *Metrics
	processDelay time.Duration // time between sweeps
	staleAfter   time.Duration // how long a record may sit without a transition
}

func NewProcessor(db *Database, activity ActivityChecker, metrics *Metrics, processDelay, staleAfter time.Duration) *Processor {
	if processDelay <= 0 {
		processDelay = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Processor{
		db:           db,
		activity:     activity,
		metrics:      metrics,
		processDelay: processDelay,
		staleAfter:   staleAfter,
	}
}

// Start sweeps once immediately and then on every tick until ctx is done.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting settlement processor")

	if _, err := p.Sweep(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to sweep unfinished settlements")
	}

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to sweep unfinished settlements")
			}
		}
	}
}

// Sweep closes stale unfinished records that no run in this process owns and
// returns how many it closed.
func (p *Processor) Sweep(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "settlement_processor").Logger()

	records, err := p.db.ListUnfinished(ctx, time.Now().Add(-p.staleAfter))
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range records {
		record := &records[i]
		if p.activity.Active(record.ContractHash) {
			continue
		}

		step := record.CurrentStep
		if step == "" {
			step = nextStep(record.State)
		}
		record.State = step.Failed()
		record.FailedStep = step
		record.CurrentStep = ""
		record.Error = "interrupted: the process stopped before the step completed"

		if err := p.db.Save(ctx, record); err != nil {
			logger.Error().
				Err(err).
				Str("contract_hash", record.ContractHash).
				Msg("failed to close unfinished settlement")
			continue
		}

		closed++
		p.metrics.Interrupted.Inc()
		logger.Warn().
			Str("contract_hash", record.ContractHash).
			Str("state", string(record.State)).
			Str("check_id", record.CheckID).
			Msg("closed interrupted settlement")
	}
	return closed, nil
}

// nextStep is the step that follows a successful state.
func nextStep(state State) Step {
	switch state {
	case StatePay1Submitted:
		return StepCheckCreate
	case StateCheckCreated:
		return StepDiscovery
	case StateCheckDiscovered:
		return StepPay2
	case StatePay2Submitted, StateCashScheduled:
		return StepCheckCash
	default:
		return StepPay1
	}
}
