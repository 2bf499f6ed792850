// Package intake receives settlement requests from the message transports
// and the internal HTTP API and hands them to the settlement saga.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-settlement/internal/ledger"
	"github.com/ksred/klear-settlement/internal/settlement"
	"github.com/ksred/klear-settlement/pkg/response"
)

// Message patterns understood by Handle.
const (
	PatternCreatePayment = "CREATE_PAYMENT"
	PatternAccountSet    = "ACCOUNT_SET"
)

var ErrUnknownPattern = fmt.Errorf("unknown message pattern: %w", response.ErrInvalidInput)

// MessageHandler processes one decoded transport message. *Handler
// implements it.
type MessageHandler interface {
	Handle(ctx context.Context, pattern string, data json.RawMessage) (any, error)
}

// Runner executes a settlement. *settlement.Saga implements it.
type Runner interface {
	Run(ctx context.Context, req settlement.Request) (*settlement.Result, error)
}

// FlagSetter changes account flags. *trustline.Ensurer implements it.
type FlagSetter interface {
	SetAccountFlags(ctx context.Context, signer ledger.Wallet, setFlag, clearFlag uint32) (*ledger.SubmissionResult, error)
}

type Handler struct {
	runner   Runner
	flags    FlagSetter
	wallets  ledger.Gateway
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewHandler(runner Runner, flags FlagSetter, wallets ledger.Gateway) *Handler {
	return &Handler{
		runner:   runner,
		flags:    flags,
		wallets:  wallets,
		validate: newValidator(),
		logger:   log.With().Str("component", "intake_handler").Logger(),
	}
}

// Handle runs one message to completion and returns what should be sent back
// to the producer.
func (h *Handler) Handle(ctx context.Context, pattern string, data json.RawMessage) (any, error) {
	switch pattern {
	case PatternCreatePayment:
		req, err := h.Decode(data)
		if err != nil {
			h.logger.Warn().Err(err).Msg("rejecting settlement request")
			return nil, err
		}
		return h.Run(ctx, req)

	case PatternAccountSet:
		return h.accountSet(ctx, data)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPattern, pattern)
	}
}

// Decode parses and validates a CREATE_PAYMENT payload.
func (h *Handler) Decode(data json.RawMessage) (settlement.Request, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return settlement.Request{}, &ValidationError{Fields: map[string]string{"payload": "is not valid JSON: " + err.Error()}}
	}
	if err := h.validate.Struct(payload); err != nil {
		return settlement.Request{}, validationError(err)
	}
	return payload.ToRequest(), nil
}

// Run hands a decoded request to the saga.
func (h *Handler) Run(ctx context.Context, req settlement.Request) (*settlement.Result, error) {
	h.logger.Info().
		Str("contract_hash", req.ContractHash).
		Dur("cash_delay", req.CashDelay).
		Bool("ensure_trustlines", req.EnsureTrustlines).
		Msg("settlement request accepted")
	return h.runner.Run(ctx, req)
}

func (h *Handler) accountSet(ctx context.Context, data json.RawMessage) (*ledger.SubmissionResult, error) {
	var payload AccountSetPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &ValidationError{Fields: map[string]string{"payload": "is not valid JSON: " + err.Error()}}
	}
	if err := h.validate.Struct(payload); err != nil {
		return nil, validationError(err)
	}

	wallet, err := h.wallets.Wallet(ctx, payload.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wallet: %w", err)
	}
	return h.flags.SetAccountFlags(ctx, wallet, payload.SetFlag, payload.ClearFlag)
}

// errorBody renders err for a reply to the producer.
func errorBody(err error) map[string]any {
	body := map[string]any{"message": err.Error()}

	var stepErr *settlement.StepError
	if errors.As(err, &stepErr) {
		body["step"] = stepErr.Step
		body["state"] = stepErr.State
		body["lastState"] = stepErr.LastState
		body["completed"] = stepErr.Completed
		if stepErr.CheckID != "" {
			body["checkId"] = stepErr.CheckID
		}
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		body["fields"] = validationErr.Fields
	}

	if rejected, ok := ledger.IsRejected(err); ok {
		body["engineResult"] = rejected.EngineResult
	}

	if errors.Is(err, settlement.ErrDuplicateSettlement) {
		body["duplicate"] = true
	}
	return body
}
