// Package settlement runs the escrow settlement flow on the ledger and keeps
// a persisted record of every run for operators.
package settlement

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-settlement/pkg/response"
)

const defaultListLimit = 100

// Service exposes settlement records to operators.
type Service struct {
	db *Database
}

func NewService(db *Database) *Service {
	return &Service{db: db}
}

func (s *Service) GetSettlement(ctx context.Context, contractHash string) (*Settlement, error) {
	return s.db.GetByContractHash(ctx, contractHash)
}

// ListSettlements lists records, newest first. An empty state lists all.
func (s *Service) ListSettlements(ctx context.Context, state string, limit int) ([]Settlement, error) {
	var filter State
	if state != "" {
		parsed, ok := ParseState(state)
		if !ok {
			return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, state)
		}
		filter = parsed
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.db.List(ctx, filter, limit)
}

// GinHandlers contains HTTP handlers for settlement records
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		contractHash := c.Param("contract_hash")

		record, err := h.service.GetSettlement(c.Request.Context(), contractHash)
		response.Handle(c, record, err)
	}
}

func (h *GinHandlers) ListSettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				response.BadRequest(c, "limit must be a number")
				return
			}
			limit = parsed
		}

		records, err := h.service.ListSettlements(c.Request.Context(), c.Query("state"), limit)
		response.Handle(c, records, err)
	}
}
