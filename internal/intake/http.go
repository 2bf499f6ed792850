package intake

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/klear-settlement/internal/settlement"
	"github.com/ksred/klear-settlement/pkg/response"
)

// RecordLookup finds an existing settlement record. *settlement.Database
// implements it.
type RecordLookup interface {
	GetByContractHash(ctx context.Context, contractHash string) (*settlement.Settlement, error)
}

// Accepted is returned when a settlement has been started in the background.
type Accepted struct {
	ContractHash string `json:"contract_hash"`
	Status       string `json:"status"`
}

// GinHandlers contains the HTTP intake handler
type GinHandlers struct {
	handler    *Handler
	dispatcher *Dispatcher
	records    RecordLookup
}

func NewGinHandlers(handler *Handler, dispatcher *Dispatcher, records RecordLookup) *GinHandlers {
	return &GinHandlers{
		handler:    handler,
		dispatcher: dispatcher,
		records:    records,
	}
}

// CreateSettlementHandler validates the request before answering and runs the
// settlement after.
func (h *GinHandlers) CreateSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.BadRequest(c, "Failed to read request body")
			return
		}

		req, err := h.handler.Decode(body)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		if h.records != nil {
			_, err := h.records.GetByContractHash(c.Request.Context(), req.ContractHash)
			switch {
			case err == nil:
				response.Handle(c, nil, fmt.Errorf("%w: %s", settlement.ErrDuplicateSettlement, req.ContractHash))
				return
			case !errors.Is(err, gorm.ErrRecordNotFound):
				response.Handle(c, nil, err)
				return
			}
		}

		started := h.dispatcher.Go(func(ctx context.Context) {
			_, _ = h.handler.Run(ctx, req)
		})
		if !started {
			response.ServiceUnavailable(c, "Service is shutting down")
			return
		}

		response.Accepted(c, Accepted{ContractHash: req.ContractHash, Status: "accepted"})
	}
}
