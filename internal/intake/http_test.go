package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-settlement/internal/settlement"
	"github.com/ksred/klear-settlement/pkg/response"
)

type knownRecords map[string]bool

func (k knownRecords) GetByContractHash(ctx context.Context, contractHash string) (*settlement.Settlement, error) {
	if k[contractHash] {
		return &settlement.Settlement{ContractHash: contractHash}, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func setupIntakeRouter(runner *fakeRunner, records RecordLookup) (*gin.Engine, *Dispatcher) {
	gin.SetMode(gin.TestMode)
	dispatcher := NewDispatcher()
	handlers := NewGinHandlers(NewHandler(runner, nil, nil), dispatcher, records)

	router := gin.New()
	router.POST("/api/v1/internal/settlements", handlers.CreateSettlementHandler())
	return router, dispatcher
}

func post(router *gin.Engine, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/settlements", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateSettlementHandler_Accepts(t *testing.T) {
	runner := &fakeRunner{}
	router, dispatcher := setupIntakeRouter(runner, knownRecords{})

	w := post(router, validPayload())
	require.NoError(t, dispatcher.Shutdown(context.Background()))

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Success bool     `json:"success"`
		Data    Accepted `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "0xabc123", resp.Data.ContractHash)
	require.Len(t, runner.requests(), 1)
}

func TestCreateSettlementHandler_ValidationFailure(t *testing.T) {
	runner := &fakeRunner{}
	router, dispatcher := setupIntakeRouter(runner, knownRecords{})

	payload := validPayload()
	payload["issuer"] = "not-an-address"
	w := post(router, payload)
	require.NoError(t, dispatcher.Shutdown(context.Background()))

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, response.ErrCodeValidationFailed, resp.Error.Code)
	assert.Contains(t, resp.Error.Fields, "issuer")
	assert.Empty(t, runner.requests())
}

func TestCreateSettlementHandler_Duplicate(t *testing.T) {
	runner := &fakeRunner{}
	router, dispatcher := setupIntakeRouter(runner, knownRecords{"0xabc123": true})

	w := post(router, validPayload())
	require.NoError(t, dispatcher.Shutdown(context.Background()))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, runner.requests())
}

func TestCreateSettlementHandler_ShuttingDown(t *testing.T) {
	runner := &fakeRunner{}
	router, dispatcher := setupIntakeRouter(runner, nil)
	require.NoError(t, dispatcher.Shutdown(context.Background()))

	w := post(router, validPayload())

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, runner.requests())
}
