package intake

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-settlement/internal/settlement"
	"github.com/ksred/klear-settlement/pkg/response"
)

const (
	operatorAddress = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	clientAddress   = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	broker1Address  = "rf1BiGeXwwQoi8Z2ueFYTEXSwuJYfV2Jpn"
	broker2Address  = "rMQ98K56yXJbDGv49ZcmW4gX8gU2hnK9zS"
	issuerAddress   = "rN7n7otQDd6FczFgLdSqtcsAUxDkw6fzRH"
)

func validPayload() map[string]any {
	return map[string]any{
		"ourSeed":                  "sOperatorSeed",
		"ourAddress":               operatorAddress,
		"clientSeed":               "sClientSeed",
		"clientAddress":            clientAddress,
		"broker1Address":           broker1Address,
		"broker2Address":           broker2Address,
		"broker2Seed":              "sBroker2Seed",
		"issuer":                   issuerAddress,
		"contractHash":             "0xabc123",
		"payment1Amount":           "100",
		"payment1Currency":         "USD",
		"checkCreateSendMaxAmount": "100",
		"checkCreateAmount":        "100",
		"checkCreateCurrency":      "USD",
		"payment2Amount":           "100",
		"payment2Currency":         "USD",
		"checkCashAmount":          "100",
		"checkCashCurrency":        "USD",
	}
}

func encode(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestDecode_ValidPayload(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	req, err := h.Decode(encode(t, validPayload()))
	require.NoError(t, err)

	assert.Equal(t, "0xabc123", req.ContractHash)
	assert.Equal(t, operatorAddress, req.Operator.Address)
	assert.Equal(t, "sOperatorSeed", req.Operator.Seed)
	assert.Equal(t, broker2Address, req.Broker2.Address)
	assert.Empty(t, req.Broker1.Seed)
	assert.Equal(t, settlement.Leg{Amount: "100", Currency: "USD"}, req.Payment1)
	assert.Equal(t, "100", req.CheckAmount)
	assert.Equal(t, settlement.DefaultCashDelay, req.CashDelay)
	assert.Nil(t, req.DestinationTag)
	assert.Nil(t, req.Contract)
}

func TestDecode_NumericAmountsAndOptionalFields(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	payload := validPayload()
	payload["payment1Amount"] = 12.5
	payload["checkCashAmount"] = 7
	payload["delaySeconds"] = 0
	payload["destinationTag"] = 42
	payload["ensureTrustlines"] = true
	payload["trustlineLimit"] = "5000"
	payload["contract"] = map[string]any{"name": "Q3 coupon", "approval_ratio": 0.66}

	req, err := h.Decode(encode(t, payload))
	require.NoError(t, err)

	assert.Equal(t, "12.5", req.Payment1.Amount)
	assert.Equal(t, "7", req.CheckCash.Amount)
	assert.Equal(t, time.Duration(0), req.CashDelay)
	require.NotNil(t, req.DestinationTag)
	assert.Equal(t, uint32(42), *req.DestinationTag)
	assert.True(t, req.EnsureTrustlines)
	assert.Equal(t, "5000", req.TrustlineLimit)
	require.NotNil(t, req.Contract)
	assert.Equal(t, "Q3 coupon", req.Contract.Name)
}

func TestDecode_RejectsInvalidFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p map[string]any)
		field  string
	}{
		{
			name:   "missing client seed",
			mutate: func(p map[string]any) { delete(p, "clientSeed") },
			field:  "clientSeed",
		},
		{
			name:   "missing contract hash",
			mutate: func(p map[string]any) { p["contractHash"] = "" },
			field:  "contractHash",
		},
		{
			name:   "address outside the alphabet",
			mutate: func(p map[string]any) { p["broker1Address"] = "rOPERATOR0000000000000000000" },
			field:  "broker1Address",
		},
		{
			name:   "zero amount",
			mutate: func(p map[string]any) { p["payment2Amount"] = "0" },
			field:  "payment2Amount",
		},
		{
			name:   "amount is not a number",
			mutate: func(p map[string]any) { p["checkCreateAmount"] = "ten" },
			field:  "checkCreateAmount",
		},
		{
			name:   "currency name too long",
			mutate: func(p map[string]any) { p["checkCashCurrency"] = "A_CURRENCY_NAME_LONGER_THAN_TWENTY" },
			field:  "checkCashCurrency",
		},
		{
			name:   "negative delay",
			mutate: func(p map[string]any) { p["delaySeconds"] = -1 },
			field:  "delaySeconds",
		},
	}

	h := NewHandler(nil, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := validPayload()
			tt.mutate(payload)

			_, err := h.Decode(encode(t, payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.ErrorIs(t, err, response.ErrInvalidInput)

			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Contains(t, validationErr.Fields, tt.field)
		})
	}
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	_, err := h.Decode(json.RawMessage(`{"ourSeed":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDecode_AcceptsHexAndLongCurrencyNames(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	payload := validPayload()
	payload["payment1Currency"] = "RLUSD"
	payload["payment2Currency"] = "524C555344000000000000000000000000000000"

	_, err := h.Decode(encode(t, payload))
	assert.NoError(t, err)
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{
		"ourSeed":    "is required",
		"clientSeed": "is required",
	}}
	assert.Equal(t, "validation failed: clientSeed is required; ourSeed is required", err.Error())
}

func TestIsClassicAddress(t *testing.T) {
	assert.True(t, isClassicAddress(operatorAddress))
	assert.False(t, isClassicAddress("xHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"))
	assert.False(t, isClassicAddress("rShort"))
	assert.False(t, isClassicAddress("rHb9CJAWyB4rj91VRWn96DkukG4bwdtyT0"))
}
