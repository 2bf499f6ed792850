package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationTxJSON_Payment(t *testing.T) {
	tag := uint32(42)
	op := NewPayment("rDEST", Amount{Currency: RLUSD, Value: "10", Issuer: "rISSUER"}).
		WithDestinationTag(&tag).
		WithMemo("hash-1")

	data, err := json.Marshal(op.TxJSON("rSRC"))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"TransactionType": "Payment",
		"Account": "rSRC",
		"Destination": "rDEST",
		"DestinationTag": 42,
		"Amount": {"currency": "524C555344000000000000000000000000000000", "value": "10", "issuer": "rISSUER"},
		"Memos": [{"Memo": {"MemoData": "686173682D31"}}]
	}`, string(data))
}

func TestOperationTxJSON_TrustSet(t *testing.T) {
	op := NewTrustSet(Amount{Currency: "USD", Value: "1000000", Issuer: "rISSUER"}, TfClearNoRipple)

	data, err := json.Marshal(op.TxJSON("rSRC"))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"TransactionType": "TrustSet",
		"Account": "rSRC",
		"LimitAmount": {"currency": "USD", "value": "1000000", "issuer": "rISSUER"},
		"Flags": 262144
	}`, string(data))
}

func TestOperationValidate(t *testing.T) {
	usd := Amount{Currency: "USD", Value: "1", Issuer: "rISSUER"}

	assert.NoError(t, NewPayment("rDEST", usd).Validate())
	assert.NoError(t, NewCheckCreate("rDEST", usd).Validate())
	assert.NoError(t, NewCheckCash("ABC", usd).Validate())
	assert.NoError(t, NewTrustSet(usd, 0).Validate())
	assert.NoError(t, NewAccountSet(AsfDefaultRipple, 0).Validate())

	assert.ErrorIs(t, NewPayment("", usd).Validate(), ErrInvalidOperation)
	assert.ErrorIs(t, NewCheckCash("", usd).Validate(), ErrInvalidOperation)
	assert.ErrorIs(t, NewTrustSet(Amount{Currency: NativeCurrency, Value: "1"}, 0).Validate(), ErrInvalidOperation)
	assert.ErrorIs(t, NewAccountSet(0, 0).Validate(), ErrInvalidOperation)
	assert.ErrorIs(t, Operation{Type: "OfferCreate"}.Validate(), ErrInvalidOperation)
}

func TestWithMemoDoesNotShareBacking(t *testing.T) {
	base := NewPayment("rDEST", Amount{Currency: "USD", Value: "1", Issuer: "rISSUER"}).WithMemo("a")
	first := base.WithMemo("b")
	second := base.WithMemo("c")

	assert.Len(t, base.Memos, 1)
	assert.Equal(t, "b", first.Memos[1].Data)
	assert.Equal(t, "c", second.Memos[1].Data)
}
