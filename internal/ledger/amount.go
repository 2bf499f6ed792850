package ledger

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeCurrency is the ledger's own currency, expressed in drops on the wire.
const NativeCurrency = "XRP"

// RLUSD is the on-ledger code of the RLUSD stablecoin.
const RLUSD = "524C555344000000000000000000000000000000"

const dropsPerXRP = 6

var ErrInvalidCurrency = errors.New("invalid currency")

// CurrencyCode maps a currency name onto its canonical on-ledger code.
// Three character codes stay as they are, 40 digit hex codes are upper-cased
// and any other name of up to 20 bytes is hex encoded and zero padded.
func CurrencyCode(name string) (string, error) {
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty currency", ErrInvalidCurrency)
	case name == NativeCurrency:
		return NativeCurrency, nil
	case len(name) == 3:
		return name, nil
	case len(name) == 40 && isHex(name):
		return strings.ToUpper(name), nil
	case len(name) > 20:
		return "", fmt.Errorf("%w: %q is longer than 20 bytes", ErrInvalidCurrency, name)
	}

	padded := make([]byte, 20)
	copy(padded, name)
	return strings.ToUpper(hex.EncodeToString(padded)), nil
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

// Amount is either a native amount (Currency == "XRP", Value in XRP) or an
// issued amount identified by currency code and issuer.
type Amount struct {
	Currency string
	Value    string
	Issuer   string
}

// NewAmount builds an amount from a human currency name. The value must be a
// positive decimal.
func NewAmount(value, currency, issuer string) (Amount, error) {
	code, err := CurrencyCode(currency)
	if err != nil {
		return Amount{}, err
	}

	v, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if !v.IsPositive() {
		return Amount{}, fmt.Errorf("invalid amount %q: must be positive", value)
	}

	if code == NativeCurrency {
		if !v.Shift(dropsPerXRP).IsInteger() {
			return Amount{}, fmt.Errorf("invalid amount %q: more than %d decimal places", value, dropsPerXRP)
		}
		return Amount{Currency: NativeCurrency, Value: value}, nil
	}

	if issuer == "" {
		return Amount{}, fmt.Errorf("issued amount in %s requires an issuer", currency)
	}
	return Amount{Currency: code, Value: value, Issuer: issuer}, nil
}

// IsNative reports whether the amount is in the ledger's own currency.
func (a Amount) IsNative() bool {
	return a.Currency == NativeCurrency
}

// Equal compares amounts numerically.
func (a Amount) Equal(other Amount) bool {
	if a.Currency != other.Currency || a.Issuer != other.Issuer {
		return false
	}
	return ValueEqual(a.Value, other.Value)
}

// ValueEqual compares two decimal strings numerically, so "10" equals "10.0".
func ValueEqual(a, b string) bool {
	x, err := decimal.NewFromString(a)
	if err != nil {
		return a == b
	}
	y, err := decimal.NewFromString(b)
	if err != nil {
		return false
	}
	return x.Equal(y)
}

func (a Amount) String() string {
	if a.IsNative() {
		return a.Value + " XRP"
	}
	return fmt.Sprintf("%s %s/%s", a.Value, a.Currency, a.Issuer)
}

type issuedAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
	Issuer   string `json:"issuer"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.IsNative() {
		v, err := decimal.NewFromString(a.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid native amount %q: %w", a.Value, err)
		}
		return json.Marshal(v.Shift(dropsPerXRP).StringFixed(0))
	}
	return json.Marshal(issuedAmount{Currency: a.Currency, Value: a.Value, Issuer: a.Issuer})
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var drops string
	if err := json.Unmarshal(data, &drops); err == nil {
		v, err := decimal.NewFromString(drops)
		if err != nil {
			return fmt.Errorf("invalid drops amount %q: %w", drops, err)
		}
		*a = Amount{Currency: NativeCurrency, Value: v.Shift(-dropsPerXRP).String()}
		return nil
	}

	var issued issuedAmount
	if err := json.Unmarshal(data, &issued); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	*a = Amount{Currency: issued.Currency, Value: issued.Value, Issuer: issued.Issuer}
	return nil
}

// Memo is an opaque attachment; Data is hex encoded on the wire.
type Memo struct {
	Data string
}

type memoWrapper struct {
	Memo struct {
		MemoData string `json:"MemoData"`
	} `json:"Memo"`
}

func (m Memo) MarshalJSON() ([]byte, error) {
	var w memoWrapper
	w.Memo.MemoData = strings.ToUpper(hex.EncodeToString([]byte(m.Data)))
	return json.Marshal(w)
}

func (m *Memo) UnmarshalJSON(data []byte) error {
	var w memoWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	raw, err := hex.DecodeString(w.Memo.MemoData)
	if err != nil {
		return fmt.Errorf("invalid memo data: %w", err)
	}
	m.Data = string(raw)
	return nil
}
