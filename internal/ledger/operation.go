package ledger

import (
	"errors"
	"fmt"
)

// TxType tags the variant of an Operation.
type TxType string

const (
	TxPayment     TxType = "Payment"
	TxCheckCreate TxType = "CheckCreate"
	TxCheckCash   TxType = "CheckCash"
	TxTrustSet    TxType = "TrustSet"
	TxAccountSet  TxType = "AccountSet"
)

// Transaction flags and AccountSet flags used by this service.
const (
	TfClearNoRipple  uint32 = 0x00040000
	AsfDefaultRipple uint32 = 8
)

var ErrInvalidOperation = errors.New("invalid operation")

// Operation is a ledger transaction before the gateway adds the sending
// account, sequence and fee. Which fields apply depends on Type.
type Operation struct {
	Type           TxType
	Destination    string
	DestinationTag *uint32
	Amount         *Amount // Payment, CheckCash
	SendMax        *Amount // CheckCreate
	CheckID        string  // CheckCash
	LimitAmount    *Amount // TrustSet
	Expiration     *uint32 // CheckCreate
	Flags          uint32
	SetFlag        uint32 // AccountSet
	ClearFlag      uint32 // AccountSet
	Memos          []Memo
}

func NewPayment(destination string, amount Amount) Operation {
	return Operation{Type: TxPayment, Destination: destination, Amount: &amount}
}

func NewCheckCreate(destination string, sendMax Amount) Operation {
	return Operation{Type: TxCheckCreate, Destination: destination, SendMax: &sendMax}
}

func NewCheckCash(checkID string, amount Amount) Operation {
	return Operation{Type: TxCheckCash, CheckID: checkID, Amount: &amount}
}

func NewTrustSet(limit Amount, flags uint32) Operation {
	return Operation{Type: TxTrustSet, LimitAmount: &limit, Flags: flags}
}

func NewAccountSet(setFlag, clearFlag uint32) Operation {
	return Operation{Type: TxAccountSet, SetFlag: setFlag, ClearFlag: clearFlag}
}

// WithMemo returns a copy of the operation carrying data as an extra memo.
func (o Operation) WithMemo(data string) Operation {
	if data == "" {
		return o
	}
	o.Memos = append(append([]Memo(nil), o.Memos...), Memo{Data: data})
	return o
}

// WithDestinationTag returns a copy of the operation with tag set, or the
// operation unchanged for a nil tag.
func (o Operation) WithDestinationTag(tag *uint32) Operation {
	if tag != nil {
		v := *tag
		o.DestinationTag = &v
	}
	return o
}

// WithExpiration sets the expiry of a check, in seconds since the ledger epoch.
func (o Operation) WithExpiration(expiration *uint32) Operation {
	if expiration != nil {
		v := *expiration
		o.Expiration = &v
	}
	return o
}

// Validate checks that the fields required by the operation's type are set.
func (o Operation) Validate() error {
	switch o.Type {
	case TxPayment:
		if o.Destination == "" || o.Amount == nil {
			return fmt.Errorf("%w: payment requires destination and amount", ErrInvalidOperation)
		}
	case TxCheckCreate:
		if o.Destination == "" || o.SendMax == nil {
			return fmt.Errorf("%w: check create requires destination and send max", ErrInvalidOperation)
		}
	case TxCheckCash:
		if o.CheckID == "" || o.Amount == nil {
			return fmt.Errorf("%w: check cash requires check id and amount", ErrInvalidOperation)
		}
	case TxTrustSet:
		if o.LimitAmount == nil || o.LimitAmount.IsNative() {
			return fmt.Errorf("%w: trust set requires an issued limit amount", ErrInvalidOperation)
		}
	case TxAccountSet:
		if o.SetFlag == 0 && o.ClearFlag == 0 && o.Flags == 0 {
			return fmt.Errorf("%w: account set changes nothing", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, o.Type)
	}
	return nil
}

// TxJSON renders the operation as rippled tx_json for the given account.
func (o Operation) TxJSON(account string) map[string]any {
	tx := map[string]any{
		"TransactionType": string(o.Type),
		"Account":         account,
	}
	if o.Destination != "" {
		tx["Destination"] = o.Destination
	}
	if o.DestinationTag != nil {
		tx["DestinationTag"] = *o.DestinationTag
	}
	if o.Amount != nil {
		tx["Amount"] = *o.Amount
	}
	if o.SendMax != nil {
		tx["SendMax"] = *o.SendMax
	}
	if o.CheckID != "" {
		tx["CheckID"] = o.CheckID
	}
	if o.LimitAmount != nil {
		tx["LimitAmount"] = *o.LimitAmount
	}
	if o.Expiration != nil {
		tx["Expiration"] = *o.Expiration
	}
	if o.Flags != 0 {
		tx["Flags"] = o.Flags
	}
	if o.SetFlag != 0 {
		tx["SetFlag"] = o.SetFlag
	}
	if o.ClearFlag != 0 {
		tx["ClearFlag"] = o.ClearFlag
	}
	if len(o.Memos) > 0 {
		tx["Memos"] = o.Memos
	}
	return tx
}
