package intake

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/ksred/klear-settlement/internal/settlement"
)

// Decimal is an amount that may arrive as a JSON string or number.
type Decimal string

func (d *Decimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = Decimal(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*d = Decimal(n.String())
	return nil
}

// Payload is the CREATE_PAYMENT message as producers send it.
type Payload struct {
	OurSeed        string `json:"ourSeed" validate:"required"`
	OurAddress     string `json:"ourAddress" validate:"required,address"`
	ClientSeed     string `json:"clientSeed" validate:"required"`
	ClientAddress  string `json:"clientAddress" validate:"required,address"`
	Broker1Address string `json:"broker1Address" validate:"required,address"`
	Broker1Seed    string `json:"broker1Seed,omitempty"`
	Broker2Address string `json:"broker2Address" validate:"required,address"`
	Broker2Seed    string `json:"broker2Seed" validate:"required"`
	Issuer         string `json:"issuer" validate:"required,address"`
	ContractHash   string `json:"contractHash" validate:"required,max=256"`

	DestinationTag *uint32 `json:"destinationTag,omitempty"`
	DelaySeconds   *int    `json:"delaySeconds,omitempty" validate:"omitempty,min=0,max=86400"`

	Payment1Amount           Decimal `json:"payment1Amount" validate:"required,amount"`
	Payment1Currency         string  `json:"payment1Currency" validate:"required,currency"`
	CheckCreateSendMaxAmount Decimal `json:"checkCreateSendMaxAmount" validate:"required,amount"`
	CheckCreateAmount        Decimal `json:"checkCreateAmount" validate:"required,amount"`
	CheckCreateCurrency      string  `json:"checkCreateCurrency" validate:"required,currency"`
	Payment2Amount           Decimal `json:"payment2Amount" validate:"required,amount"`
	Payment2Currency         string  `json:"payment2Currency" validate:"required,currency"`
	CheckCashAmount          Decimal `json:"checkCashAmount" validate:"required,amount"`
	CheckCashCurrency        string  `json:"checkCashCurrency" validate:"required,currency"`

	CheckExpiration  *uint32 `json:"checkExpiration,omitempty"`
	EnsureTrustlines bool    `json:"ensureTrustlines,omitempty"`
	TrustlineLimit   Decimal `json:"trustlineLimit,omitempty" validate:"omitempty,amount"`

	Contract *settlement.ContractMetadata `json:"contract,omitempty"`
}

// ToRequest maps a validated payload onto a settlement request.
func (p Payload) ToRequest() settlement.Request {
	delay := settlement.DefaultCashDelay
	if p.DelaySeconds != nil {
		delay = time.Duration(*p.DelaySeconds) * time.Second
	}

	return settlement.Request{
		ContractHash: p.ContractHash,
		Issuer:       p.Issuer,
		Operator:     settlement.Party{Address: p.OurAddress, Seed: p.OurSeed},
		Client:       settlement.Party{Address: p.ClientAddress, Seed: p.ClientSeed},
		Broker1:      settlement.Party{Address: p.Broker1Address, Seed: p.Broker1Seed},
		Broker2:      settlement.Party{Address: p.Broker2Address, Seed: p.Broker2Seed},
		Payment1:     settlement.Leg{Amount: string(p.Payment1Amount), Currency: p.Payment1Currency},
		CheckSendMax: settlement.Leg{Amount: string(p.CheckCreateSendMaxAmount), Currency: p.CheckCreateCurrency},
		CheckAmount:  string(p.CheckCreateAmount),
		Payment2:     settlement.Leg{Amount: string(p.Payment2Amount), Currency: p.Payment2Currency},
		CheckCash:    settlement.Leg{Amount: string(p.CheckCashAmount), Currency: p.CheckCashCurrency},

		DestinationTag:   p.DestinationTag,
		CheckExpiration:  p.CheckExpiration,
		CashDelay:        delay,
		EnsureTrustlines: p.EnsureTrustlines,
		TrustlineLimit:   string(p.TrustlineLimit),
		Contract:         p.Contract,
	}
}

// AccountSetPayload is the ACCOUNT_SET message.
type AccountSetPayload struct {
	Secret    string `json:"secret" validate:"required"`
	SetFlag   uint32 `json:"setFlag" validate:"required_without=ClearFlag"`
	ClearFlag uint32 `json:"clearFlag"`
}
