// Package event defines the domain events emitted after each committed
// ledger operation.
package event

import "time"

// Type discriminates event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeCollateralAdded
	TypeCollateralWeightChanged
	TypeCollateralCapChanged
	TypeDeposited
	TypeWithdrawn
	TypePnLSettled
	TypeLiquidationExecuted
	TypeCollateralSeized
	TypeBadDebtRecorded
	TypeInsuranceFunded
)

func (t Type) String() string {
	switch t {
	case TypeCollateralAdded:
		return "collateral_added"
	case TypeCollateralWeightChanged:
		return "collateral_weight_changed"
	case TypeCollateralCapChanged:
		return "collateral_cap_changed"
	case TypeDeposited:
		return "deposited"
	case TypeWithdrawn:
		return "withdrawn"
	case TypePnLSettled:
		return "pnl_settled"
	case TypeLiquidationExecuted:
		return "liquidation_executed"
	case TypeCollateralSeized:
		return "collateral_seized"
	case TypeBadDebtRecorded:
		return "bad_debt_recorded"
	case TypeInsuranceFunded:
		return "insurance_funded"
	default:
		return "unknown"
	}
}

// Event is implemented by every payload.
type Event interface {
	EventType() Type
}

// Envelope wraps a committed event with its engine-assigned sequence.
// Sequences are monotonic; downstream consumers rely on them for
// ordering and gap detection.
type Envelope struct {
	Sequence  int64     `json:"sequence"`
	Type      Type      `json:"-"`
	TypeName  string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Event     `json:"payload"`
}

// Wrap builds an envelope around a payload.
func Wrap(sequence int64, ts time.Time, payload Event) Envelope {
	return Envelope{
		Sequence:  sequence,
		Type:      payload.EventType(),
		TypeName:  payload.EventType().String(),
		Timestamp: ts,
		Payload:   payload,
	}
}
