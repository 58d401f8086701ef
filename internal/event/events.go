package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Amounts are wads serialized as arbitrary-precision JSON numbers.

type CollateralAdded struct {
	Symbol    string   `json:"symbol"`
	Index     int      `json:"index"`
	Weight    *big.Int `json:"weight"`
	MaxAmount *big.Int `json:"max_amount"`
}

func (e *CollateralAdded) EventType() Type { return TypeCollateralAdded }

type CollateralWeightChanged struct {
	Symbol string   `json:"symbol"`
	Weight *big.Int `json:"weight"`
}

func (e *CollateralWeightChanged) EventType() Type { return TypeCollateralWeightChanged }

type CollateralCapChanged struct {
	Symbol    string   `json:"symbol"`
	MaxAmount *big.Int `json:"max_amount"`
}

func (e *CollateralCapChanged) EventType() Type { return TypeCollateralCapChanged }

type Deposited struct {
	Payer       uuid.UUID `json:"payer"`
	Beneficiary uuid.UUID `json:"beneficiary"`
	Symbol      string    `json:"symbol"`
	Amount      *big.Int  `json:"amount"` // internal units credited
}

func (e *Deposited) EventType() Type { return TypeDeposited }

type Withdrawn struct {
	Account   uuid.UUID `json:"account"`
	Spender   uuid.UUID `json:"spender,omitempty"` // set for delegated withdrawals
	Symbol    string    `json:"symbol"`
	Amount    *big.Int  `json:"amount"` // internal units debited
	Delegated bool      `json:"delegated"`
}

func (e *Withdrawn) EventType() Type { return TypeWithdrawn }

type PnLSettled struct {
	Account uuid.UUID `json:"account"`
	Amount  *big.Int  `json:"amount"` // signed
}

func (e *PnLSettled) EventType() Type { return TypePnLSettled }

type LiquidationExecuted struct {
	Liquidator       uuid.UUID `json:"liquidator"`
	Account          uuid.UUID `json:"account"`
	Market           string    `json:"market"`
	Kind             string    `json:"kind"` // trader | lp
	ClosedNotional   *big.Int  `json:"closed_notional"`
	RealizedPnL      *big.Int  `json:"realized_pnl"`
	Reward           *big.Int  `json:"reward"`
	LiquidatorReward *big.Int  `json:"liquidator_reward"`
	InsuranceReward  *big.Int  `json:"insurance_reward"`
}

func (e *LiquidationExecuted) EventType() Type { return TypeLiquidationExecuted }

type SeizedLot struct {
	Symbol  string   `json:"symbol"`
	Amount  *big.Int `json:"amount"`
	Payment *big.Int `json:"payment"`
}

type CollateralSeized struct {
	Caller   uuid.UUID   `json:"caller"`
	Account  uuid.UUID   `json:"account"`
	Seized   []SeizedLot `json:"seized"`
	Proceeds *big.Int    `json:"proceeds"`
}

func (e *CollateralSeized) EventType() Type { return TypeCollateralSeized }

type BadDebtRecorded struct {
	Account uuid.UUID `json:"account"`
	Amount  *big.Int  `json:"amount"`
}

func (e *BadDebtRecorded) EventType() Type { return TypeBadDebtRecorded }

type InsuranceFunded struct {
	Funder uuid.UUID `json:"funder"`
	Amount *big.Int  `json:"amount"`
}

func (e *InsuranceFunded) EventType() Type { return TypeInsuranceFunded }
