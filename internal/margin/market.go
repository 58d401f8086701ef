package margin

import (
	"math/big"

	"github.com/google/uuid"
)

// PositionKind distinguishes the two position types an account can hold
// in the same market. They are margined together but liquidated
// independently.
type PositionKind uint8

const (
	KindTrader PositionKind = iota
	KindLp
)

func (k PositionKind) String() string {
	if k == KindLp {
		return "lp"
	}
	return "trader"
}

// ClosedPosition reports the result of a forced close at market.
type ClosedPosition struct {
	RealizedPnL    *big.Int // signed wad, settled into the primary asset
	ClosedNotional *big.Int // signed wad open notional removed
	ClosedSize     *big.Int // signed wad base size removed
}

// Market is the trading/AMM collaborator for one market. Reads reflect
// current market state at call time; there is no caching.
type Market interface {
	ID() string

	// RiskWeight is the market's margin risk weight as a wad.
	RiskWeight() *big.Int

	HasPosition(account uuid.UUID, kind PositionKind) bool

	// OpenNotional returns the signed open notional exposure as a wad.
	OpenNotional(account uuid.UUID, kind PositionKind) *big.Int

	// PnL returns the unrealized profit and loss as a signed wad.
	PnL(account uuid.UUID, kind PositionKind) *big.Int

	// RequiredCloseAmount is the amount a full close of the position
	// needs right now, given current market state.
	RequiredCloseAmount(account uuid.UUID, kind PositionKind) *big.Int

	// ClosePosition force-closes the position, executing against the
	// venue. minOut bounds acceptable slippage.
	ClosePosition(account uuid.UUID, kind PositionKind, proposedAmount, minOut *big.Int) (ClosedPosition, error)
}
