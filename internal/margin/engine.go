// Package margin aggregates profit-and-loss and open-notional exposure
// across markets and gates every collateral-reducing mutation against
// minimum-margin thresholds.
package margin

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"marginledger/internal/ledger"
	"marginledger/internal/wad"
)

var (
	ErrBelowMinMargin  = errors.New("margin: ratio would fall below threshold")
	ErrUnknownMarket   = errors.New("margin: unknown market")
	ErrDuplicateMarket = errors.New("margin: market already registered")
)

// Params holds the engine's margin thresholds, as wads.
type Params struct {
	// MinMargin is the maintenance threshold: below it a position is
	// liquidatable and withdrawals against existing exposure fail.
	MinMargin *big.Int

	// MinMarginAtCreation gates newly opened exposure.
	MinMarginAtCreation *big.Int
}

// Engine computes cross-market margin metrics on top of the ledger.
type Engine struct {
	ledger  *ledger.Ledger
	params  Params
	order   []string
	markets map[string]Market
}

func NewEngine(l *ledger.Ledger, params Params) *Engine {
	return &Engine{
		ledger:  l,
		params:  params,
		markets: make(map[string]Market),
	}
}

// Params returns the engine's thresholds.
func (e *Engine) Params() Params { return e.params }

// RegisterMarket attaches a trading venue. Registration order fixes the
// iteration order for all aggregates.
func (e *Engine) RegisterMarket(m Market) error {
	if _, ok := e.markets[m.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMarket, m.ID())
	}
	e.markets[m.ID()] = m
	e.order = append(e.order, m.ID())
	return nil
}

// Market resolves a registered market by id.
func (e *Engine) Market(id string) (Market, error) {
	m, ok := e.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m, nil
}

// PnLAcrossMarkets sums unrealized PnL over every position the account
// holds, both kinds.
func (e *Engine) PnLAcrossMarkets(account uuid.UUID) *big.Int {
	total := new(big.Int)
	e.eachPosition(account, func(m Market, kind PositionKind) {
		total.Add(total, m.PnL(account, kind))
	})
	return total
}

// MarginRequired sums abs(openNotional) * ratio * riskWeight across
// every market the account has exposure in.
func (e *Engine) MarginRequired(account uuid.UUID, ratio *big.Int) (*big.Int, error) {
	total := new(big.Int)
	var werr error
	e.eachPosition(account, func(m Market, kind PositionKind) {
		if werr != nil {
			return
		}
		notional := wad.Abs(m.OpenNotional(account, kind))
		v, err := wad.Mul(notional, ratio)
		if err == nil {
			v, err = wad.Mul(v, m.RiskWeight())
		}
		if err != nil {
			werr = err
			return
		}
		total.Add(total, v)
	})
	return total, werr
}

// weightedExposure is the margin-ratio denominator:
// sum of abs(openNotional) * riskWeight.
func (e *Engine) weightedExposure(account uuid.UUID) (*big.Int, error) {
	return e.MarginRequired(account, wad.One())
}

// FreeCollateralByRatio returns
//
//	min(reserve, reserve + pnl) - marginRequired(account, ratio)
//
// with the risk-weight-discounted reserve value. Taking the minimum
// keeps unrealized gains from inflating free collateral while still
// charging unrealized losses against posted collateral.
func (e *Engine) FreeCollateralByRatio(account uuid.UUID, ratio *big.Int) (*big.Int, error) {
	reserve, err := e.ledger.ReserveValue(account, true)
	if err != nil {
		return nil, err
	}
	withPnL, err := wad.Add(reserve, e.PnLAcrossMarkets(account))
	if err != nil {
		return nil, err
	}
	required, err := e.MarginRequired(account, ratio)
	if err != nil {
		return nil, err
	}
	return wad.Sub(wad.Min(reserve, withPnL), required)
}

// MarginRatio returns (reserve + pnl) / weightedExposure as a wad. With
// no open exposure the ratio is undefined; hasExposure is false and the
// sentinel wad.Max is returned, which every threshold comparison treats
// as maximally healthy.
func (e *Engine) MarginRatio(account uuid.UUID) (ratio *big.Int, hasExposure bool, err error) {
	exposure, err := e.weightedExposure(account)
	if err != nil {
		return nil, false, err
	}
	if exposure.Sign() == 0 {
		return wad.Max(), false, nil
	}
	reserve, err := e.ledger.ReserveValue(account, true)
	if err != nil {
		return nil, false, err
	}
	equity, err := wad.Add(reserve, e.PnLAcrossMarkets(account))
	if err != nil {
		return nil, false, err
	}
	ratio, err = wad.Div(equity, exposure)
	if err != nil {
		return nil, false, err
	}
	return ratio, true, nil
}

// IsLiquidatable reports whether the account's position in the given
// market can be force-closed: the position exists and the account-wide
// margin ratio is below MinMargin.
func (e *Engine) IsLiquidatable(account uuid.UUID) (bool, error) {
	ratio, hasExposure, err := e.MarginRatio(account)
	if err != nil {
		return false, err
	}
	return hasExposure && ratio.Cmp(e.params.MinMargin) < 0, nil
}

// CheckWithdrawal gates a withdrawal of the given discounted USD value
// against the MinMargin threshold. Fails when free collateral at
// MinMargin cannot absorb the value leaving.
func (e *Engine) CheckWithdrawal(account uuid.UUID, value *big.Int) error {
	free, err := e.FreeCollateralByRatio(account, e.params.MinMargin)
	if err != nil {
		return err
	}
	if free.Cmp(value) < 0 {
		return ErrBelowMinMargin
	}
	return nil
}

// CheckNewExposure gates newly opened exposure against the stricter
// MinMarginAtCreation threshold.
func (e *Engine) CheckNewExposure(account uuid.UUID) error {
	free, err := e.FreeCollateralByRatio(account, e.params.MinMarginAtCreation)
	if err != nil {
		return err
	}
	if free.Sign() < 0 {
		return ErrBelowMinMargin
	}
	return nil
}

func (e *Engine) eachPosition(account uuid.UUID, fn func(Market, PositionKind)) {
	for _, id := range e.order {
		m := e.markets[id]
		for _, kind := range []PositionKind{KindTrader, KindLp} {
			if m.HasPosition(account, kind) {
				fn(m, kind)
			}
		}
	}
}
