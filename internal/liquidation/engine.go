// Package liquidation force-closes undercollateralized positions and
// seizes collateral from accounts with unpaid settlement-asset debt,
// socializing any unrecoverable shortfall through the insurance
// reserve.
package liquidation

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"marginledger/internal/collateral"
	"marginledger/internal/ledger"
	"marginledger/internal/margin"
	"marginledger/internal/wad"
)

var (
	// ErrInvalidPosition: the account has no open position of the
	// requested kind in the market.
	ErrInvalidPosition = errors.New("liquidation: no liquidatable position")

	// ErrValidMargin: the account's margin ratio is at or above the
	// maintenance threshold.
	ErrValidMargin = errors.New("liquidation: margin ratio above threshold")

	// ErrInsufficientProposedAmount: the caller-supplied close amount
	// deviates from the verified required amount beyond tolerance.
	ErrInsufficientProposedAmount = errors.New("liquidation: proposed close amount outside tolerance")

	// ErrDebtSizeZero: seizure attempted with a non-negative primary
	// balance.
	ErrDebtSizeZero = errors.New("liquidation: no settlement-asset debt")

	// ErrSufficientCollateral: the debt is neither above the seizure
	// threshold nor beyond what the discounted collateral covers.
	ErrSufficientCollateral = errors.New("liquidation: debt below seizure threshold")
)

// Params holds the liquidation-side risk parameters, as wads.
type Params struct {
	// LiquidationRewardRate scales the reward off abs closed notional.
	LiquidationRewardRate *big.Int

	// InsuranceShare is the fraction of the reward routed to the
	// insurance reserve; the rest goes to the liquidator.
	InsuranceShare *big.Int

	// UADebtSeizureThreshold: debt beyond it makes non-primary
	// collateral seizable regardless of how much is posted.
	UADebtSeizureThreshold *big.Int

	// NonUACollSeizureDiscount is the haircut a seizure buyer keeps.
	NonUACollSeizureDiscount *big.Int

	// ProposalTolerance bounds the relative deviation between the
	// proposed and required close amounts. Venue-dependent; configured,
	// never hard-coded.
	ProposalTolerance *big.Int
}

// Result reports a completed liquidation.
type Result struct {
	Market           string
	Kind             margin.PositionKind
	ClosedNotional   *big.Int
	ClosedSize       *big.Int
	RealizedPnL      *big.Int
	Reward           *big.Int
	LiquidatorReward *big.Int
	InsuranceReward  *big.Int
}

// SeizedCollateral is one collateral position taken during seizure.
type SeizedCollateral struct {
	Symbol  string
	Amount  *big.Int // internal units handed to the caller
	Payment *big.Int // primary-asset payment made by the caller
}

// SeizureResult reports a completed collateral seizure.
type SeizureResult struct {
	Seized   []SeizedCollateral
	Proceeds *big.Int // total primary-asset payments applied to the debt
	BadDebt  *big.Int // residual charged to the insurance reserve
}

// Engine consumes the margin engine's solvency checks and calls back
// into the ledger to move balances.
type Engine struct {
	ledger    *ledger.Ledger
	margin    *margin.Engine
	insurance *InsuranceReserve
	params    Params
}

func NewEngine(l *ledger.Ledger, m *margin.Engine, insurance *InsuranceReserve, params Params) *Engine {
	return &Engine{ledger: l, margin: m, insurance: insurance, params: params}
}

// Insurance exposes the reserve for read access.
func (e *Engine) Insurance() *InsuranceReserve { return e.insurance }

// LiquidateTrader force-closes the account's trader position.
func (e *Engine) LiquidateTrader(liquidator, account uuid.UUID, marketID string, proposedAmount, minOut *big.Int) (*Result, error) {
	return e.liquidate(liquidator, account, marketID, margin.KindTrader, proposedAmount, minOut)
}

// LiquidateLp force-closes the account's liquidity-provision position.
func (e *Engine) LiquidateLp(liquidator, account uuid.UUID, marketID string, proposedAmount, minOut *big.Int) (*Result, error) {
	return e.liquidate(liquidator, account, marketID, margin.KindLp, proposedAmount, minOut)
}

func (e *Engine) liquidate(liquidator, account uuid.UUID, marketID string, kind margin.PositionKind, proposedAmount, minOut *big.Int) (*Result, error) {
	m, err := e.margin.Market(marketID)
	if err != nil {
		return nil, err
	}
	if !m.HasPosition(account, kind) {
		return nil, fmt.Errorf("%w: %s %s in %s", ErrInvalidPosition, account, kind, marketID)
	}

	liquidatable, err := e.margin.IsLiquidatable(account)
	if err != nil {
		return nil, err
	}
	if !liquidatable {
		return nil, ErrValidMargin
	}

	// The proposal is verified against current market state so a
	// liquidator can neither under-close to farm repeated rewards nor
	// steer slippage. Price and position may have moved since the
	// proposal was sized off-chain; the tolerance absorbs that drift.
	required := m.RequiredCloseAmount(account, kind)
	if err := e.checkProposal(proposedAmount, required); err != nil {
		return nil, err
	}

	closed, err := m.ClosePosition(account, kind, proposedAmount, minOut)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}

	if err := e.ledger.Settle(account, closed.RealizedPnL, ledger.JournalTypeSettlement); err != nil {
		return nil, err
	}

	reward, err := wad.Mul(wad.Abs(closed.ClosedNotional), e.params.LiquidationRewardRate)
	if err != nil {
		return nil, err
	}
	insuranceReward, err := wad.Mul(reward, e.params.InsuranceShare)
	if err != nil {
		return nil, err
	}
	// The split is exact by construction: the liquidator gets whatever
	// the truncating insurance cut left behind.
	liquidatorReward := new(big.Int).Sub(reward, insuranceReward)

	// Both shares are paid out of the liquidated account's own reserve.
	if err := e.ledger.Settle(account, wad.Neg(reward), ledger.JournalTypeLiquidationReward); err != nil {
		return nil, err
	}
	if err := e.ledger.Settle(liquidator, liquidatorReward, ledger.JournalTypeLiquidationReward); err != nil {
		return nil, err
	}
	e.insurance.Credit(insuranceReward)

	return &Result{
		Market:           marketID,
		Kind:             kind,
		ClosedNotional:   closed.ClosedNotional,
		ClosedSize:       closed.ClosedSize,
		RealizedPnL:      closed.RealizedPnL,
		Reward:           reward,
		LiquidatorReward: liquidatorReward,
		InsuranceReward:  insuranceReward,
	}, nil
}

func (e *Engine) checkProposal(proposed, required *big.Int) error {
	if proposed == nil {
		return ErrInsufficientProposedAmount
	}
	tolerance, err := wad.Mul(wad.Abs(required), e.params.ProposalTolerance)
	if err != nil {
		return err
	}
	deviation := new(big.Int).Abs(new(big.Int).Sub(proposed, required))
	if deviation.Cmp(tolerance) > 0 {
		return fmt.Errorf("%w: proposed %s, required %s", ErrInsufficientProposedAmount,
			wad.String(proposed), wad.String(required))
	}
	return nil
}

// CanSeizeCollateral reports whether the account's non-primary
// collateral is seizable: the account carries settlement-asset debt and
// the debt either exceeds the seizure threshold or exceeds what the
// risk-discounted collateral could cover.
func (e *Engine) CanSeizeCollateral(account uuid.UUID) error {
	ua := e.ledger.Balance(account, collateral.PrimaryIndex)
	if ua.Sign() >= 0 {
		return ErrDebtSizeZero
	}
	debt := new(big.Int).Neg(ua)

	reserve, err := e.ledger.ReserveValue(account, true)
	if err != nil {
		return err
	}
	// Non-primary discounted value; the primary balance contributes
	// itself (negative here), so removing it isolates the rest.
	nonPrimary := new(big.Int).Sub(reserve, ua)

	if debt.Cmp(e.params.UADebtSeizureThreshold) <= 0 && debt.Cmp(nonPrimary) <= 0 {
		return ErrSufficientCollateral
	}
	return nil
}

// SeizeCollateral transfers every non-primary collateral balance of the
// account to the caller. The caller pays the undiscounted USD value
// minus the seizure discount in the primary asset; proceeds reduce the
// account's debt and any residual is absorbed by the insurance reserve.
func (e *Engine) SeizeCollateral(caller, account uuid.UUID) (*SeizureResult, error) {
	if err := e.CanSeizeCollateral(account); err != nil {
		return nil, err
	}

	reg := e.ledger.Registry()
	oneMinusDiscount := new(big.Int).Sub(wad.One(), e.params.NonUACollSeizureDiscount)

	// Validate the whole run before moving anything: prices must be
	// available and the caller must be able to pay for every lot, or
	// the call aborts with no partial effects.
	type lot struct {
		idx     int
		symbol  string
		balance *big.Int
		payment *big.Int
	}
	var lots []lot
	totalPayment := new(big.Int)
	for idx := 1; idx < reg.Count(); idx++ {
		bal := e.ledger.Balance(account, idx)
		if bal.Sign() <= 0 {
			continue
		}
		desc, _ := reg.Get(idx)
		value, err := e.ledger.CollateralValue(bal, desc)
		if err != nil {
			return nil, err
		}
		payment, err := wad.Mul(value, oneMinusDiscount)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot{idx: idx, symbol: desc.Asset.Symbol, balance: bal, payment: payment})
		totalPayment.Add(totalPayment, payment)
	}
	if e.ledger.Balance(caller, collateral.PrimaryIndex).Cmp(totalPayment) < 0 {
		return nil, fmt.Errorf("%w: seizure payment %s", ledger.ErrInsufficientBalance, wad.String(totalPayment))
	}

	result := &SeizureResult{Proceeds: new(big.Int), BadDebt: new(big.Int)}
	for _, lo := range lots {
		if lo.payment.Sign() > 0 {
			if err := e.ledger.Transfer(caller, account, collateral.PrimaryIndex, lo.payment, ledger.JournalTypeSeizurePayment); err != nil {
				return nil, err
			}
		}
		if err := e.ledger.Transfer(account, caller, lo.idx, lo.balance, ledger.JournalTypeSeizureTransfer); err != nil {
			return nil, err
		}
		result.Seized = append(result.Seized, SeizedCollateral{Symbol: lo.symbol, Amount: lo.balance, Payment: lo.payment})
		result.Proceeds.Add(result.Proceeds, lo.payment)
	}

	// Whatever debt the proceeds could not erase is socialized.
	ua := e.ledger.Balance(account, collateral.PrimaryIndex)
	if ua.Sign() < 0 {
		residual := new(big.Int).Neg(ua)
		e.insurance.Charge(residual)
		if err := e.ledger.Settle(account, residual, ledger.JournalTypeInsuranceCharge); err != nil {
			return nil, err
		}
		result.BadDebt.Set(residual)
	}
	return result, nil
}
