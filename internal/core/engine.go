// Package core wires the collateral ledger, margin engine and
// liquidation engine behind a single call-serialized façade. Every
// externally invoked operation runs to completion under one lock:
// validation happens against current state and prices, and a failed
// call leaves no partial effects.
package core

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"marginledger/internal/collateral"
	"marginledger/internal/event"
	"marginledger/internal/ledger"
	"marginledger/internal/liquidation"
	"marginledger/internal/margin"
	"marginledger/internal/observability"
	"marginledger/internal/wad"
)

// Role names a permission checked against the governance collaborator.
type Role string

const RoleGovernance Role = "governance"

// RoleChecker is the external governance/access-control component.
type RoleChecker interface {
	HasRole(caller uuid.UUID, role Role) bool
}

var ErrNotGovernance = errors.New("core: caller lacks governance role")

// Engine is the margin ledger's single entry point.
type Engine struct {
	mu sync.Mutex

	log         zerolog.Logger
	registry    *collateral.Registry
	ledger      *ledger.Ledger
	margin      *margin.Engine
	liquidation *liquidation.Engine
	roles       RoleChecker
	metrics     *observability.Metrics

	sequence  int64
	persistCh chan<- event.Envelope
	publishCh chan<- event.Envelope
	now       func() time.Time
}

func NewEngine(
	reg *collateral.Registry,
	led *ledger.Ledger,
	mar *margin.Engine,
	liq *liquidation.Engine,
	roles RoleChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		log:         log,
		registry:    reg,
		ledger:      led,
		margin:      mar,
		liquidation: liq,
		roles:       roles,
		metrics:     metrics,
		now:         time.Now,
	}
}

// SetEventSinks installs the post-commit fan-out channels. The persist
// channel blocks (backpressure); the publish channel drops when full.
func (e *Engine) SetEventSinks(persist, publish chan<- event.Envelope) {
	e.persistCh = persist
	e.publishCh = publish
}

// --- operation plumbing ---

func (e *Engine) run(op string, fn func() ([]event.Event, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	evts, err := fn()
	if e.metrics != nil {
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
		}
		e.log.Debug().Str("op", op).Err(err).Msg("operation rejected")
		return err
	}
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
	}
	for _, evt := range evts {
		e.emit(evt)
	}
	return nil
}

func (e *Engine) emit(payload event.Event) {
	e.sequence++
	env := event.Wrap(e.sequence, e.now(), payload)
	if e.metrics != nil {
		e.metrics.EventsEmitted.Inc()
	}
	if e.persistCh != nil {
		e.persistCh <- env
	}
	if e.publishCh != nil {
		select {
		case e.publishCh <- env:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
			e.log.Warn().Int64("sequence", env.Sequence).Msg("publish channel full, event dropped")
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, collateral.ErrUnlisted):
		return "unlisted_asset"
	case errors.Is(err, collateral.ErrAlreadyListed):
		return "already_listed"
	case errors.Is(err, collateral.ErrWeightOutOfRange):
		return "weight_out_of_range"
	case errors.Is(err, ledger.ErrDepositCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, ledger.ErrInsufficientReserves):
		return "insufficient_reserves"
	case errors.Is(err, ledger.ErrOutstandingDebt):
		return "outstanding_debt"
	case errors.Is(err, ledger.ErrZeroAmount), errors.Is(err, ledger.ErrZeroBeneficiary):
		return "invalid_input"
	case errors.Is(err, margin.ErrBelowMinMargin):
		return "below_min_margin"
	case errors.Is(err, margin.ErrUnknownMarket):
		return "unknown_market"
	case errors.Is(err, liquidation.ErrValidMargin):
		return "valid_margin"
	case errors.Is(err, liquidation.ErrInvalidPosition):
		return "invalid_position"
	case errors.Is(err, liquidation.ErrInsufficientProposedAmount):
		return "proposal_mismatch"
	case errors.Is(err, liquidation.ErrDebtSizeZero):
		return "debt_size_zero"
	case errors.Is(err, liquidation.ErrSufficientCollateral):
		return "sufficient_collateral"
	case errors.Is(err, ErrNotGovernance):
		return "not_governance"
	case errors.Is(err, wad.ErrOverflow):
		return "overflow"
	default:
		return "internal"
	}
}

// --- governance operations ---

// AddWhiteListedCollateral appends a collateral descriptor.
func (e *Engine) AddWhiteListedCollateral(caller uuid.UUID, asset collateral.Asset, weight, maxAmount *big.Int) error {
	return e.run("add_collateral", func() ([]event.Event, error) {
		if !e.roles.HasRole(caller, RoleGovernance) {
			return nil, ErrNotGovernance
		}
		idx, err := e.registry.Add(asset, weight, maxAmount)
		if err != nil {
			return nil, err
		}
		e.log.Info().Str("symbol", asset.Symbol).Int("index", idx).Msg("collateral whitelisted")
		return []event.Event{&event.CollateralAdded{
			Symbol:    asset.Symbol,
			Index:     idx,
			Weight:    new(big.Int).Set(weight),
			MaxAmount: new(big.Int).Set(maxAmount),
		}}, nil
	})
}

// ChangeCollateralWeight mutates a listed asset's risk weight.
func (e *Engine) ChangeCollateralWeight(caller uuid.UUID, symbol string, weight *big.Int) error {
	return e.run("change_weight", func() ([]event.Event, error) {
		if !e.roles.HasRole(caller, RoleGovernance) {
			return nil, ErrNotGovernance
		}
		if err := e.registry.SetWeight(symbol, weight); err != nil {
			return nil, err
		}
		return []event.Event{&event.CollateralWeightChanged{
			Symbol: symbol,
			Weight: new(big.Int).Set(weight),
		}}, nil
	})
}

// ChangeCollateralMaxAmount mutates a listed asset's deposit cap.
func (e *Engine) ChangeCollateralMaxAmount(caller uuid.UUID, symbol string, maxAmount *big.Int) error {
	return e.run("change_max_amount", func() ([]event.Event, error) {
		if !e.roles.HasRole(caller, RoleGovernance) {
			return nil, ErrNotGovernance
		}
		if err := e.registry.SetMaxAmount(symbol, maxAmount); err != nil {
			return nil, err
		}
		return []event.Event{&event.CollateralCapChanged{
			Symbol:    symbol,
			MaxAmount: new(big.Int).Set(maxAmount),
		}}, nil
	})
}

// --- settlement capability ---

// Settlement is the capability held by the trusted margin-settlement
// component. Only its holder can register deposits or settle PnL; the
// boundary is the capability value itself, not a caller-identity check,
// so the ledger and the trading side stay independently testable.
type Settlement struct {
	eng *Engine
}

// GrantSettlement hands out the settlement capability. Wiring decides
// who holds it.
func (e *Engine) GrantSettlement() *Settlement {
	return &Settlement{eng: e}
}

// Deposit credits the beneficiary with the payer's tokens.
func (s *Settlement) Deposit(payer, beneficiary uuid.UUID, nativeAmount *big.Int, symbol string) error {
	e := s.eng
	return e.run("deposit", func() ([]event.Event, error) {
		internal, err := e.ledger.Deposit(payer, beneficiary, nativeAmount, symbol)
		if err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.updateTVLGauge()
		}
		return []event.Event{&event.Deposited{
			Payer:       payer,
			Beneficiary: beneficiary,
			Symbol:      symbol,
			Amount:      internal,
		}}, nil
	})
}

// SettlePnL realizes trading profit or loss against the account's
// primary-asset balance.
func (s *Settlement) SettlePnL(account uuid.UUID, delta *big.Int) error {
	e := s.eng
	return e.run("settle_pnl", func() ([]event.Event, error) {
		if err := e.ledger.Settle(account, delta, ledger.JournalTypeSettlement); err != nil {
			return nil, err
		}
		return []event.Event{&event.PnLSettled{
			Account: account,
			Amount:  new(big.Int).Set(delta),
		}}, nil
	})
}

// --- withdrawals & allowances ---

// Withdraw moves nativeAmount of the asset back to the account, gated
// by the maintenance-margin threshold.
func (e *Engine) Withdraw(account uuid.UUID, nativeAmount *big.Int, symbol string) error {
	return e.run("withdraw", func() ([]event.Event, error) {
		internal, err := e.gateWithdrawal(account, nativeAmount, symbol)
		if err != nil {
			return nil, err
		}
		if _, err := e.ledger.Withdraw(account, nativeAmount, symbol); err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.updateTVLGauge()
		}
		return []event.Event{&event.Withdrawn{
			Account: account,
			Symbol:  symbol,
			Amount:  internal,
		}}, nil
	})
}

// WithdrawAll drains the account's entire balance in the asset.
func (e *Engine) WithdrawAll(account uuid.UUID, symbol string) error {
	return e.run("withdraw_all", func() ([]event.Event, error) {
		idx, desc, err := e.registry.Lookup(symbol)
		if err != nil {
			return nil, err
		}
		internal := e.ledger.Balance(account, idx)
		if err := e.checkMarginGate(account, internal, idx, desc.Weight); err != nil {
			return nil, err
		}
		withdrawn, err := e.ledger.WithdrawAll(account, symbol)
		if err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.updateTVLGauge()
		}
		return []event.Event{&event.Withdrawn{
			Account: account,
			Symbol:  symbol,
			Amount:  withdrawn,
		}}, nil
	})
}

// WithdrawFor performs a delegated withdrawal against an allowance; the
// margin gate applies to the owner.
func (e *Engine) WithdrawFor(spender, owner uuid.UUID, nativeAmount *big.Int, symbol string) error {
	return e.run("withdraw_for", func() ([]event.Event, error) {
		internal, err := e.gateWithdrawal(owner, nativeAmount, symbol)
		if err != nil {
			return nil, err
		}
		if _, err := e.ledger.WithdrawFor(spender, owner, nativeAmount, symbol); err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.updateTVLGauge()
		}
		return []event.Event{&event.Withdrawn{
			Account:   owner,
			Spender:   spender,
			Symbol:    symbol,
			Amount:    internal,
			Delegated: true,
		}}, nil
	})
}

func (e *Engine) gateWithdrawal(account uuid.UUID, nativeAmount *big.Int, symbol string) (*big.Int, error) {
	idx, desc, err := e.registry.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	if nativeAmount == nil || nativeAmount.Sign() <= 0 {
		return nil, ledger.ErrZeroAmount
	}
	internal, err := wad.FromNative(nativeAmount, desc.Asset.Decimals)
	if err != nil {
		return nil, err
	}
	if err := e.checkMarginGate(account, internal, idx, desc.Weight); err != nil {
		return nil, err
	}
	return internal, nil
}

// checkMarginGate values the collateral leaving (risk-discounted) and
// requires free collateral at MinMargin to absorb it.
func (e *Engine) checkMarginGate(account uuid.UUID, internal *big.Int, idx int, weight *big.Int) error {
	desc, err := e.registry.Get(idx)
	if err != nil {
		return err
	}
	value, err := e.ledger.CollateralValue(internal, desc)
	if err != nil {
		return err
	}
	if idx != collateral.PrimaryIndex {
		if value, err = wad.Mul(value, weight); err != nil {
			return err
		}
	}
	return e.margin.CheckWithdrawal(account, value)
}

// IncreaseAllowance grants a delegated withdrawal, in internal units.
func (e *Engine) IncreaseAllowance(owner, spender uuid.UUID, amount *big.Int, symbol string) error {
	return e.run("increase_allowance", func() ([]event.Event, error) {
		return nil, e.ledger.IncreaseAllowance(owner, spender, amount, symbol)
	})
}

// DecreaseAllowance reduces a delegated withdrawal grant.
func (e *Engine) DecreaseAllowance(owner, spender uuid.UUID, amount *big.Int, symbol string) error {
	return e.run("decrease_allowance", func() ([]event.Event, error) {
		return nil, e.ledger.DecreaseAllowance(owner, spender, amount, symbol)
	})
}

// --- liquidation & seizure ---

// LiquidateTrader force-closes an undercollateralized trader position.
func (e *Engine) LiquidateTrader(liquidator, account uuid.UUID, marketID string, proposedAmount, minOut *big.Int) (*liquidation.Result, error) {
	return e.liquidate("liquidate_trader", margin.KindTrader, liquidator, account, marketID, proposedAmount, minOut)
}

// LiquidateLp force-closes an undercollateralized LP position.
func (e *Engine) LiquidateLp(liquidator, account uuid.UUID, marketID string, proposedAmount, minOut *big.Int) (*liquidation.Result, error) {
	return e.liquidate("liquidate_lp", margin.KindLp, liquidator, account, marketID, proposedAmount, minOut)
}

func (e *Engine) liquidate(op string, kind margin.PositionKind, liquidator, account uuid.UUID, marketID string, proposedAmount, minOut *big.Int) (*liquidation.Result, error) {
	var result *liquidation.Result
	err := e.run(op, func() ([]event.Event, error) {
		var err error
		if kind == margin.KindLp {
			result, err = e.liquidation.LiquidateLp(liquidator, account, marketID, proposedAmount, minOut)
		} else {
			result, err = e.liquidation.LiquidateTrader(liquidator, account, marketID, proposedAmount, minOut)
		}
		if err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.Liquidations.WithLabelValues(kind.String()).Inc()
			e.updateInsuranceGauges()
		}
		e.log.Info().
			Str("market", marketID).
			Str("kind", kind.String()).
			Str("account", account.String()).
			Str("reward", wad.String(result.Reward)).
			Msg("position liquidated")
		return []event.Event{&event.LiquidationExecuted{
			Liquidator:       liquidator,
			Account:          account,
			Market:           marketID,
			Kind:             kind.String(),
			ClosedNotional:   result.ClosedNotional,
			RealizedPnL:      result.RealizedPnL,
			Reward:           result.Reward,
			LiquidatorReward: result.LiquidatorReward,
			InsuranceReward:  result.InsuranceReward,
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CanSeizeCollateral is the read-only seizure precheck.
func (e *Engine) CanSeizeCollateral(account uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidation.CanSeizeCollateral(account)
}

// SeizeCollateral seizes the account's non-primary collateral at a
// discount, applying proceeds to the account's debt.
func (e *Engine) SeizeCollateral(caller, account uuid.UUID) (*liquidation.SeizureResult, error) {
	var result *liquidation.SeizureResult
	err := e.run("seize_collateral", func() ([]event.Event, error) {
		var err error
		result, err = e.liquidation.SeizeCollateral(caller, account)
		if err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.Seizures.Inc()
			e.updateInsuranceGauges()
		}
		lots := make([]event.SeizedLot, 0, len(result.Seized))
		for _, s := range result.Seized {
			lots = append(lots, event.SeizedLot{Symbol: s.Symbol, Amount: s.Amount, Payment: s.Payment})
		}
		evts := []event.Event{&event.CollateralSeized{
			Caller:   caller,
			Account:  account,
			Seized:   lots,
			Proceeds: result.Proceeds,
		}}
		if result.BadDebt.Sign() > 0 {
			if e.metrics != nil {
				e.metrics.BadDebtEvents.Inc()
			}
			e.log.Warn().
				Str("account", account.String()).
				Str("amount", wad.String(result.BadDebt)).
				Msg("bad debt socialized")
			evts = append(evts, &event.BadDebtRecorded{Account: account, Amount: result.BadDebt})
		}
		return evts, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FundInsurance moves primary-asset balance from the funder into the
// insurance reserve.
func (e *Engine) FundInsurance(funder uuid.UUID, amount *big.Int) error {
	return e.run("fund_insurance", func() ([]event.Event, error) {
		if amount == nil || amount.Sign() <= 0 {
			return nil, ledger.ErrZeroAmount
		}
		if e.ledger.Balance(funder, collateral.PrimaryIndex).Cmp(amount) < 0 {
			return nil, ledger.ErrInsufficientBalance
		}
		if err := e.ledger.Settle(funder, wad.Neg(amount), ledger.JournalTypeInsuranceFunding); err != nil {
			return nil, err
		}
		e.liquidation.Insurance().Fund(amount)
		if e.metrics != nil {
			e.updateInsuranceGauges()
		}
		return []event.Event{&event.InsuranceFunded{
			Funder: funder,
			Amount: new(big.Int).Set(amount),
		}}, nil
	})
}

// --- read-only views ---

// GetBalance returns the account's internal-unit balance.
func (e *Engine) GetBalance(account uuid.UUID, symbol string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, _, err := e.registry.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return e.ledger.Balance(account, idx), nil
}

// GetAllowance returns the remaining grant.
func (e *Engine) GetAllowance(owner, spender uuid.UUID, symbol string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, _, err := e.registry.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return e.ledger.Allowance(owner, spender, idx), nil
}

// GetReserveValue returns the account's USD reserve value.
func (e *Engine) GetReserveValue(account uuid.UUID, discounted bool) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.ReserveValue(account, discounted)
}

// GetFreeCollateralByRatio returns margin headroom at the given ratio.
func (e *Engine) GetFreeCollateralByRatio(account uuid.UUID, ratio *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.margin.FreeCollateralByRatio(account, ratio)
}

// MarginRatio returns the account's margin ratio; hasExposure is false
// when the account has no open notional anywhere.
func (e *Engine) MarginRatio(account uuid.UUID) (*big.Int, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.margin.MarginRatio(account)
}

// CheckNewExposure is the precheck a trading venue runs before opening a
// position: the account must clear the stricter at-creation margin floor.
func (e *Engine) CheckNewExposure(account uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.margin.CheckNewExposure(account)
}

// GetTotalValueLocked derives TVL from collateral running totals.
func (e *Engine) GetTotalValueLocked() (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.TotalValueLocked()
}

// InsuranceState reports the reserve balance and bad-debt counter.
func (e *Engine) InsuranceState() (balance, systemBadDebt *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ins := e.liquidation.Insurance()
	return ins.Balance(), ins.SystemBadDebt()
}

// CollateralInfo is a point-in-time descriptor snapshot.
type CollateralInfo struct {
	Index     int
	Symbol    string
	Decimals  uint8
	Weight    *big.Int
	MaxAmount *big.Int
	Total     *big.Int
}

// ListCollateral snapshots the whitelist in index order.
func (e *Engine) ListCollateral() []CollateralInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CollateralInfo, 0, e.registry.Count())
	for idx := 0; idx < e.registry.Count(); idx++ {
		desc, _ := e.registry.Get(idx)
		out = append(out, CollateralInfo{
			Index:     idx,
			Symbol:    desc.Asset.Symbol,
			Decimals:  desc.Asset.Decimals,
			Weight:    new(big.Int).Set(desc.Weight),
			MaxAmount: new(big.Int).Set(desc.MaxAmount),
			Total:     new(big.Int).Set(desc.Total),
		})
	}
	return out
}

func (e *Engine) updateInsuranceGauges() {
	ins := e.liquidation.Insurance()
	e.metrics.InsuranceGauge.Set(wad.ToDecimal(ins.Balance()).InexactFloat64())
	e.metrics.SystemBadDebt.Set(wad.ToDecimal(ins.SystemBadDebt()).InexactFloat64())
}

func (e *Engine) updateTVLGauge() {
	// Gauge refresh only; an oracle hiccup here must not fail the call.
	if tvl, err := e.ledger.TotalValueLocked(); err == nil {
		e.metrics.TotalValueGauge.Set(wad.ToDecimal(tvl).InexactFloat64())
	}
}
