package core_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginledger/internal/collateral"
	"marginledger/internal/core"
	"marginledger/internal/event"
	"marginledger/internal/ledger"
	"marginledger/internal/liquidation"
	"marginledger/internal/margin"
	"marginledger/internal/observability"
	"marginledger/internal/testutil"
	"marginledger/internal/wad"
)

type coreFixture struct {
	engine     *core.Engine
	settlement *core.Settlement
	market     *testutil.MockMarket
	governor   uuid.UUID
	persist    chan event.Envelope
	publish    chan event.Envelope
}

func newCoreFixture(t *testing.T) *coreFixture {
	t.Helper()
	reg, err := collateral.NewRegistry(collateral.Asset{Symbol: "UA", Decimals: 6}, wad.FromInt(1_000_000_000))
	require.NoError(t, err)

	oracle := testutil.NewMockOracle()
	oracle.SetPrice("WETH", wad.FromInt(2000))
	led := ledger.New(reg, oracle, testutil.NewMockBridge())

	marginEng := margin.NewEngine(led, margin.Params{
		MinMargin:           wad.MustParse("0.025"),
		MinMarginAtCreation: wad.MustParse("0.055"),
	})
	market := testutil.NewMockMarket("ETH-PERP", wad.One())
	require.NoError(t, marginEng.RegisterMarket(market))

	liqEng := liquidation.NewEngine(led, marginEng, liquidation.NewInsuranceReserve(), liquidation.Params{
		LiquidationRewardRate:    wad.MustParse("0.015"),
		InsuranceShare:           wad.MustParse("0.1"),
		UADebtSeizureThreshold:   wad.FromInt(10_000),
		NonUACollSeizureDiscount: wad.MustParse("0.05"),
		ProposalTolerance:        wad.MustParse("0.005"),
	})

	governor := uuid.New()
	eng := core.NewEngine(reg, led, marginEng, liqEng,
		testutil.NewMockRoles(governor), nil, observability.NewLogger("test"))

	persist := make(chan event.Envelope, 64)
	publish := make(chan event.Envelope, 64)
	eng.SetEventSinks(persist, publish)

	return &coreFixture{
		engine:     eng,
		settlement: eng.GrantSettlement(),
		market:     market,
		governor:   governor,
		persist:    persist,
		publish:    publish,
	}
}

func (f *coreFixture) drainPersist() []event.Envelope {
	var out []event.Envelope
	for {
		select {
		case env := <-f.persist:
			out = append(out, env)
		default:
			return out
		}
	}
}

// ============================================================================
// Test: governance gate
// ============================================================================

func TestGovernance_NonGovernorRejected(t *testing.T) {
	f := newCoreFixture(t)
	outsider := uuid.New()
	weth := collateral.Asset{Symbol: "WETH", Decimals: 18}

	err := f.engine.AddWhiteListedCollateral(outsider, weth, wad.MustParse("0.8"), wad.FromInt(1000))
	assert.ErrorIs(t, err, core.ErrNotGovernance)
	assert.ErrorIs(t, f.engine.ChangeCollateralWeight(outsider, "UA", wad.One()), core.ErrNotGovernance)
	assert.ErrorIs(t, f.engine.ChangeCollateralMaxAmount(outsider, "UA", wad.One()), core.ErrNotGovernance)
	assert.Empty(t, f.drainPersist(), "rejected operations emit nothing")
}

func TestGovernance_AddAndReconfigure(t *testing.T) {
	f := newCoreFixture(t)
	weth := collateral.Asset{Symbol: "WETH", Decimals: 18}

	require.NoError(t, f.engine.AddWhiteListedCollateral(f.governor, weth, wad.MustParse("0.8"), wad.FromInt(1000)))
	require.NoError(t, f.engine.ChangeCollateralWeight(f.governor, "WETH", wad.MustParse("0.5")))
	require.NoError(t, f.engine.ChangeCollateralMaxAmount(f.governor, "WETH", wad.FromInt(2000)))

	infos := f.engine.ListCollateral()
	require.Len(t, infos, 2)
	assert.Equal(t, "WETH", infos[1].Symbol)
	assert.Zero(t, infos[1].Weight.Cmp(wad.MustParse("0.5")))
	assert.Zero(t, infos[1].MaxAmount.Cmp(wad.FromInt(2000)))

	events := f.drainPersist()
	require.Len(t, events, 3)
	assert.Equal(t, event.TypeCollateralAdded, events[0].Type)
	assert.Equal(t, event.TypeCollateralWeightChanged, events[1].Type)
	assert.Equal(t, event.TypeCollateralCapChanged, events[2].Type)
}

// ============================================================================
// Test: event sequencing
// ============================================================================

func TestEvents_MonotonicSequence(t *testing.T) {
	f := newCoreFixture(t)
	account := uuid.New()

	require.NoError(t, f.settlement.Deposit(account, account, big.NewInt(100_000_000), "UA"))
	require.NoError(t, f.settlement.SettlePnL(account, wad.FromInt(5)))
	require.NoError(t, f.engine.Withdraw(account, big.NewInt(50_000_000), "UA"))

	events := f.drainPersist()
	require.Len(t, events, 3)
	for i, env := range events {
		assert.Equal(t, int64(i+1), env.Sequence)
	}
	assert.Equal(t, event.TypeDeposited, events[0].Type)
	assert.Equal(t, event.TypePnLSettled, events[1].Type)
	assert.Equal(t, event.TypeWithdrawn, events[2].Type)

	// The publish side receives the same envelopes.
	var published []event.Envelope
	for len(f.publish) > 0 {
		published = append(published, <-f.publish)
	}
	require.Len(t, published, 3)
	assert.Equal(t, events[0].Sequence, published[0].Sequence)
}

// ============================================================================
// Test: withdrawal margin gate
// ============================================================================

func TestWithdraw_MarginGate(t *testing.T) {
	f := newCoreFixture(t)
	account := uuid.New()
	require.NoError(t, f.settlement.Deposit(account, account, big.NewInt(100_000_000), "UA"))

	// Open exposure: required at MinMargin = 1000 * 0.025 = 25, so only
	// 75 of the 100 reserve is free.
	f.market.SetPosition(account, margin.KindTrader,
		wad.FromInt(1000), wad.Zero(), wad.FromInt(1), wad.FromInt(1000))

	assert.ErrorIs(t, f.engine.Withdraw(account, big.NewInt(76_000_000), "UA"), margin.ErrBelowMinMargin)
	assert.NoError(t, f.engine.Withdraw(account, big.NewInt(75_000_000), "UA"))
}

func TestWithdrawAll_BlockedByExposure(t *testing.T) {
	f := newCoreFixture(t)
	account := uuid.New()
	require.NoError(t, f.settlement.Deposit(account, account, big.NewInt(100_000_000), "UA"))
	f.market.SetPosition(account, margin.KindTrader,
		wad.FromInt(1000), wad.Zero(), wad.FromInt(1), wad.FromInt(1000))

	assert.ErrorIs(t, f.engine.WithdrawAll(account, "UA"), margin.ErrBelowMinMargin)

	// With the position gone the full balance can leave.
	f.market.ClosePosition(account, margin.KindTrader, wad.FromInt(1000), wad.Zero())
	assert.NoError(t, f.engine.WithdrawAll(account, "UA"))
}

func TestWithdrawFor_GateAppliesToOwner(t *testing.T) {
	f := newCoreFixture(t)
	owner, spender := uuid.New(), uuid.New()
	require.NoError(t, f.settlement.Deposit(owner, owner, big.NewInt(100_000_000), "UA"))
	require.NoError(t, f.engine.IncreaseAllowance(owner, spender, wad.FromInt(100), "UA"))
	f.market.SetPosition(owner, margin.KindTrader,
		wad.FromInt(1000), wad.Zero(), wad.FromInt(1), wad.FromInt(1000))

	assert.ErrorIs(t, f.engine.WithdrawFor(spender, owner, big.NewInt(80_000_000), "UA"), margin.ErrBelowMinMargin)
	assert.NoError(t, f.engine.WithdrawFor(spender, owner, big.NewInt(75_000_000), "UA"))
}

func TestCheckNewExposure(t *testing.T) {
	f := newCoreFixture(t)
	account := uuid.New()
	require.NoError(t, f.settlement.Deposit(account, account, big.NewInt(100_000_000), "UA"))

	// At creation the floor is 0.055: notional 1000 needs 55 of margin.
	f.market.SetPosition(account, margin.KindTrader,
		wad.FromInt(1000), wad.Zero(), wad.FromInt(1), wad.FromInt(1000))
	assert.NoError(t, f.engine.CheckNewExposure(account))

	f.market.SetPosition(account, margin.KindLp,
		wad.FromInt(900), wad.Zero(), wad.FromInt(1), wad.FromInt(900))
	assert.ErrorIs(t, f.engine.CheckNewExposure(account), margin.ErrBelowMinMargin)
}

// ============================================================================
// Test: liquidation through the façade
// ============================================================================

func TestLiquidateTrader_EmitsEvent(t *testing.T) {
	f := newCoreFixture(t)
	account, liquidator := uuid.New(), uuid.New()
	require.NoError(t, f.settlement.Deposit(account, account, big.NewInt(10_000_000), "UA"))
	f.market.SetPosition(account, margin.KindTrader,
		wad.FromInt(1000), wad.Zero(), wad.FromInt(1), wad.FromInt(1000))
	f.drainPersist()

	res, err := f.engine.LiquidateTrader(liquidator, account, "ETH-PERP", wad.FromInt(1000), wad.Zero())
	require.NoError(t, err)
	assert.Zero(t, res.Reward.Cmp(wad.FromInt(15)))

	events := f.drainPersist()
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeLiquidationExecuted, events[0].Type)
}

// ============================================================================
// Test: insurance funding
// ============================================================================

func TestFundInsurance(t *testing.T) {
	f := newCoreFixture(t)
	funder := uuid.New()
	require.NoError(t, f.settlement.Deposit(funder, funder, big.NewInt(500_000_000), "UA"))

	require.NoError(t, f.engine.FundInsurance(funder, wad.FromInt(200)))

	balance, badDebt := f.engine.InsuranceState()
	assert.Zero(t, balance.Cmp(wad.FromInt(200)))
	assert.Zero(t, badDebt.Sign())

	got, err := f.engine.GetBalance(funder, "UA")
	require.NoError(t, err)
	assert.Zero(t, got.Cmp(wad.FromInt(300)))

	// Funding beyond the balance fails.
	assert.ErrorIs(t, f.engine.FundInsurance(funder, wad.FromInt(301)), ledger.ErrInsufficientBalance)
}
