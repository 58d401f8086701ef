package liquidation_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginledger/internal/collateral"
	"marginledger/internal/ledger"
	"marginledger/internal/liquidation"
	"marginledger/internal/margin"
	"marginledger/internal/testutil"
	"marginledger/internal/wad"
)

type liqFixture struct {
	ledger    *ledger.Ledger
	margin    *margin.Engine
	engine    *liquidation.Engine
	insurance *liquidation.InsuranceReserve
	market    *testutil.MockMarket
	oracle    *testutil.MockOracle
	reg       *collateral.Registry
}

func newLiqFixture(t *testing.T) *liqFixture {
	t.Helper()
	reg, err := collateral.NewRegistry(collateral.Asset{Symbol: "UA", Decimals: 6}, wad.FromInt(1_000_000_000))
	require.NoError(t, err)
	_, err = reg.Add(collateral.Asset{Symbol: "WETH", Decimals: 18}, wad.MustParse("0.8"), wad.FromInt(1_000_000))
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

	insurance := liquidation.NewInsuranceReserve()
	eng := liquidation.NewEngine(led, marginEng, insurance, liquidation.Params{
		LiquidationRewardRate:    wad.MustParse("0.015"),
		InsuranceShare:           wad.MustParse("0.1"),
		UADebtSeizureThreshold:   wad.FromInt(10_000),
		NonUACollSeizureDiscount: wad.MustParse("0.05"),
		ProposalTolerance:        wad.MustParse("0.005"),
	})

	return &liqFixture{ledger: led, margin: marginEng, engine: eng, insurance: insurance, market: market, oracle: oracle, reg: reg}
}

func (f *liqFixture) fundUA(t *testing.T, account uuid.UUID, ua int64) {
	t.Helper()
	_, err := f.ledger.Deposit(account, account, big.NewInt(ua*1_000_000), "UA")
	require.NoError(t, err)
}

// underwater installs a position whose margin ratio sits below the
// maintenance threshold: reserve 10 against 1000 notional.
func (f *liqFixture) underwater(t *testing.T, account uuid.UUID, kind margin.PositionKind) {
	t.Helper()
	f.fundUA(t, account, 10)
	f.market.SetPosition(account, kind,
		wad.FromInt(1000), wad.Zero(), wad.FromInt(1), wad.FromInt(1000))
}

// ============================================================================
// Test: liquidation preconditions
// ============================================================================

func TestLiquidate_HealthyAccountRefused(t *testing.T) {
	f := newLiqFixture(t)
	account, liquidator := uuid.New(), uuid.New()
	f.fundUA(t, account, 1000)
	f.market.SetPosition(account, margin.KindTrader,
		wad.FromInt(1000), wad.Zero(), wad.FromInt(1), wad.FromInt(1000))

	_, err := f.engine.LiquidateTrader(liquidator, account, "ETH-PERP", wad.FromInt(1000), wad.Zero())
	assert.ErrorIs(t, err, liquidation.ErrValidMargin)
	assert.Equal(t, 0, f.market.CloseCalls)
}

func TestLiquidate_NoPosition(t *testing.T) {
	f := newLiqFixture(t)
	account, liquidator := uuid.New(), uuid.New()
	f.underwater(t, account, margin.KindTrader)

	// Trader position exists, LP does not.
	_, err := f.engine.LiquidateLp(liquidator, account, "ETH-PERP", wad.FromInt(1000), wad.Zero())
	assert.ErrorIs(t, err, liquidation.ErrInvalidPosition)
}

func TestLiquidate_UnknownMarket(t *testing.T) {
	f := newLiqFixture(t)
	_, err := f.engine.LiquidateTrader(uuid.New(), uuid.New(), "GHOST-PERP", wad.FromInt(1), wad.Zero())
	assert.ErrorIs(t, err, margin.ErrUnknownMarket)
}

func TestLiquidate_ProposalTolerance(t *testing.T) {
	f := newLiqFixture(t)
	liquidator := uuid.New()

	// Required close is 1000; tolerance 0.5% allows deviation up to 5.
	cases := []struct {
		name     string
		proposed *big.Int
		ok       bool
	}{
		{"exact", wad.FromInt(1000), true},
		{"at upper bound", wad.FromInt(1005), true},
		{"at lower bound", wad.FromInt(995), true},
		{"above bound", wad.FromInt(1006), false},
		{"below bound", wad.FromInt(994), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			account := uuid.New()
			f.underwater(t, account, margin.KindTrader)

			_, err := f.engine.LiquidateTrader(liquidator, account, "ETH-PERP", tc.proposed, wad.Zero())
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, liquidation.ErrInsufficientProposedAmount)
			}
		})
	}
}

// ============================================================================
// Test: reward split
// ============================================================================

func TestLiquidate_RewardSplitExact(t *testing.T) {
	f := newLiqFixture(t)
	account, liquidator := uuid.New(), uuid.New()
	f.underwater(t, account, margin.KindTrader)

	res, err := f.engine.LiquidateTrader(liquidator, account, "ETH-PERP", wad.FromInt(1000), wad.Zero())
	require.NoError(t, err)

	// reward = 1000 * 0.015 = 15; insurance 1.5, liquidator 13.5.
	assert.Zero(t, res.Reward.Cmp(wad.FromInt(15)))
	assert.Zero(t, res.InsuranceReward.Cmp(wad.MustParse("1.5")))
	assert.Zero(t, res.LiquidatorReward.Cmp(wad.MustParse("13.5")))

	// The two shares always reassemble the reward exactly.
	sum := new(big.Int).Add(res.LiquidatorReward, res.InsuranceReward)
	assert.Zero(t, sum.Cmp(res.Reward))

	assert.Zero(t, f.ledger.Balance(liquidator, collateral.PrimaryIndex).Cmp(wad.MustParse("13.5")))
	assert.Zero(t, f.insurance.Balance().Cmp(wad.MustParse("1.5")))
	// Account paid the full reward out of its reserve: 10 - 15 = -5.
	assert.Zero(t, f.ledger.Balance(account, collateral.PrimaryIndex).Cmp(wad.FromInt(-5)))
}

func TestLiquidate_RewardSplitTruncation(t *testing.T) {
	f := newLiqFixture(t)
	account, liquidator := uuid.New(), uuid.New()
	f.fundUA(t, account, 10)

	// Odd notional so the insurance cut truncates: 1111 * 0.015 =
	// 16.665, insurance 1.6665, liquidator the exact remainder.
	f.market.SetPosition(account, margin.KindTrader,
		wad.FromInt(1111), wad.Zero(), wad.FromInt(1), wad.FromInt(1111))

	res, err := f.engine.LiquidateTrader(liquidator, account, "ETH-PERP", wad.FromInt(1111), wad.Zero())
	require.NoError(t, err)

	sum := new(big.Int).Add(res.LiquidatorReward, res.InsuranceReward)
	assert.Zero(t, sum.Cmp(res.Reward), "split must reassemble exactly: %s + %s != %s",
		wad.String(res.LiquidatorReward), wad.String(res.InsuranceReward), wad.String(res.Reward))
}

func TestLiquidate_RealizedPnLSettled(t *testing.T) {
	f := newLiqFixture(t)
	account, liquidator := uuid.New(), uuid.New()
	f.fundUA(t, account, 10)
	f.market.SetPosition(account, margin.KindTrader,
		wad.FromInt(1000), wad.FromInt(-40), wad.FromInt(1), wad.FromInt(1000))

	res, err := f.engine.LiquidateTrader(liquidator, account, "ETH-PERP", wad.FromInt(1000), wad.Zero())
	require.NoError(t, err)
	assert.Zero(t, res.RealizedPnL.Cmp(wad.FromInt(-40)))

	// 10 - 40 (loss) - 15 (reward) = -45.
	assert.Zero(t, f.ledger.Balance(account, collateral.PrimaryIndex).Cmp(wad.FromInt(-45)))
}

func TestLiquidate_BothKindsIndependently(t *testing.T) {
	f := newLiqFixture(t)
	account, liquidator := uuid.New(), uuid.New()
	f.fundUA(t, account, 10)
	f.market.SetPosition(account, margin.KindTrader,
		wad.FromInt(500), wad.Zero(), wad.FromInt(1), wad.FromInt(500))
	f.market.SetPosition(account, margin.KindLp,
		wad.FromInt(500), wad.Zero(), wad.FromInt(1), wad.FromInt(500))

	_, err := f.engine.LiquidateTrader(liquidator, account, "ETH-PERP", wad.FromInt(500), wad.Zero())
	require.NoError(t, err)

	// LP position survives the trader liquidation.
	assert.True(t, f.market.HasPosition(account, margin.KindLp))
	assert.False(t, f.market.HasPosition(account, margin.KindTrader))
}

// ============================================================================
// Test: seizure eligibility
// ============================================================================

func TestCanSeize_NoDebt(t *testing.T) {
	f := newLiqFixture(t)
	account := uuid.New()
	f.fundUA(t, account, 100)

	assert.ErrorIs(t, f.engine.CanSeizeCollateral(account), liquidation.ErrDebtSizeZero)
}

func TestCanSeize_DebtCoveredAndBelowThreshold(t *testing.T) {
	f := newLiqFixture(t)
	account := uuid.New()

	// 1 WETH discounted: 2000 * 0.8 = 1600 covers a 100 debt.
	_, err := f.ledger.Deposit(account, account, wad.One(), "WETH")
	require.NoError(t, err)
	require.NoError(t, f.ledger.Settle(account, wad.FromInt(-100), ledger.JournalTypeSettlement))

	assert.ErrorIs(t, f.engine.CanSeizeCollateral(account), liquidation.ErrSufficientCollateral)
}

func TestCanSeize_DebtAboveThreshold(t *testing.T) {
	f := newLiqFixture(t)
	account := uuid.New()

	// Plenty of collateral, but the debt tops the absolute threshold.
	_, err := f.ledger.Deposit(account, account, wad.FromInt(100), "WETH")
	require.NoError(t, err)
	require.NoError(t, f.ledger.Settle(account, wad.FromInt(-10_001), ledger.JournalTypeSettlement))

	assert.NoError(t, f.engine.CanSeizeCollateral(account))
}

func TestCanSeize_DebtExceedsDiscountedCollateral(t *testing.T) {
	f := newLiqFixture(t)
	account := uuid.New()

	// 1 WETH discounted is worth 1600; a 1601 debt is under the absolute
	// threshold but past what the collateral covers.
	_, err := f.ledger.Deposit(account, account, wad.One(), "WETH")
	require.NoError(t, err)
	require.NoError(t, f.ledger.Settle(account, wad.FromInt(-1601), ledger.JournalTypeSettlement))

	assert.NoError(t, f.engine.CanSeizeCollateral(account))
}

// ============================================================================
// Test: seizure execution
// ============================================================================

func TestSeize_FullCoverageClearsDebtExactly(t *testing.T) {
	f := newLiqFixture(t)
	account, caller := uuid.New(), uuid.New()

	// Account: 1 WETH, debt 1700. Caller pays 2000 * 0.95 = 1900.
	_, err := f.ledger.Deposit(account, account, wad.One(), "WETH")
	require.NoError(t, err)
	require.NoError(t, f.ledger.Settle(account, wad.FromInt(-1700), ledger.JournalTypeSettlement))
	f.fundUA(t, caller, 5000)

	res, err := f.engine.SeizeCollateral(caller, account)
	require.NoError(t, err)

	require.Len(t, res.Seized, 1)
	assert.Equal(t, "WETH", res.Seized[0].Symbol)
	assert.Zero(t, res.Seized[0].Amount.Cmp(wad.One()))
	assert.Zero(t, res.Seized[0].Payment.Cmp(wad.FromInt(1900)))
	assert.Zero(t, res.Proceeds.Cmp(wad.FromInt(1900)))
	assert.Zero(t, res.BadDebt.Sign())

	// Debt fully erased, surplus stays: -1700 + 1900 = 200 exactly.
	assert.Zero(t, f.ledger.Balance(account, collateral.PrimaryIndex).Cmp(wad.FromInt(200)))
	// Caller holds the WETH and paid in UA.
	assert.Zero(t, f.ledger.Balance(caller, 1).Cmp(wad.One()))
	assert.Zero(t, f.ledger.Balance(caller, collateral.PrimaryIndex).Cmp(wad.FromInt(3100)))
	assert.Zero(t, f.insurance.SystemBadDebt().Sign())
}

func TestSeize_ResidualDebtSocialized(t *testing.T) {
	f := newLiqFixture(t)
	account, caller := uuid.New(), uuid.New()

	// Debt 12000 (over threshold), proceeds only 1900.
	_, err := f.ledger.Deposit(account, account, wad.One(), "WETH")
	require.NoError(t, err)
	require.NoError(t, f.ledger.Settle(account, wad.FromInt(-12_000), ledger.JournalTypeSettlement))
	f.fundUA(t, caller, 5000)

	res, err := f.engine.SeizeCollateral(caller, account)
	require.NoError(t, err)

	// Residual 12000 - 1900 = 10100 charged to insurance.
	assert.Zero(t, res.BadDebt.Cmp(wad.FromInt(10_100)))
	assert.Zero(t, f.ledger.Balance(account, collateral.PrimaryIndex).Sign(), "debt fully cleared")
	assert.Zero(t, f.insurance.Balance().Cmp(wad.FromInt(-10_100)))
	// Empty reserve went negative: the shortfall is recorded.
	assert.Zero(t, f.insurance.SystemBadDebt().Cmp(wad.FromInt(10_100)))
}

func TestSeize_CallerCannotPay(t *testing.T) {
	f := newLiqFixture(t)
	account, caller := uuid.New(), uuid.New()

	_, err := f.ledger.Deposit(account, account, wad.One(), "WETH")
	require.NoError(t, err)
	require.NoError(t, f.ledger.Settle(account, wad.FromInt(-12_000), ledger.JournalTypeSettlement))
	f.fundUA(t, caller, 100) // payment would be 1900

	_, err = f.engine.SeizeCollateral(caller, account)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// Nothing moved.
	assert.Zero(t, f.ledger.Balance(account, 1).Cmp(wad.One()))
	assert.Zero(t, f.ledger.Balance(caller, collateral.PrimaryIndex).Cmp(wad.FromInt(100)))
}

func TestSeize_IneligibleAccountRefused(t *testing.T) {
	f := newLiqFixture(t)
	account, caller := uuid.New(), uuid.New()
	f.fundUA(t, account, 100)
	f.fundUA(t, caller, 100)

	_, err := f.engine.SeizeCollateral(caller, account)
	assert.ErrorIs(t, err, liquidation.ErrDebtSizeZero)
}

// ============================================================================
// Test: insurance reserve
// ============================================================================

func TestInsurance_ChargeTracksBadDebtOnlyWhenNegative(t *testing.T) {
	ins := liquidation.NewInsuranceReserve()
	ins.Fund(wad.FromInt(100))

	ins.Charge(wad.FromInt(60))
	assert.Zero(t, ins.Balance().Cmp(wad.FromInt(40)))
	assert.Zero(t, ins.SystemBadDebt().Sign())

	ins.Charge(wad.FromInt(60))
	assert.Zero(t, ins.Balance().Cmp(wad.FromInt(-20)))
	assert.Zero(t, ins.SystemBadDebt().Cmp(wad.FromInt(60)))
}
