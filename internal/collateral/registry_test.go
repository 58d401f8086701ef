package collateral_test

import (
	"errors"
	"math/big"
	"testing"

	"marginledger/internal/collateral"
	"marginledger/internal/wad"
)

func newTestRegistry(t *testing.T) *collateral.Registry {
	t.Helper()
	reg, err := collateral.NewRegistry(collateral.Asset{Symbol: "UA", Decimals: 6}, wad.FromInt(1_000_000))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

// ============================================================================
// Test: registration
// ============================================================================

func TestNewRegistry_PrimaryAtIndexZero(t *testing.T) {
	reg := newTestRegistry(t)

	if reg.Count() != 1 {
		t.Fatalf("count: got %d, want 1", reg.Count())
	}
	desc, err := reg.Get(collateral.PrimaryIndex)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if desc.Asset.Symbol != "UA" {
		t.Errorf("symbol: got %q, want UA", desc.Asset.Symbol)
	}
	if desc.Weight.Cmp(wad.One()) != 0 {
		t.Errorf("primary weight: got %s, want %s", desc.Weight, wad.One())
	}
}

func TestAdd_AssignsAscendingIndexes(t *testing.T) {
	reg := newTestRegistry(t)

	idx1, err := reg.Add(collateral.Asset{Symbol: "WETH", Decimals: 18}, wad.MustParse("0.8"), wad.FromInt(500_000))
	if err != nil {
		t.Fatalf("Add WETH: %v", err)
	}
	idx2, err := reg.Add(collateral.Asset{Symbol: "WBTC", Decimals: 8}, wad.MustParse("0.9"), wad.FromInt(500_000))
	if err != nil {
		t.Fatalf("Add WBTC: %v", err)
	}
	if idx1 != 1 || idx2 != 2 {
		t.Errorf("indexes: got %d,%d, want 1,2", idx1, idx2)
	}
}

func TestAdd_DuplicateSymbol(t *testing.T) {
	reg := newTestRegistry(t)

	if _, err := reg.Add(collateral.Asset{Symbol: "UA", Decimals: 6}, wad.One(), wad.FromInt(1)); !errors.Is(err, collateral.ErrAlreadyListed) {
		t.Errorf("got %v, want ErrAlreadyListed", err)
	}
}

func TestAdd_WeightBounds(t *testing.T) {
	reg := newTestRegistry(t)

	// Just below 0.1 fails.
	below := new(big.Int).Sub(collateral.MinWeight, big.NewInt(1))
	if _, err := reg.Add(collateral.Asset{Symbol: "LOW", Decimals: 18}, below, wad.FromInt(1)); !errors.Is(err, collateral.ErrWeightOutOfRange) {
		t.Errorf("below min: got %v, want ErrWeightOutOfRange", err)
	}

	// Just above 1.0 fails.
	above := new(big.Int).Add(collateral.MaxWeight, big.NewInt(1))
	if _, err := reg.Add(collateral.Asset{Symbol: "HIGH", Decimals: 18}, above, wad.FromInt(1)); !errors.Is(err, collateral.ErrWeightOutOfRange) {
		t.Errorf("above max: got %v, want ErrWeightOutOfRange", err)
	}

	// Both bounds inclusive.
	if _, err := reg.Add(collateral.Asset{Symbol: "MIN", Decimals: 18}, collateral.MinWeight, wad.FromInt(1)); err != nil {
		t.Errorf("at min: %v", err)
	}
	if _, err := reg.Add(collateral.Asset{Symbol: "MAX", Decimals: 18}, collateral.MaxWeight, wad.FromInt(1)); err != nil {
		t.Errorf("at max: %v", err)
	}
}

// ============================================================================
// Test: parameter updates
// ============================================================================

func TestSetWeight(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Add(collateral.Asset{Symbol: "WETH", Decimals: 18}, wad.MustParse("0.8"), wad.FromInt(1))

	if err := reg.SetWeight("WETH", wad.MustParse("0.5")); err != nil {
		t.Fatalf("SetWeight: %v", err)
	}
	_, desc, _ := reg.Lookup("WETH")
	if desc.Weight.Cmp(wad.MustParse("0.5")) != 0 {
		t.Errorf("weight: got %s", wad.String(desc.Weight))
	}

	if err := reg.SetWeight("GHOST", wad.MustParse("0.5")); !errors.Is(err, collateral.ErrUnlisted) {
		t.Errorf("got %v, want ErrUnlisted", err)
	}
}

func TestSetMaxAmount_BelowTotalAllowed(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Add(collateral.Asset{Symbol: "WETH", Decimals: 18}, wad.MustParse("0.8"), wad.FromInt(100))

	// Simulate outstanding deposits above the new cap. The cap only
	// gates further deposits, so the update itself must succeed.
	_, desc, _ := reg.Lookup("WETH")
	desc.Total.Set(wad.FromInt(50))

	if err := reg.SetMaxAmount("WETH", wad.FromInt(10)); err != nil {
		t.Fatalf("SetMaxAmount: %v", err)
	}
	if desc.MaxAmount.Cmp(wad.FromInt(10)) != 0 {
		t.Errorf("max amount: got %s", wad.String(desc.MaxAmount))
	}
}

func TestLookup_Unlisted(t *testing.T) {
	reg := newTestRegistry(t)
	if _, _, err := reg.Lookup("GHOST"); !errors.Is(err, collateral.ErrUnlisted) {
		t.Errorf("got %v, want ErrUnlisted", err)
	}
}

func TestGet_BadIndex(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Get(7); !errors.Is(err, collateral.ErrBadIndex) {
		t.Errorf("got %v, want ErrBadIndex", err)
	}
}
