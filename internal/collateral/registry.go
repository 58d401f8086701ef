// Package collateral maintains the whitelist of accepted collateral
// assets. Descriptors are appended to an index-addressed arena and are
// never removed: an index, once assigned, is permanent.
package collateral

import (
	"errors"
	"fmt"
	"math/big"

	"marginledger/internal/wad"
)

var (
	ErrUnlisted         = errors.New("collateral: asset not whitelisted")
	ErrAlreadyListed    = errors.New("collateral: asset already whitelisted")
	ErrWeightOutOfRange = errors.New("collateral: weight outside [0.1, 1.0]")
	ErrEmptySymbol      = errors.New("collateral: empty asset symbol")
	ErrBadIndex         = errors.New("collateral: index out of range")
)

// Weight bounds, as wads. 0.1 <= W <= 1.0.
var (
	MinWeight = new(big.Int).Quo(wad.One(), big.NewInt(10))
	MaxWeight = wad.One()
)

// PrimaryIndex is the descriptor index of the primary settlement asset.
// It is registered at construction, priced at 1.0 and weighted at 1.0
// unconditionally.
const PrimaryIndex = 0

// Asset identifies a transferable token and its native precision.
type Asset struct {
	Symbol   string
	Decimals uint8
}

// Descriptor is one whitelisted collateral entry.
type Descriptor struct {
	Asset     Asset
	Weight    *big.Int // wad, risk discount applied to reserve value
	MaxAmount *big.Int // deposit cap, internal units
	Total     *big.Int // running total deposited, internal units
}

// Registry is the append-only arena of collateral descriptors with a
// lookup-by-symbol map.
type Registry struct {
	descriptors []*Descriptor
	bySymbol    map[string]int
}

// NewRegistry creates a registry with the primary settlement asset at
// index 0. The primary asset always carries weight 1.0.
func NewRegistry(primary Asset, maxAmount *big.Int) (*Registry, error) {
	if primary.Symbol == "" {
		return nil, ErrEmptySymbol
	}
	r := &Registry{bySymbol: make(map[string]int)}
	r.append(&Descriptor{
		Asset:     primary,
		Weight:    wad.One(),
		MaxAmount: new(big.Int).Set(maxAmount),
		Total:     new(big.Int),
	})
	return r, nil
}

func (r *Registry) append(d *Descriptor) int {
	idx := len(r.descriptors)
	r.descriptors = append(r.descriptors, d)
	r.bySymbol[d.Asset.Symbol] = idx
	return idx
}

// Add whitelists a new collateral asset and returns its permanent index.
func (r *Registry) Add(asset Asset, weight, maxAmount *big.Int) (int, error) {
	if asset.Symbol == "" {
		return 0, ErrEmptySymbol
	}
	if _, ok := r.bySymbol[asset.Symbol]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyListed, asset.Symbol)
	}
	if err := validateWeight(weight); err != nil {
		return 0, err
	}
	return r.append(&Descriptor{
		Asset:     asset,
		Weight:    new(big.Int).Set(weight),
		MaxAmount: new(big.Int).Set(maxAmount),
		Total:     new(big.Int),
	}), nil
}

// SetWeight changes the risk weight of a listed asset in place.
func (r *Registry) SetWeight(symbol string, weight *big.Int) error {
	idx, ok := r.bySymbol[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnlisted, symbol)
	}
	if err := validateWeight(weight); err != nil {
		return err
	}
	r.descriptors[idx].Weight = new(big.Int).Set(weight)
	return nil
}

// SetMaxAmount changes the deposit cap of a listed asset in place.
// Lowering the cap below the running total blocks further deposits but
// does not force withdrawals.
func (r *Registry) SetMaxAmount(symbol string, maxAmount *big.Int) error {
	idx, ok := r.bySymbol[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnlisted, symbol)
	}
	r.descriptors[idx].MaxAmount = new(big.Int).Set(maxAmount)
	return nil
}

// Lookup resolves a symbol to its index and descriptor.
func (r *Registry) Lookup(symbol string) (int, *Descriptor, error) {
	idx, ok := r.bySymbol[symbol]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnlisted, symbol)
	}
	return idx, r.descriptors[idx], nil
}

// Get returns the descriptor at idx.
func (r *Registry) Get(idx int) (*Descriptor, error) {
	if idx < 0 || idx >= len(r.descriptors) {
		return nil, fmt.Errorf("%w: %d", ErrBadIndex, idx)
	}
	return r.descriptors[idx], nil
}

// Count returns the number of whitelisted assets.
func (r *Registry) Count() int { return len(r.descriptors) }

// Primary returns the primary settlement asset descriptor.
func (r *Registry) Primary() *Descriptor { return r.descriptors[PrimaryIndex] }

func validateWeight(weight *big.Int) error {
	if weight == nil || weight.Cmp(MinWeight) < 0 || weight.Cmp(MaxWeight) > 0 {
		return ErrWeightOutOfRange
	}
	return nil
}
