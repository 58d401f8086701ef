package testutil

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"marginledger/internal/collateral"
	"marginledger/internal/core"
	"marginledger/internal/margin"
)

// ErrStalePrice is what MockOracle returns for a symbol marked stale.
var ErrStalePrice = errors.New("testutil: stale price feed")

// MockOracle serves prices from an in-memory map. Symbols in Stale
// fail the way a real feed with an expired heartbeat would.
type MockOracle struct {
	Prices map[string]*big.Int
	Stale  map[string]bool
}

func NewMockOracle() *MockOracle {
	return &MockOracle{
		Prices: make(map[string]*big.Int),
		Stale:  make(map[string]bool),
	}
}

func (o *MockOracle) SetPrice(symbol string, price *big.Int) {
	o.Prices[symbol] = new(big.Int).Set(price)
}

func (o *MockOracle) Price(symbol string) (*big.Int, error) {
	if o.Stale[symbol] {
		return nil, fmt.Errorf("%w: %s", ErrStalePrice, symbol)
	}
	p, ok := o.Prices[symbol]
	if !ok {
		return nil, fmt.Errorf("testutil: no price for %s", symbol)
	}
	return new(big.Int).Set(p), nil
}

// MockBridge tracks the ledger's own holdings per asset in native
// units. FailTransferIn/FailTransferOut simulate token-level reverts.
type MockBridge struct {
	Holdings        map[string]*big.Int
	FailTransferIn  bool
	FailTransferOut bool

	TransfersIn  int
	TransfersOut int
}

func NewMockBridge() *MockBridge {
	return &MockBridge{Holdings: make(map[string]*big.Int)}
}

func (b *MockBridge) holding(symbol string) *big.Int {
	h, ok := b.Holdings[symbol]
	if !ok {
		h = new(big.Int)
		b.Holdings[symbol] = h
	}
	return h
}

func (b *MockBridge) TransferIn(from uuid.UUID, asset collateral.Asset, nativeAmount *big.Int) error {
	if b.FailTransferIn {
		return errors.New("testutil: transfer in rejected")
	}
	b.holding(asset.Symbol).Add(b.holding(asset.Symbol), nativeAmount)
	b.TransfersIn++
	return nil
}

func (b *MockBridge) TransferOut(to uuid.UUID, asset collateral.Asset, nativeAmount *big.Int) error {
	if b.FailTransferOut {
		return errors.New("testutil: transfer out rejected")
	}
	h := b.holding(asset.Symbol)
	if h.Cmp(nativeAmount) < 0 {
		return errors.New("testutil: bridge holdings exhausted")
	}
	h.Sub(h, nativeAmount)
	b.TransfersOut++
	return nil
}

func (b *MockBridge) Balance(asset collateral.Asset) (*big.Int, error) {
	return new(big.Int).Set(b.holding(asset.Symbol)), nil
}

// mockPosition is one account's state in a MockMarket.
type mockPosition struct {
	openNotional *big.Int
	pnl          *big.Int
	size         *big.Int
	closeAmount  *big.Int
}

type positionKey struct {
	account uuid.UUID
	kind    margin.PositionKind
}

// MockMarket is a scriptable margin.Market. Tests set positions
// directly; ClosePosition realizes the scripted PnL and clears the
// position.
type MockMarket struct {
	MarketID   string
	Weight     *big.Int
	positions  map[positionKey]*mockPosition
	CloseErr   error
	CloseCalls int
}

func NewMockMarket(id string, riskWeight *big.Int) *MockMarket {
	return &MockMarket{
		MarketID:  id,
		Weight:    new(big.Int).Set(riskWeight),
		positions: make(map[positionKey]*mockPosition),
	}
}

// SetPosition installs a position. closeAmount is what the venue would
// demand for a full close right now.
func (m *MockMarket) SetPosition(account uuid.UUID, kind margin.PositionKind, openNotional, pnl, size, closeAmount *big.Int) {
	m.positions[positionKey{account, kind}] = &mockPosition{
		openNotional: new(big.Int).Set(openNotional),
		pnl:          new(big.Int).Set(pnl),
		size:         new(big.Int).Set(size),
		closeAmount:  new(big.Int).Set(closeAmount),
	}
}

func (m *MockMarket) ID() string           { return m.MarketID }
func (m *MockMarket) RiskWeight() *big.Int { return new(big.Int).Set(m.Weight) }

func (m *MockMarket) HasPosition(account uuid.UUID, kind margin.PositionKind) bool {
	_, ok := m.positions[positionKey{account, kind}]
	return ok
}

func (m *MockMarket) OpenNotional(account uuid.UUID, kind margin.PositionKind) *big.Int {
	if p, ok := m.positions[positionKey{account, kind}]; ok {
		return new(big.Int).Set(p.openNotional)
	}
	return new(big.Int)
}

func (m *MockMarket) PnL(account uuid.UUID, kind margin.PositionKind) *big.Int {
	if p, ok := m.positions[positionKey{account, kind}]; ok {
		return new(big.Int).Set(p.pnl)
	}
	return new(big.Int)
}

func (m *MockMarket) RequiredCloseAmount(account uuid.UUID, kind margin.PositionKind) *big.Int {
	if p, ok := m.positions[positionKey{account, kind}]; ok {
		return new(big.Int).Set(p.closeAmount)
	}
	return new(big.Int)
}

func (m *MockMarket) ClosePosition(account uuid.UUID, kind margin.PositionKind, proposedAmount, minOut *big.Int) (margin.ClosedPosition, error) {
	m.CloseCalls++
	if m.CloseErr != nil {
		return margin.ClosedPosition{}, m.CloseErr
	}
	key := positionKey{account, kind}
	p, ok := m.positions[key]
	if !ok {
		return margin.ClosedPosition{}, errors.New("testutil: no position to close")
	}
	delete(m.positions, key)
	return margin.ClosedPosition{
		RealizedPnL:    new(big.Int).Set(p.pnl),
		ClosedNotional: new(big.Int).Set(p.openNotional),
		ClosedSize:     new(big.Int).Set(p.size),
	}, nil
}

// MockRoles grants the governance role to an explicit set of callers.
type MockRoles struct {
	Governors map[uuid.UUID]bool
}

func NewMockRoles(governors ...uuid.UUID) *MockRoles {
	m := &MockRoles{Governors: make(map[uuid.UUID]bool)}
	for _, g := range governors {
		m.Governors[g] = true
	}
	return m
}

func (m *MockRoles) HasRole(caller uuid.UUID, role core.Role) bool {
	return role == core.RoleGovernance && m.Governors[caller]
}
