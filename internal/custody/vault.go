// Package custody is the token-transfer boundary adapter. It tracks
// the ledger's own holdings per asset in native units so withdrawals
// can never move out more than was ever moved in.
package custody

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"marginledger/internal/collateral"
)

var ErrInsufficientHoldings = errors.New("custody: insufficient holdings")

// Vault implements ledger.TokenBridge against in-process holdings.
// Swapping in an on-chain or custodian-backed bridge is a wiring
// change only.
type Vault struct {
	mu       sync.Mutex
	holdings map[string]*big.Int
	log      zerolog.Logger
}

func NewVault(log zerolog.Logger) *Vault {
	return &Vault{
		holdings: make(map[string]*big.Int),
		log:      log,
	}
}

func (v *Vault) holding(symbol string) *big.Int {
	h, ok := v.holdings[symbol]
	if !ok {
		h = new(big.Int)
		v.holdings[symbol] = h
	}
	return h
}

func (v *Vault) TransferIn(from uuid.UUID, asset collateral.Asset, nativeAmount *big.Int) error {
	if nativeAmount.Sign() <= 0 {
		return fmt.Errorf("custody: non-positive transfer in: %s", nativeAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.holding(asset.Symbol)
	h.Add(h, nativeAmount)
	v.log.Debug().
		Str("payer", from.String()).
		Str("symbol", asset.Symbol).
		Str("amount", nativeAmount.String()).
		Msg("transfer in")
	return nil
}

func (v *Vault) TransferOut(to uuid.UUID, asset collateral.Asset, nativeAmount *big.Int) error {
	if nativeAmount.Sign() <= 0 {
		return fmt.Errorf("custody: non-positive transfer out: %s", nativeAmount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.holding(asset.Symbol)
	if h.Cmp(nativeAmount) < 0 {
		return fmt.Errorf("%w: %s has %s, want %s", ErrInsufficientHoldings, asset.Symbol, h, nativeAmount)
	}
	h.Sub(h, nativeAmount)
	v.log.Debug().
		Str("recipient", to.String()).
		Str("symbol", asset.Symbol).
		Str("amount", nativeAmount.String()).
		Msg("transfer out")
	return nil
}

func (v *Vault) Balance(asset collateral.Asset) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.holding(asset.Symbol)), nil
}
