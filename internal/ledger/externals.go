package ledger

import (
	"math/big"

	"github.com/google/uuid"

	"marginledger/internal/collateral"
)

// Oracle supplies fresh USD prices for collateral assets. Price must
// fail (stale feed, missing feed) rather than return zero or a cached
// value; any reserve-value computation propagates that failure.
type Oracle interface {
	// Price returns the USD price of one whole unit of the asset as a wad.
	Price(symbol string) (*big.Int, error)
}

// TokenBridge is the token-transfer boundary. Both transfers either
// fully succeed or return an error; there are no partial amounts.
type TokenBridge interface {
	TransferIn(from uuid.UUID, asset collateral.Asset, nativeAmount *big.Int) error
	TransferOut(to uuid.UUID, asset collateral.Asset, nativeAmount *big.Int) error

	// Balance reports the ledger's own holdings of the asset in native
	// units. Withdrawals exceeding it are refused (drain guard).
	Balance(asset collateral.Asset) (*big.Int, error)
}
