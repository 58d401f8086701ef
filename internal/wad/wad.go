// Package wad implements signed 18-decimal fixed-point arithmetic.
//
// All balances, prices, weights and ratios in the ledger are "wads":
// integers scaled by 1e18, held in *big.Int and bounded to the signed
// 256-bit range. Every operation checks the bound and returns an error
// instead of wrapping; rounding always truncates toward zero.
package wad

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the internal fixed-point precision.
const Decimals = 18

var (
	ErrOverflow   = errors.New("wad: value out of range")
	ErrDivByZero  = errors.New("wad: division by zero")
	ErrNegative   = errors.New("wad: negative amount")
	ErrBadDecimal = errors.New("wad: malformed decimal string")
)

var (
	one = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

	// Signed 256-bit bounds: [-2^255, 2^255-1].
	maxValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minValue = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

// One returns 1.0 as a wad (1e18).
func One() *big.Int { return new(big.Int).Set(one) }

// Zero returns a fresh zero value.
func Zero() *big.Int { return new(big.Int) }

// Max returns the largest representable wad. Used as the "maximally
// healthy" sentinel for margin ratios with no open exposure.
func Max() *big.Int { return new(big.Int).Set(maxValue) }

func check(v *big.Int) (*big.Int, error) {
	if v.Cmp(maxValue) > 0 || v.Cmp(minValue) < 0 {
		return nil, ErrOverflow
	}
	return v, nil
}

// Add returns a+b with range enforcement.
func Add(a, b *big.Int) (*big.Int, error) {
	return check(new(big.Int).Add(a, b))
}

// Sub returns a-b with range enforcement.
func Sub(a, b *big.Int) (*big.Int, error) {
	return check(new(big.Int).Sub(a, b))
}

// Mul returns a*b/1e18, truncating toward zero.
func Mul(a, b *big.Int) (*big.Int, error) {
	p := new(big.Int).Mul(a, b)
	return check(p.Quo(p, one))
}

// Div returns a*1e18/b, truncating toward zero.
func Div(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrDivByZero
	}
	p := new(big.Int).Mul(a, one)
	return check(p.Quo(p, b))
}

// Neg returns -a.
func Neg(a *big.Int) *big.Int { return new(big.Int).Neg(a) }

// Abs returns |a|.
func Abs(a *big.Int) *big.Int { return new(big.Int).Abs(a) }

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// FromInt converts a whole number of units to a wad.
func FromInt(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), one)
}

// pow10 returns 10^n for small non-negative n.
func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// FromNative converts an amount in an asset's native precision to a wad.
// Assets with fewer than 18 decimals scale up exactly; assets with more
// than 18 decimals truncate toward zero.
func FromNative(amount *big.Int, decimals uint8) (*big.Int, error) {
	if int(decimals) <= Decimals {
		return check(new(big.Int).Mul(amount, pow10(Decimals-int(decimals))))
	}
	return check(new(big.Int).Quo(amount, pow10(int(decimals)-Decimals)))
}

// ToNative converts a wad back to an asset's native precision,
// truncating toward zero when the asset has fewer than 18 decimals.
func ToNative(w *big.Int, decimals uint8) *big.Int {
	if int(decimals) <= Decimals {
		return new(big.Int).Quo(w, pow10(Decimals-int(decimals)))
	}
	return new(big.Int).Mul(w, pow10(int(decimals)-Decimals))
}

// FromDecimal converts a shopspring decimal (config values, API
// payloads) to a wad, truncating below 1e-18.
func FromDecimal(d decimal.Decimal) (*big.Int, error) {
	shifted := d.Shift(Decimals)
	return check(shifted.BigInt())
}

// ParseDecimal parses a human decimal string ("0.025") into a wad.
func ParseDecimal(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadDecimal, s)
	}
	return FromDecimal(d)
}

// MustParse is ParseDecimal for trusted literals; it panics on error.
func MustParse(s string) *big.Int {
	w, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return w
}

// ToDecimal renders a wad as a shopspring decimal for display.
func ToDecimal(w *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(w, -Decimals)
}

// String renders a wad as a decimal string.
func String(w *big.Int) string {
	return ToDecimal(w).String()
}
