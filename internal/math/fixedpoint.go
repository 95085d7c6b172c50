package math

import (
	"errors"
	"math/big"
)

// Fixed-point scales matching the protocol's on-chain math.
// LLTV and LTV values are WAD-scaled (18 decimals); oracle prices are
// scaled by OraclePriceScale (36 decimals).
var (
	WAD              = big.NewInt(1_000_000_000_000_000_000)
	OraclePriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)
)

// Virtual liquidity offsets. Added to both sides of the share/asset ratio so
// conversions on an empty market never divide by zero. Must match the
// protocol's convention exactly — one unit each.
var (
	VirtualAssets = big.NewInt(1)
	VirtualShares = big.NewInt(1)
)

var (
	ErrNegativeInput  = errors.New("fixedpoint: negative input")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
)

var one = big.NewInt(1)

// MulDivDown computes floor(a * b / denominator) over arbitrary-precision
// integers. Inputs must be non-negative; denominator must be positive.
func MulDivDown(a, b, denominator *big.Int) (*big.Int, error) {
	if a.Sign() < 0 || b.Sign() < 0 || denominator.Sign() < 0 {
		return nil, ErrNegativeInput
	}
	if denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	result := new(big.Int).Mul(a, b)
	return result.Quo(result, denominator), nil
}

// MulDivUp computes ceil(a * b / denominator): (a*b + denominator - 1) / denominator.
func MulDivUp(a, b, denominator *big.Int) (*big.Int, error) {
	if a.Sign() < 0 || b.Sign() < 0 || denominator.Sign() < 0 {
		return nil, ErrNegativeInput
	}
	if denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	result := new(big.Int).Mul(a, b)
	result.Add(result, denominator)
	result.Sub(result, one)
	return result.Quo(result, denominator), nil
}

// ToAssetsUp converts shares to underlying assets, rounding up. The virtual
// offsets keep the denominator positive on an empty market.
func ToAssetsUp(shares, totalAssets, totalShares *big.Int) (*big.Int, error) {
	if shares.Sign() < 0 || totalAssets.Sign() < 0 || totalShares.Sign() < 0 {
		return nil, ErrNegativeInput
	}

	assets := new(big.Int).Add(totalAssets, VirtualAssets)
	denom := new(big.Int).Add(totalShares, VirtualShares)
	return MulDivUp(shares, assets, denom)
}

// ToAssetsDown converts shares to underlying assets, rounding down.
func ToAssetsDown(shares, totalAssets, totalShares *big.Int) (*big.Int, error) {
	if shares.Sign() < 0 || totalAssets.Sign() < 0 || totalShares.Sign() < 0 {
		return nil, ErrNegativeInput
	}

	assets := new(big.Int).Add(totalAssets, VirtualAssets)
	denom := new(big.Int).Add(totalShares, VirtualShares)
	return MulDivDown(shares, assets, denom)
}
