package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs. Price uses 1e12 so kline responses need no rescaling;
	// quantity and quote amounts use 1e6 to match the volume scaling on the wire.
	PriceConfig    = DecimalConfig{DecimalPrecision: 12, Scale: 1_000_000_000_000}
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
	RateConfig     = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // funding rate
)

// BpsScale is the basis-point denominator for fee and margin fractions.
const BpsScale int64 = 10_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()

	if roundingMode == RoundHalfEven {
		// Banker's rounding: if |remainder| == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		rem := new(big.Int).Abs(remainder)
		cmp := rem.Cmp(half)

		sign := int64(1)
		if remainder.Sign() < 0 {
			sign = -1
		}

		if cmp > 0 {
			result += sign
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result += sign
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// ComputeAvgEntryPrice calculates weighted average entry price
func ComputeAvgEntryPrice(oldSize, oldAvgEntry, fillQty, fillPrice int64) int64 {
	if oldSize == 0 {
		return fillPrice
	}

	// numerator = oldSize * oldAvgEntry + fillQty * fillPrice
	term1 := MultiplyInt128(oldSize, oldAvgEntry)
	term2 := MultiplyInt128(fillQty, fillPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)

	denominator := oldSize + fillQty

	result := DivideInt128(numerator, denominator, RoundHalfEven)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// ComputeRealizedPnL calculates PnL for a position close.
// Result is in quote units: (fillPrice - avgEntryPrice) * closeQty * sideSign.
func ComputeRealizedPnL(
	sideSign int64, // +1 for long, -1 for short
	fillPrice int64, // Price scale
	avgEntryPrice int64, // Price scale
	closeQty int64, // Quantity scale
) int64 {
	priceDiff := fillPrice - avgEntryPrice

	// raw_pnl = sideSign * priceDiff * closeQty
	temp := MultiplyInt128(sideSign*priceDiff, closeQty)

	// Convert to quote precision: raw_pnl * quoteScale / (priceScale * qtyScale)
	temp.Mul(temp, big.NewInt(QuoteConfig.Scale))
	temp.Quo(temp, big.NewInt(PriceConfig.Scale))

	result := DivideInt128(temp, QuantityConfig.Scale, RoundHalfEven)

	putInt128(temp)

	return result
}

// ComputeUnrealizedPnL calculates unrealized PnL at a mark price
func ComputeUnrealizedPnL(sideSign, markPrice, avgEntryPrice, positionSize int64) int64 {
	return ComputeRealizedPnL(sideSign, markPrice, avgEntryPrice, positionSize)
}

// ComputeNotional calculates position notional value in quote units
func ComputeNotional(positionSize, price int64) int64 {
	// raw_notional = positionSize * price
	raw := MultiplyInt128(positionSize, price)

	// Convert to quote scale
	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	raw.Quo(raw, big.NewInt(PriceConfig.Scale))

	result := DivideInt128(raw, QuantityConfig.Scale, RoundHalfEven)

	putInt128(raw)

	return result
}

// ApplyBps returns amount * bps / 10_000 with banker's rounding.
func ApplyBps(amount, bps int64) int64 {
	raw := MultiplyInt128(amount, bps)
	result := DivideInt128(raw, BpsScale, RoundHalfEven)
	putInt128(raw)
	return result
}

// MulDiv computes a * b / c through int128 with banker's rounding.
func MulDiv(a, b, c int64) int64 {
	raw := MultiplyInt128(a, b)
	result := DivideInt128(raw, c, RoundHalfEven)
	putInt128(raw)
	return result
}
