// Package curve prices trades against an instrument's bonding reserves
// before graduation. The exact constant-function form is a pluggable
// strategy so it can be swapped without touching matching logic.
package curve

import (
	"errors"

	fpmath "curvex/internal/math"
)

var ErrInsufficientReserve = errors.New("curve: trade exceeds available reserve")

// Reserves is the instrument's bonding state. EthReserve is in quote scale
// (1e6), TokenReserve in quantity scale (1e6).
type Reserves struct {
	EthReserve   int64
	TokenReserve int64
}

// Pricer is the pricing strategy interface.
type Pricer interface {
	// Spot returns the marginal price (price scale) implied by the reserves.
	Spot(r Reserves) int64

	// BuyCost returns the quote cost of buying qty tokens from the curve
	// and the reserves after the trade.
	BuyCost(r Reserves, qty int64) (cost int64, after Reserves, err error)

	// SellReturn returns the quote proceeds of selling qty tokens to the
	// curve and the reserves after the trade.
	SellReturn(r Reserves, qty int64) (proceeds int64, after Reserves, err error)
}

// ConstantProduct implements x*y = k pricing over the real reserves.
type ConstantProduct struct{}

func (ConstantProduct) Spot(r Reserves) int64 {
	if r.TokenReserve == 0 {
		return 0
	}
	// price = (eth/quoteScale) / (token/qtyScale) * priceScale; the two 1e6
	// scales cancel, leaving eth * priceScale / token.
	return fpmath.MulDiv(r.EthReserve, fpmath.PriceConfig.Scale, r.TokenReserve)
}

func (ConstantProduct) BuyCost(r Reserves, qty int64) (int64, Reserves, error) {
	if qty <= 0 || qty >= r.TokenReserve {
		return 0, r, ErrInsufficientReserve
	}

	// (eth + dx)(token - qty) = eth * token  =>  dx = eth*qty/(token-qty)
	cost := fpmath.MulDiv(r.EthReserve, qty, r.TokenReserve-qty)
	if cost <= 0 {
		cost = 1 // Never sell tokens for free
	}

	after := Reserves{
		EthReserve:   r.EthReserve + cost,
		TokenReserve: r.TokenReserve - qty,
	}
	return cost, after, nil
}

func (ConstantProduct) SellReturn(r Reserves, qty int64) (int64, Reserves, error) {
	if qty <= 0 {
		return 0, r, ErrInsufficientReserve
	}

	// (eth - dx)(token + qty) = eth * token  =>  dx = eth*qty/(token+qty)
	proceeds := fpmath.MulDiv(r.EthReserve, qty, r.TokenReserve+qty)
	if proceeds >= r.EthReserve {
		return 0, r, ErrInsufficientReserve
	}

	after := Reserves{
		EthReserve:   r.EthReserve - proceeds,
		TokenReserve: r.TokenReserve + qty,
	}
	return proceeds, after, nil
}

// AvgPrice converts a quote amount and quantity into an average execution
// price at price scale.
func AvgPrice(quote, qty int64) int64 {
	if qty == 0 {
		return 0
	}
	return fpmath.MulDiv(quote, fpmath.PriceConfig.Scale, qty)
}
