package ledger

import (
	"curvex/internal/event"
	fpmath "curvex/internal/math"
)

// Position is one trader's exposure on one instrument. Size/leverage are
// fixed at open and only change through explicit fills; collateral stays
// strictly positive while the position is open.
type Position struct {
	Trader     string
	Instrument string
	Side       event.Side
	Size       int64 // Quantity scale
	Collateral int64 // Quote scale, locked in the trader's margin account
	EntryPrice int64 // Price scale, volume-weighted
	Leverage   int64
	OpenedAt   int64 // Unix microseconds

	// MaintenanceBps is captured from the instrument tier at open so a later
	// tier change cannot retroactively move a position's liquidation price.
	MaintenanceBps int64

	FundingPaid int64 // Quote scale, cumulative (signed: negative = received)
	RealizedPnL int64 // Quote scale, cumulative
}

// IsFlat returns true if the position has no exposure
func (p *Position) IsFlat() bool {
	return p.Side == event.SideFlat || p.Size == 0
}

// Notional returns the entry notional in quote units.
func (p *Position) Notional() int64 {
	return fpmath.ComputeNotional(p.Size, p.EntryPrice)
}

// MaintenanceMargin is the collateral floor before forced liquidation.
func (p *Position) MaintenanceMargin() int64 {
	return fpmath.ApplyBps(p.Notional(), p.MaintenanceBps)
}

// UnrealizedPnL computes the mark-to-market PnL at a given price.
func (p *Position) UnrealizedPnL(markPrice int64) int64 {
	if p.IsFlat() {
		return 0
	}
	return fpmath.ComputeUnrealizedPnL(p.Side.Sign(), markPrice, p.EntryPrice, p.Size)
}

// LiquidationPrice returns the price at which collateral + unrealized PnL
// falls to the maintenance margin. For a long this is below entry, for a
// short above.
func (p *Position) LiquidationPrice() int64 {
	if p.IsFlat() {
		return 0
	}

	// Solve collateral + sign*(P - entry)*size/K = mm for P, where K converts
	// price*qty into quote units.
	mm := p.MaintenanceMargin()
	gap := mm - p.Collateral // Negative while healthy

	// priceDelta = gap * priceScale*qtyScale/quoteScale / size
	k := fpmath.PriceConfig.Scale / fpmath.QuoteConfig.Scale * fpmath.QuantityConfig.Scale
	delta := fpmath.MulDiv(gap, k, p.Size)

	price := p.EntryPrice + p.Side.Sign()*delta
	if price < 0 {
		price = 0
	}
	return price
}

// Liquidatable reports whether a mark price has crossed the liquidation
// threshold.
func (p *Position) Liquidatable(markPrice int64) bool {
	if p.IsFlat() {
		return false
	}
	return p.Collateral+p.UnrealizedPnL(markPrice) <= p.MaintenanceMargin()
}
