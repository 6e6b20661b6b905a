package ledger

import (
	"fmt"
	"sort"

	"curvex/internal/event"
)

// Liquidation records a forced close.
type Liquidation struct {
	Trader     string
	Instrument string
	Side       event.Side // Side of the liquidated position
	Size       int64
	Price      int64 // Liquidation price the close settled at
	Forfeit    int64 // Collateral remainder taken by the insurance fund
	Timestamp  int64
}

// ScanLiquidatable returns positions whose maintenance margin is no longer
// covered at the mark price, in deterministic trader order.
func (l *Ledger) ScanLiquidatable(instrument string, mark int64) []*Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Position
	for _, pos := range l.positions {
		if pos.Instrument == instrument && !pos.IsFlat() && pos.Liquidatable(mark) {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trader < out[j].Trader })
	return out
}

// ForceClose liquidates a position at its liquidation price. The close
// realizes PnL through the normal reduce path; whatever collateral remains
// after settlement is forfeited to the insurance fund.
func (l *Ledger) ForceClose(trader, instrument string, ts int64, seq int64) (*Liquidation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.positions[PositionKey{Trader: trader, Instrument: instrument}]
	if pos == nil || pos.IsFlat() {
		return nil, fmt.Errorf("no open position to liquidate for %s on %s", trader, instrument)
	}

	price := pos.LiquidationPrice()
	size := pos.Size
	side := pos.Side
	ref := fmt.Sprintf("liquidation:%s:%d", instrument, seq)

	freeBefore := l.book.Balance(FreeAccount(trader))

	app := FillApplication{
		Trader:     trader,
		Instrument: instrument,
		Side:       side.Opposite(),
		Qty:        size,
		Price:      price,
		Timestamp:  ts,
		Ref:        ref,
	}
	if _, err := l.reduce(pos, app, size); err != nil {
		return nil, err
	}

	// Everything the close returned to free collateral is forfeited.
	forfeit := l.book.Balance(FreeAccount(trader)) - freeBefore
	if forfeit > 0 {
		if err := l.book.Apply(Transfer{
			From: FreeAccount(trader), To: InsuranceAccount,
			Amount: forfeit, Ref: ref, Timestamp: ts,
		}); err != nil {
			return nil, err
		}
	} else {
		forfeit = 0
	}

	l.logger.Info().
		Str("trader", trader).
		Str("instrument", instrument).
		Int64("price", price).
		Int64("size", size).
		Int64("forfeit", forfeit).
		Msg("position liquidated")

	return &Liquidation{
		Trader:     trader,
		Instrument: instrument,
		Side:       side,
		Size:       size,
		Price:      price,
		Forfeit:    forfeit,
		Timestamp:  ts,
	}, nil
}
