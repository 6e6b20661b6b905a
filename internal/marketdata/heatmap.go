package marketdata

import (
	"curvex/internal/event"
	fpmath "curvex/internal/math"
)

// LiquidationPoint is one open position's liquidation level.
type LiquidationPoint struct {
	Trader string
	Side   event.Side
	Price  int64 // Price scale
	Size   int64 // Quantity scale
}

// liquidationSnapshot is the full set of open-position liquidation levels
// observed at one refresh instant.
type liquidationSnapshot struct {
	at     int64 // Unix microseconds
	points []LiquidationPoint
}

// HeatmapCell aggregates liquidation exposure at one (price, time)
// coordinate of the grid.
type HeatmapCell struct {
	LongSize  int64 // Quantity scale
	ShortSize int64 // Quantity scale
	Accounts  int   // Distinct traders with exposure in the cell
}

// HeatmapSlot is one time column: the open positions as they stood at the
// end of the slot, bucketed by liquidation price.
type HeatmapSlot struct {
	Time  int64 // Unix microseconds, inclusive lower bound of the slot
	Cells []HeatmapCell
}

// Heatmap grids liquidation exposure over price and time so clients can
// render where forced closes cluster and how the clusters drift. The
// price axis spans a fixed window around the current price; levels
// outside the window are dropped.
type Heatmap struct {
	Instrument  string
	MinPrice    int64 // Price scale, inclusive lower bound of price row 0
	BucketWidth int64 // Price scale
	SlotMicros  int64
	Slots       []HeatmapSlot
	UpdatedAt   int64 // Unix microseconds
}

const (
	heatmapBuckets   = 64
	heatmapSlots     = 60
	heatmapWindowBps = 2_000 // Price window is center +-20%

	minSlotMicros = int64(1_000_000)
)

// BuildHeatmap grids liquidation snapshots into heatmapSlots time columns
// covering [now-rangeMicros, now] and heatmapBuckets price rows around
// center. When several snapshots land in one column the latest wins; a
// column covering no snapshot stays empty. Returns a grid with no columns
// when nothing was observed in range.
func BuildHeatmap(instrument string, snaps []liquidationSnapshot, center, nowMicros, rangeMicros int64) *Heatmap {
	h := &Heatmap{Instrument: instrument, UpdatedAt: nowMicros}
	if center <= 0 || rangeMicros <= 0 {
		return h
	}

	halfSpan := fpmath.ApplyBps(center, heatmapWindowBps)
	width := 2 * halfSpan / heatmapBuckets
	if width == 0 {
		width = 1
	}
	slotWidth := rangeMicros / heatmapSlots
	if slotWidth < minSlotMicros {
		slotWidth = minSlotMicros
	}

	h.MinPrice = center - halfSpan
	h.BucketWidth = width
	h.SlotMicros = slotWidth

	start := nowMicros - rangeMicros
	latest := make(map[int64]*liquidationSnapshot)
	var seen bool
	for i := range snaps {
		s := &snaps[i]
		if s.at < start || s.at > nowMicros {
			continue
		}
		idx := (s.at - start) / slotWidth
		if idx >= heatmapSlots {
			idx = heatmapSlots - 1
		}
		if prev, ok := latest[idx]; !ok || s.at >= prev.at {
			latest[idx] = s
		}
		seen = true
	}
	if !seen {
		return h
	}

	h.Slots = make([]HeatmapSlot, heatmapSlots)
	for i := int64(0); i < heatmapSlots; i++ {
		slot := HeatmapSlot{
			Time:  start + i*slotWidth,
			Cells: make([]HeatmapCell, heatmapBuckets),
		}
		if s := latest[i]; s != nil {
			fillSlot(&slot, s.points, h.MinPrice, width)
		}
		h.Slots[i] = slot
	}
	return h
}

func fillSlot(slot *HeatmapSlot, points []LiquidationPoint, minPrice, width int64) {
	traders := make(map[int64]map[string]struct{})
	for _, p := range points {
		if p.Price < minPrice {
			continue
		}
		idx := (p.Price - minPrice) / width
		if idx >= heatmapBuckets {
			continue
		}
		cell := &slot.Cells[idx]
		if p.Side == event.SideLong {
			cell.LongSize += p.Size
		} else {
			cell.ShortSize += p.Size
		}
		set := traders[idx]
		if set == nil {
			set = make(map[string]struct{})
			traders[idx] = set
		}
		set[p.Trader] = struct{}{}
	}
	for idx, set := range traders {
		slot.Cells[idx].Accounts = len(set)
	}
}
