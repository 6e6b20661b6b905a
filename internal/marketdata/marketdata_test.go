package marketdata

import (
	"testing"

	"github.com/rs/zerolog"

	"curvex/internal/event"
)

const (
	priceScale = 1_000_000_000_000
	qtyScale   = 1_000_000
)

func fill(instrument string, seq, price, size, tsMicros int64) *event.Fill {
	return &event.Fill{
		Instrument: instrument,
		Sequence:   seq,
		Price:      price,
		Size:       size,
		Timestamp:  tsMicros,
	}
}

// ============================================================
// Candle aggregation
// ============================================================

func TestCandleOHLCWithinBucket(t *testing.T) {
	a := NewAggregator(zerolog.Nop(), nil)

	base := int64(1_000_000) * 60 // On a minute boundary, micros
	a.ApplyFill(fill("inst", 1, 50*priceScale, 1*qtyScale, base))
	a.ApplyFill(fill("inst", 2, 55*priceScale, 2*qtyScale, base+10_000_000))
	a.ApplyFill(fill("inst", 3, 48*priceScale, 1*qtyScale, base+20_000_000))
	a.ApplyFill(fill("inst", 4, 52*priceScale, 1*qtyScale, base+30_000_000))

	out := a.Candles("inst", Interval1m, 10)
	if len(out) != 1 {
		t.Fatalf("candles = %d, want 1 open bucket", len(out))
	}
	c := out[0]
	if c.Open != 50*priceScale || c.High != 55*priceScale || c.Low != 48*priceScale || c.Close != 52*priceScale {
		t.Errorf("OHLC = %d/%d/%d/%d", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume != 5*qtyScale {
		t.Errorf("volume = %d, want %d", c.Volume, 5*qtyScale)
	}
	if c.Trades != 4 {
		t.Errorf("trades = %d, want 4", c.Trades)
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		t.Error("OHLC ordering violated")
	}
	if c.Sealed {
		t.Error("open bucket reported sealed")
	}
}

func TestCandleSealsOnBoundary(t *testing.T) {
	var sealed []*Candle
	a := NewAggregator(zerolog.Nop(), func(c *Candle) { sealed = append(sealed, c) })

	base := int64(1_000_000) * 60
	a.ApplyFill(fill("inst", 1, 50*priceScale, 1*qtyScale, base))
	// Next minute: the 1m bucket must seal, larger buckets stay open.
	a.ApplyFill(fill("inst", 2, 60*priceScale, 1*qtyScale, base+60_000_000))

	var minuteSealed *Candle
	for _, c := range sealed {
		if c.Interval == Interval1m {
			minuteSealed = c
		}
		if c.Interval == Interval1h {
			t.Error("1h bucket sealed prematurely")
		}
	}
	if minuteSealed == nil {
		t.Fatal("1m bucket not sealed on boundary")
	}
	if minuteSealed.Close != 50*priceScale || !minuteSealed.Sealed {
		t.Errorf("sealed candle = %+v", minuteSealed)
	}

	out := a.Candles("inst", Interval1m, 10)
	if len(out) != 2 {
		t.Fatalf("candles = %d, want sealed + open", len(out))
	}
	if !out[0].Sealed || out[1].Sealed {
		t.Error("expected oldest-first with open bucket last")
	}
	if out[1].Open != 60*priceScale {
		t.Errorf("new bucket open = %d, want %d", out[1].Open, 60*priceScale)
	}
}

func TestSealElapsedClosesIdleBuckets(t *testing.T) {
	var sealed []*Candle
	a := NewAggregator(zerolog.Nop(), func(c *Candle) { sealed = append(sealed, c) })

	base := int64(1_000_000) * 60
	a.ApplyFill(fill("inst", 1, 50*priceScale, 1*qtyScale, base))

	a.SealElapsed(base + 61_000_000)
	found := false
	for _, c := range sealed {
		if c.Interval == Interval1m {
			found = true
		}
	}
	if !found {
		t.Error("idle 1m bucket not sealed by timer")
	}
}

// ============================================================
// Sequence guard
// ============================================================

func TestSequenceGapHaltsInstrument(t *testing.T) {
	a := NewAggregator(zerolog.Nop(), nil)

	a.ApplyFill(fill("inst", 1, 50*priceScale, 1*qtyScale, 60_000_000))
	a.ApplyFill(fill("inst", 3, 51*priceScale, 1*qtyScale, 61_000_000)) // Gap: 2 missing

	if !a.Halted("inst") {
		t.Fatal("gap did not halt aggregation")
	}
	// Later fills are dropped while halted.
	a.ApplyFill(fill("inst", 4, 52*priceScale, 1*qtyScale, 62_000_000))
	out := a.Candles("inst", Interval1m, 10)
	if len(out) != 1 || out[0].Trades != 1 {
		t.Errorf("halted instrument kept aggregating: %+v", out)
	}

	// Other instruments are unaffected.
	a.ApplyFill(fill("other", 1, 10*priceScale, 1*qtyScale, 62_000_000))
	if a.Halted("other") {
		t.Error("unrelated instrument halted")
	}
}

func TestSequenceRedeliveryIgnored(t *testing.T) {
	a := NewAggregator(zerolog.Nop(), nil)
	a.ApplyFill(fill("inst", 1, 50*priceScale, 1*qtyScale, 60_000_000))
	a.ApplyFill(fill("inst", 1, 50*priceScale, 1*qtyScale, 60_000_000))

	if a.Halted("inst") {
		t.Error("redelivery halted aggregation")
	}
	out := a.Candles("inst", Interval1m, 10)
	if out[0].Trades != 1 {
		t.Errorf("redelivered fill double-counted: trades = %d", out[0].Trades)
	}
}

func TestResetResumesAfterHalt(t *testing.T) {
	a := NewAggregator(zerolog.Nop(), nil)
	a.ApplyFill(fill("inst", 1, 50*priceScale, 1*qtyScale, 60_000_000))
	a.ApplyFill(fill("inst", 5, 51*priceScale, 1*qtyScale, 61_000_000))
	if !a.Halted("inst") {
		t.Fatal("expected halt")
	}

	a.Reset("inst", 6)
	a.ApplyFill(fill("inst", 6, 52*priceScale, 1*qtyScale, 62_000_000))
	if a.Halted("inst") {
		t.Error("instrument still halted after reset")
	}
	if out := a.Candles("inst", Interval1m, 10); len(out) != 1 {
		t.Errorf("candles after reset = %d, want 1", len(out))
	}
}

// ============================================================
// Heatmap
// ============================================================

func TestHeatmapSplitsSidesAndCountsAccounts(t *testing.T) {
	a := NewAggregator(zerolog.Nop(), nil)
	now := int64(7200) * 1_000_000

	// Last trade at 50 centers the price window on [40, 60].
	a.ApplyFill(fill("inst", 1, 50*priceScale, 1*qtyScale, now-60_000_000))

	a.UpdateHeatmap("inst", []LiquidationPoint{
		{Trader: "0xaa", Side: event.SideLong, Price: 49 * priceScale, Size: 1 * qtyScale},
		{Trader: "0xbb", Side: event.SideLong, Price: 49 * priceScale, Size: 2 * qtyScale},
		{Trader: "0xcc", Side: event.SideShort, Price: 51 * priceScale, Size: 4 * qtyScale},
		// Outside the window, dropped.
		{Trader: "0xdd", Side: event.SideLong, Price: 80 * priceScale, Size: 9 * qtyScale},
	}, now)

	h := a.HeatmapFor("inst", now, 3600*1_000_000)

	if h.MinPrice != 40*priceScale {
		t.Errorf("min price = %d, want %d", h.MinPrice, 40*priceScale)
	}
	if len(h.Slots) != heatmapSlots {
		t.Fatalf("slots = %d, want %d", len(h.Slots), heatmapSlots)
	}

	// Width is 20/64 in price units; 49 lands in row 28, 51 in row 35.
	last := h.Slots[heatmapSlots-1]
	if len(last.Cells) != heatmapBuckets {
		t.Fatalf("cells = %d, want %d", len(last.Cells), heatmapBuckets)
	}
	longCell := last.Cells[28]
	if longCell.LongSize != 3*qtyScale || longCell.ShortSize != 0 || longCell.Accounts != 2 {
		t.Errorf("long cell = %+v, want 3 long from 2 accounts", longCell)
	}
	shortCell := last.Cells[35]
	if shortCell.ShortSize != 4*qtyScale || shortCell.LongSize != 0 || shortCell.Accounts != 1 {
		t.Errorf("short cell = %+v, want 4 short from 1 account", shortCell)
	}

	var total int64
	for _, slot := range h.Slots {
		for _, cell := range slot.Cells {
			total += cell.LongSize + cell.ShortSize
		}
	}
	if total != 7*qtyScale {
		t.Errorf("total mass = %d, want %d", total, 7*qtyScale)
	}
}

func TestHeatmapTimeColumns(t *testing.T) {
	now := int64(100_000) * 1_000_000
	rangeMicros := int64(3600) * 1_000_000
	center := int64(50) * priceScale

	snaps := []liquidationSnapshot{
		// Before the queried range, dropped.
		{at: now - 2*rangeMicros, points: []LiquidationPoint{
			{Trader: "0xaa", Side: event.SideLong, Price: 50 * priceScale, Size: 9 * qtyScale},
		}},
		{at: now - 1800*1_000_000, points: []LiquidationPoint{
			{Trader: "0xaa", Side: event.SideLong, Price: 50 * priceScale, Size: 2 * qtyScale},
		}},
		{at: now, points: []LiquidationPoint{
			{Trader: "0xbb", Side: event.SideShort, Price: 50 * priceScale, Size: 5 * qtyScale},
		}},
	}
	h := BuildHeatmap("inst", snaps, center, now, rangeMicros)

	if h.SlotMicros != 60*1_000_000 {
		t.Fatalf("slot width = %d", h.SlotMicros)
	}
	// Price 50 lands in row 32 of the [40, 60] window.
	if c := h.Slots[30].Cells[32]; c.LongSize != 2*qtyScale || c.ShortSize != 0 {
		t.Errorf("mid column cell = %+v, want 2 long", c)
	}
	if c := h.Slots[heatmapSlots-1].Cells[32]; c.ShortSize != 5*qtyScale || c.LongSize != 0 {
		t.Errorf("last column cell = %+v, want 5 short", c)
	}

	var total int64
	for _, slot := range h.Slots {
		for _, cell := range slot.Cells {
			total += cell.LongSize + cell.ShortSize
		}
	}
	if total != 7*qtyScale {
		t.Errorf("total mass = %d, want %d (out-of-range snapshot leaked in)", total, 7*qtyScale)
	}
}

func TestHeatmapEmpty(t *testing.T) {
	a := NewAggregator(zerolog.Nop(), nil)
	h := a.HeatmapFor("inst", 100_000_000, 3600*1_000_000)
	if len(h.Slots) != 0 {
		t.Errorf("empty heatmap has %d slots", len(h.Slots))
	}
}

// ============================================================
// Rolling stats
// ============================================================

func TestStats24hWindowEviction(t *testing.T) {
	a := NewAggregator(zerolog.Nop(), nil)

	old := int64(60) * 1_000_000
	a.ApplyFill(fill("inst", 1, 100*priceScale, 5*qtyScale, old))
	recent := old + statsWindowMicros - 1_000_000
	a.ApplyFill(fill("inst", 2, 50*priceScale, 1*qtyScale, recent))
	a.ApplyFill(fill("inst", 3, 55*priceScale, 2*qtyScale, recent+500_000))

	// Query past the old trade's window.
	s := a.Stats("inst", old+statsWindowMicros+1)
	if s.Trades != 2 {
		t.Fatalf("trades = %d, want 2 after eviction", s.Trades)
	}
	if s.High != 55*priceScale || s.Low != 50*priceScale {
		t.Errorf("high/low = %d/%d", s.High, s.Low)
	}
	if s.OpenPrice != 50*priceScale {
		t.Errorf("open = %d, want first in-window price", s.OpenPrice)
	}
	if s.LastPrice != 55*priceScale {
		t.Errorf("last = %d", s.LastPrice)
	}
	if s.Volume != 3*qtyScale {
		t.Errorf("volume = %d", s.Volume)
	}
}
