package math_test

import (
	"testing"

	fpmath "curvex/internal/math"
)

// ============================================================================
// Test: fixed-point primitives
// ============================================================================

func TestComputeAvgEntryPrice_FirstFill(t *testing.T) {
	got := fpmath.ComputeAvgEntryPrice(0, 0, 1_000_000, 100*fpmath.PriceConfig.Scale)
	if got != 100*fpmath.PriceConfig.Scale {
		t.Errorf("got %d, want %d", got, 100*fpmath.PriceConfig.Scale)
	}
}

func TestComputeAvgEntryPrice_Weighted(t *testing.T) {
	// 1.0 @ 100 then 1.0 @ 200 -> 150
	scale := fpmath.PriceConfig.Scale
	got := fpmath.ComputeAvgEntryPrice(1_000_000, 100*scale, 1_000_000, 200*scale)
	if got != 150*scale {
		t.Errorf("got %d, want %d", got, 150*scale)
	}
}

func TestComputeRealizedPnL_LongProfit(t *testing.T) {
	scale := fpmath.PriceConfig.Scale
	// long 2.0 units, entry 100, exit 110 -> +20 quote
	got := fpmath.ComputeRealizedPnL(1, 110*scale, 100*scale, 2_000_000)
	want := int64(20_000_000)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestComputeRealizedPnL_ShortProfit(t *testing.T) {
	scale := fpmath.PriceConfig.Scale
	// short 1.0 unit, entry 100, exit 90 -> +10 quote
	got := fpmath.ComputeRealizedPnL(-1, 90*scale, 100*scale, 1_000_000)
	want := int64(10_000_000)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestComputeNotional(t *testing.T) {
	scale := fpmath.PriceConfig.Scale
	// 3.0 units at price 50 -> 150 quote
	got := fpmath.ComputeNotional(3_000_000, 50*scale)
	if got != 150_000_000 {
		t.Errorf("got %d, want %d", got, 150_000_000)
	}
}

func TestApplyBps(t *testing.T) {
	// 30 bps of 1000.000000
	got := fpmath.ApplyBps(1_000_000_000, 30)
	if got != 3_000_000 {
		t.Errorf("got %d, want %d", got, 3_000_000)
	}
}

// ============================================================================
// Test: funding settlement
// ============================================================================

func TestComputeFundingPayment_Signs(t *testing.T) {
	scale := fpmath.PriceConfig.Scale
	rate := int64(1_000_000) // 0.01 at 1e8 scale

	long := fpmath.ComputeFundingPayment(rate, 1_000_000, 100*scale, 1)
	short := fpmath.ComputeFundingPayment(rate, 1_000_000, 100*scale, -1)

	if long <= 0 {
		t.Errorf("long should pay with positive rate, got %d", long)
	}
	if short >= 0 {
		t.Errorf("short should receive with positive rate, got %d", short)
	}
	if long != -short {
		t.Errorf("equal-size opposite positions should net to zero: %d vs %d", long, short)
	}
}

func TestComputeFundingSettlement_BudgetNeutral(t *testing.T) {
	scale := fpmath.PriceConfig.Scale
	positions := []fpmath.PositionForFunding{
		{Trader: "0xaaa", Size: 1_500_000, SideSign: 1},
		{Trader: "0xbbb", Size: 700_000, SideSign: -1},
		{Trader: "0xccc", Size: 800_000, SideSign: -1},
		{Trader: "0xddd", Size: 333_333, SideSign: 1},
	}

	s := fpmath.ComputeFundingSettlement("0xtoken", 7, 2_500_000, 42*scale, positions)

	var paid, received int64
	for _, p := range s.Payments {
		if p.Payment > 0 {
			paid += p.Payment
		} else {
			received += -p.Payment
		}
	}

	if paid-received != s.Residual {
		t.Errorf("residual mismatch: paid=%d received=%d residual=%d", paid, received, s.Residual)
	}
	if s.Residual < -len64(len(s.Payments)) || s.Residual > len64(len(s.Payments)) {
		t.Errorf("residual beyond rounding tolerance: %d", s.Residual)
	}
}

func TestComputeFundingSettlement_DeterministicOrder(t *testing.T) {
	positions := []fpmath.PositionForFunding{
		{Trader: "0xccc", Size: 1_000_000, SideSign: 1},
		{Trader: "0xaaa", Size: 1_000_000, SideSign: 1},
		{Trader: "0xbbb", Size: 1_000_000, SideSign: -1},
	}

	s := fpmath.ComputeFundingSettlement("0xtoken", 1, 1_000_000, 100*fpmath.PriceConfig.Scale, positions)

	for i := 1; i < len(s.Payments); i++ {
		if s.Payments[i-1].Trader >= s.Payments[i].Trader {
			t.Errorf("payments not sorted by trader: %q before %q", s.Payments[i-1].Trader, s.Payments[i].Trader)
		}
	}
}

func TestClampRate(t *testing.T) {
	if got := fpmath.ClampRate(5_000_000, 1_000_000); got != 1_000_000 {
		t.Errorf("got %d, want %d", got, 1_000_000)
	}
	if got := fpmath.ClampRate(-5_000_000, 1_000_000); got != -1_000_000 {
		t.Errorf("got %d, want %d", got, -1_000_000)
	}
	if got := fpmath.ClampRate(42, 1_000_000); got != 42 {
		t.Errorf("got %d, want %d", got, 42)
	}
}

func len64(n int) int64 { return int64(n) }
