package ledger

import (
	"testing"

	"github.com/rs/zerolog"

	"curvex/internal/event"
	fpmath "curvex/internal/math"
)

const (
	priceScale = 1_000_000_000_000
	quoteScale = 1_000_000
	qtyScale   = 1_000_000
)

func newTestLedger() *Ledger {
	return New(zerolog.Nop())
}

func mustDeposit(t *testing.T, l *Ledger, trader string, amount int64) {
	t.Helper()
	if err := l.Deposit(trader, amount, 1, "dep"); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

func mustApply(t *testing.T, l *Ledger, app FillApplication) *PositionDelta {
	t.Helper()
	delta, err := l.ApplyFill(app)
	if err != nil {
		t.Fatalf("ApplyFill failed: %v", err)
	}
	return delta
}

func checkZeroSum(t *testing.T, l *Ledger) {
	t.Helper()
	if err := l.CheckZeroSum(); err != nil {
		t.Errorf("zero-sum violated: %v", err)
	}
}

// ============================================================
// Deposits and withdrawals
// ============================================================

func TestDepositWithdraw(t *testing.T) {
	l := newTestLedger()
	mustDeposit(t, l, "0xaa", 1000*quoteScale)

	if got := l.FreeCollateral("0xaa"); got != 1000*quoteScale {
		t.Errorf("free after deposit = %d, want %d", got, 1000*quoteScale)
	}

	if err := l.Withdraw("0xaa", 400*quoteScale, 2, "wd"); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := l.FreeCollateral("0xaa"); got != 600*quoteScale {
		t.Errorf("free after withdraw = %d, want %d", got, 600*quoteScale)
	}

	if err := l.Withdraw("0xaa", 601*quoteScale, 3, "wd2"); err == nil {
		t.Error("expected overdraw withdraw to fail")
	}
	checkZeroSum(t, l)
}

// ============================================================
// Open / increase / reduce / close / flip
// ============================================================

func TestOpenLocksMarginAndChargesFee(t *testing.T) {
	l := newTestLedger()
	mustDeposit(t, l, "0xaa", 1000*quoteScale)

	// 2 units at 50, 5x leverage: notional 100, margin 20.
	delta := mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideLong,
		Qty: 2 * qtyScale, Price: 50 * priceScale,
		Fee: 300_000, Leverage: 5, MaintenanceBps: 500,
		Timestamp: 10, Ref: "f1",
	})

	if !delta.Opened {
		t.Error("expected Opened delta")
	}
	pos := delta.Position
	if pos.Size != 2*qtyScale || pos.EntryPrice != 50*priceScale {
		t.Errorf("position size/entry = %d/%d", pos.Size, pos.EntryPrice)
	}
	if pos.Collateral != 20*quoteScale {
		t.Errorf("collateral = %d, want %d", pos.Collateral, 20*quoteScale)
	}

	wantFree := 1000*quoteScale - 20*quoteScale - 300_000
	if got := l.FreeCollateral("0xaa"); got != int64(wantFree) {
		t.Errorf("free = %d, want %d", got, wantFree)
	}
	checkZeroSum(t, l)
}

func TestOpenRejectedWithoutCollateral(t *testing.T) {
	l := newTestLedger()
	mustDeposit(t, l, "0xaa", 1*quoteScale)

	_, err := l.ApplyFill(FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideLong,
		Qty: 2 * qtyScale, Price: 50 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 10, Ref: "f1",
	})
	if err == nil {
		t.Fatal("expected open to fail on insufficient free collateral")
	}
	checkZeroSum(t, l)
}

func TestIncreaseAveragesEntryPrice(t *testing.T) {
	l := newTestLedger()
	mustDeposit(t, l, "0xaa", 1000*quoteScale)

	mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideLong,
		Qty: 1 * qtyScale, Price: 40 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 10, Ref: "f1",
	})
	delta := mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideLong,
		Qty: 1 * qtyScale, Price: 60 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 11, Ref: "f2",
	})

	pos := delta.Position
	if pos.Size != 2*qtyScale {
		t.Errorf("size = %d, want %d", pos.Size, 2*qtyScale)
	}
	if pos.EntryPrice != 50*priceScale {
		t.Errorf("avg entry = %d, want %d", pos.EntryPrice, 50*priceScale)
	}
	// 8 + 12 locked in two slices of margin.
	if pos.Collateral != 20*quoteScale {
		t.Errorf("collateral = %d, want %d", pos.Collateral, 20*quoteScale)
	}
	checkZeroSum(t, l)
}

func TestCloseWithProfit(t *testing.T) {
	l := newTestLedger()
	mustDeposit(t, l, "0xaa", 100*quoteScale)

	mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideLong,
		Qty: 1 * qtyScale, Price: 50 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 10, Ref: "f1",
	})
	delta := mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideShort,
		Qty: 1 * qtyScale, Price: 60 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 20, Ref: "f2",
	})

	if !delta.Closed {
		t.Error("expected Closed delta")
	}
	if delta.RealizedPnL != 10*quoteScale {
		t.Errorf("realized = %d, want %d", delta.RealizedPnL, 10*quoteScale)
	}
	// All collateral back plus the win.
	if got := l.FreeCollateral("0xaa"); got != 110*quoteScale {
		t.Errorf("free = %d, want %d", got, 110*quoteScale)
	}
	if pos := l.Position("0xaa", "inst"); pos == nil || !pos.IsFlat() {
		t.Error("position should be flat after full close")
	}
	checkZeroSum(t, l)
}

func TestPartialReduceReleasesProportionally(t *testing.T) {
	l := newTestLedger()
	mustDeposit(t, l, "0xaa", 100*quoteScale)

	mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideShort,
		Qty: 4 * qtyScale, Price: 50 * priceScale,
		Leverage: 10, MaintenanceBps: 500, Timestamp: 10, Ref: "f1",
	})
	// Close a quarter at a loss for the short (price rose).
	delta := mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideLong,
		Qty: 1 * qtyScale, Price: 55 * priceScale,
		Leverage: 10, MaintenanceBps: 500, Timestamp: 20, Ref: "f2",
	})

	pos := delta.Position
	if pos.Size != 3*qtyScale {
		t.Errorf("size = %d, want %d", pos.Size, 3*qtyScale)
	}
	// Opened 20 collateral (200 notional / 10x), released a quarter.
	if pos.Collateral != 15*quoteScale {
		t.Errorf("collateral = %d, want %d", pos.Collateral, 15*quoteScale)
	}
	if delta.RealizedPnL != -5*quoteScale {
		t.Errorf("realized = %d, want %d", delta.RealizedPnL, -5*quoteScale)
	}
	checkZeroSum(t, l)
}

func TestFlipClosesAndOpensRemainder(t *testing.T) {
	l := newTestLedger()
	mustDeposit(t, l, "0xaa", 1000*quoteScale)

	mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideShort,
		Qty: 1 * qtyScale, Price: 50 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 10, Ref: "f1",
	})
	delta := mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideLong,
		Qty: 3 * qtyScale, Price: 60 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 20, Ref: "f2",
	})

	pos := delta.Position
	if pos.Side != event.SideLong {
		t.Errorf("side = %v, want long", pos.Side)
	}
	if pos.Size != 2*qtyScale {
		t.Errorf("size = %d, want %d", pos.Size, 2*qtyScale)
	}
	if pos.EntryPrice != 60*priceScale {
		t.Errorf("entry = %d, want %d", pos.EntryPrice, 60*priceScale)
	}
	// Short from 50 closed at 60: lost 10.
	if delta.RealizedPnL != -10*quoteScale {
		t.Errorf("realized = %d, want %d", delta.RealizedPnL, -10*quoteScale)
	}
	checkZeroSum(t, l)
}

// ============================================================
// Liquidation
// ============================================================

// At the liquidation price, collateral plus unrealized PnL lands on the
// maintenance margin up to integer rounding.
func TestLiquidationPriceIdentity(t *testing.T) {
	cases := []struct {
		side     event.Side
		size     int64
		entry    int64
		leverage int64
		mbps     int64
	}{
		{event.SideLong, 1 * qtyScale, 50 * priceScale, 10, 500},
		{event.SideShort, 3 * qtyScale, 47 * priceScale, 5, 300},
		{event.SideLong, 7_500_000, 123_456_789_000_000, 25, 600},
		{event.SideShort, 250_000, 80 * priceScale, 2, 1000},
	}

	for _, tc := range cases {
		pos := &Position{
			Trader: "0xaa", Instrument: "inst", Side: tc.side,
			Size: tc.size, EntryPrice: tc.entry, Leverage: tc.leverage,
			Collateral:     RequiredCollateral(tc.size, tc.entry, tc.leverage),
			MaintenanceBps: tc.mbps,
		}
		liq := pos.LiquidationPrice()
		equity := pos.Collateral + pos.UnrealizedPnL(liq)
		mm := pos.MaintenanceMargin()

		diff := equity - mm
		if diff < 0 {
			diff = -diff
		}
		// Rounding tolerance: one quote unit per price unit of truncation.
		if diff > 10 {
			t.Errorf("side=%v size=%d: equity at liq price %d = %d, mm %d (diff %d)",
				tc.side, tc.size, liq, equity, mm, diff)
		}
	}
}

func TestScanLiquidatableDeterministicOrder(t *testing.T) {
	l := newTestLedger()
	for _, trader := range []string{"0xcc", "0xaa", "0xbb"} {
		mustDeposit(t, l, trader, 100*quoteScale)
		mustApply(t, l, FillApplication{
			Trader: trader, Instrument: "inst", Side: event.SideLong,
			Qty: 1 * qtyScale, Price: 50 * priceScale,
			Leverage: 10, MaintenanceBps: 500, Timestamp: 10, Ref: "f-" + trader,
		})
	}
	// Healthy position that must not appear.
	mustDeposit(t, l, "0xdd", 100*quoteScale)
	mustApply(t, l, FillApplication{
		Trader: "0xdd", Instrument: "inst", Side: event.SideLong,
		Qty: 1 * qtyScale, Price: 50 * priceScale,
		Leverage: 2, MaintenanceBps: 500, Timestamp: 10, Ref: "f-dd",
	})

	// 10x long at 50 with 5% maintenance liquidates around 47.5.
	out := l.ScanLiquidatable("inst", 47*priceScale)
	if len(out) != 3 {
		t.Fatalf("liquidatable count = %d, want 3", len(out))
	}
	want := []string{"0xaa", "0xbb", "0xcc"}
	for i, pos := range out {
		if pos.Trader != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, pos.Trader, want[i])
		}
	}
}

func TestForceCloseForfeitsToInsurance(t *testing.T) {
	l := newTestLedger()
	mustDeposit(t, l, "0xaa", 100*quoteScale)

	// 10x long 1 unit at 50: collateral 5, mm 2.5, liq price 47.5.
	mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideLong,
		Qty: 1 * qtyScale, Price: 50 * priceScale,
		Leverage: 10, MaintenanceBps: 500, Timestamp: 10, Ref: "f1",
	})

	freeBefore := l.FreeCollateral("0xaa")
	liq, err := l.ForceClose("0xaa", "inst", 20, 7)
	if err != nil {
		t.Fatalf("ForceClose failed: %v", err)
	}

	if liq.Price != 47_500_000_000_000 {
		t.Errorf("liquidation price = %d, want %d", liq.Price, int64(47_500_000_000_000))
	}
	if liq.Forfeit != 2_500_000 {
		t.Errorf("forfeit = %d, want %d", liq.Forfeit, int64(2_500_000))
	}
	if got := l.InsuranceBalance(); got != liq.Forfeit {
		t.Errorf("insurance = %d, want %d", got, liq.Forfeit)
	}
	// The trader keeps nothing from the position.
	if got := l.FreeCollateral("0xaa"); got != freeBefore {
		t.Errorf("free moved from %d to %d during liquidation", freeBefore, got)
	}
	if pos := l.Position("0xaa", "inst"); pos != nil && !pos.IsFlat() {
		t.Error("position should be flat after force close")
	}
	checkZeroSum(t, l)
}

func TestForceCloseWithoutPosition(t *testing.T) {
	l := newTestLedger()
	if _, err := l.ForceClose("0xaa", "inst", 20, 7); err == nil {
		t.Error("expected error liquidating a missing position")
	}
}

// ============================================================
// Funding settlement
// ============================================================

func TestApplyFundingMovesPaymentsAndFlattensPool(t *testing.T) {
	l := newTestLedger()
	mustDeposit(t, l, "0xaa", 100*quoteScale)
	mustDeposit(t, l, "0xbb", 100*quoteScale)

	mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideLong,
		Qty: 1 * qtyScale, Price: 50 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 10, Ref: "f1",
	})
	mustApply(t, l, FillApplication{
		Trader: "0xbb", Instrument: "inst", Side: event.SideShort,
		Qty: 1 * qtyScale, Price: 50 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 10, Ref: "f2",
	})

	// Symmetric sizes: long pays exactly what the short receives.
	s := fpmath.ComputeFundingSettlement("inst", 1, 10_000, 50*priceScale,
		[]fpmath.PositionForFunding{
			{Trader: "0xaa", Size: 1 * qtyScale, SideSign: 1},
			{Trader: "0xbb", Size: 1 * qtyScale, SideSign: -1},
		})
	if s.Residual != 0 {
		t.Fatalf("residual = %d, want 0 for symmetric book", s.Residual)
	}

	aaBefore := l.FreeCollateral("0xaa")
	bbBefore := l.FreeCollateral("0xbb")
	if err := l.ApplyFunding(s, 100); err != nil {
		t.Fatalf("ApplyFunding failed: %v", err)
	}

	paid := aaBefore - l.FreeCollateral("0xaa")
	recv := l.FreeCollateral("0xbb") - bbBefore
	if paid <= 0 || paid != recv {
		t.Errorf("paid %d, received %d, want equal positive", paid, recv)
	}

	if got := l.Position("0xaa", "inst").FundingPaid; got != paid {
		t.Errorf("long FundingPaid = %d, want %d", got, paid)
	}
	if got := l.Position("0xbb", "inst").FundingPaid; got != -recv {
		t.Errorf("short FundingPaid = %d, want %d", got, -recv)
	}
	checkZeroSum(t, l)
}

func TestApplyFundingDrawsFromMarginWhenFreeExhausted(t *testing.T) {
	l := newTestLedger()
	// Just enough to open: free ends near zero.
	mustDeposit(t, l, "0xaa", 10*quoteScale)
	mustDeposit(t, l, "0xbb", 100*quoteScale)

	mustApply(t, l, FillApplication{
		Trader: "0xaa", Instrument: "inst", Side: event.SideLong,
		Qty: 1 * qtyScale, Price: 50 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 10, Ref: "f1",
	})
	mustApply(t, l, FillApplication{
		Trader: "0xbb", Instrument: "inst", Side: event.SideShort,
		Qty: 1 * qtyScale, Price: 50 * priceScale,
		Leverage: 5, MaintenanceBps: 500, Timestamp: 10, Ref: "f2",
	})
	if err := l.Withdraw("0xaa", l.FreeCollateral("0xaa"), 11, "wd"); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	s := fpmath.ComputeFundingSettlement("inst", 1, 10_000, 50*priceScale,
		[]fpmath.PositionForFunding{
			{Trader: "0xaa", Size: 1 * qtyScale, SideSign: 1},
			{Trader: "0xbb", Size: 1 * qtyScale, SideSign: -1},
		})

	collBefore := l.Position("0xaa", "inst").Collateral
	if err := l.ApplyFunding(s, 100); err != nil {
		t.Fatalf("ApplyFunding failed: %v", err)
	}

	pos := l.Position("0xaa", "inst")
	if pos.Collateral >= collBefore {
		t.Errorf("collateral %d should have shrunk from %d", pos.Collateral, collBefore)
	}
	if pos.FundingPaid != collBefore-pos.Collateral {
		t.Errorf("FundingPaid = %d, want %d", pos.FundingPaid, collBefore-pos.Collateral)
	}
	checkZeroSum(t, l)
}
