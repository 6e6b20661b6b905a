package funding

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	fpmath "curvex/internal/math"
)

const (
	priceScale = 1_000_000_000_000
	qtyScale   = 1_000_000
	micro      = int64(time.Second / time.Microsecond)
)

func newTestEngine(interval time.Duration, maxRate int64) *Engine {
	return NewEngine(Config{Interval: interval, MaxRate: maxRate}, zerolog.Nop())
}

// ============================================================
// Epoch scheduling
// ============================================================

func TestNotDueBeforeInterval(t *testing.T) {
	e := newTestEngine(time.Hour, 750_000)
	e.Track("inst", 0)

	if e.Due("inst", 3599*micro) {
		t.Error("due before interval elapsed")
	}
	if !e.Due("inst", 3600*micro) {
		t.Error("not due at interval boundary")
	}
	if e.Due("other", 10*3600*micro) {
		t.Error("untracked instrument reported due")
	}
}

func TestSettleAdvancesEpochAndClearsSamples(t *testing.T) {
	e := newTestEngine(time.Hour, 750_000)
	e.Track("inst", 0)
	e.RecordSample("inst", 101*priceScale, 100*priceScale)

	s, rec, err := e.Settle("inst", 3600*micro, 100*priceScale, nil)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if rec.Epoch != 1 || s.Epoch != 1 {
		t.Errorf("epoch = %d/%d, want 1", rec.Epoch, s.Epoch)
	}
	if rec.NextDueAt != 2*3600*micro {
		t.Errorf("NextDueAt = %d, want %d", rec.NextDueAt, 2*3600*micro)
	}
	if rec.Interval != 3600 {
		t.Errorf("Interval = %d, want 3600", rec.Interval)
	}

	if e.Due("inst", 3600*micro) {
		t.Error("still due immediately after settlement")
	}
	// Next epoch must not inherit old samples.
	if _, _, err := e.Settle("inst", 2*3600*micro, 100*priceScale, nil); err != ErrNoIndex {
		t.Errorf("second settle without samples: err = %v, want ErrNoIndex", err)
	}
}

func TestSettleDeferredUntilIndexArrives(t *testing.T) {
	e := newTestEngine(time.Hour, 750_000)
	e.Track("inst", 0)

	if _, _, err := e.Settle("inst", 3600*micro, 100*priceScale, nil); err != ErrNoIndex {
		t.Fatalf("err = %v, want ErrNoIndex", err)
	}
	// Epoch stays open; once a sample lands it settles.
	if !e.Due("inst", 3700*micro) {
		t.Error("deferred epoch should remain due")
	}
	e.RecordSample("inst", 100*priceScale, 100*priceScale)
	if _, rec, err := e.Settle("inst", 3700*micro, 100*priceScale, nil); err != nil || rec.Epoch != 1 {
		t.Errorf("deferred settle: err=%v rec=%+v", err, rec)
	}
}

// ============================================================
// Rate computation
// ============================================================

func TestRateIsAveragedPremium(t *testing.T) {
	e := newTestEngine(time.Hour, 750_000_000)
	e.Track("inst", 0)

	// Premiums +1% and +3%: average +2% of Rate scale.
	e.RecordSample("inst", 101*priceScale, 100*priceScale)
	e.RecordSample("inst", 103*priceScale, 100*priceScale)

	_, rec, err := e.Settle("inst", 3600*micro, 100*priceScale, nil)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if rec.Rate != 2_000_000 {
		t.Errorf("rate = %d, want 2000000", rec.Rate)
	}
}

func TestRateClampedToMax(t *testing.T) {
	e := newTestEngine(time.Hour, 750_000)
	e.Track("inst", 0)

	// +10% premium, far beyond the 0.75% cap.
	e.RecordSample("inst", 110*priceScale, 100*priceScale)
	_, rec, err := e.Settle("inst", 3600*micro, 100*priceScale, nil)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if rec.Rate != 750_000 {
		t.Errorf("rate = %d, want clamp 750000", rec.Rate)
	}

	// Negative side clamps symmetrically.
	e.RecordSample("inst", 90*priceScale, 100*priceScale)
	_, rec, err = e.Settle("inst", 2*3600*micro, 100*priceScale, nil)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if rec.Rate != -750_000 {
		t.Errorf("rate = %d, want clamp -750000", rec.Rate)
	}
}

func TestZeroIndexSampleIgnored(t *testing.T) {
	e := newTestEngine(time.Hour, 750_000)
	e.Track("inst", 0)
	e.RecordSample("inst", 100*priceScale, 0)

	if _, _, err := e.Settle("inst", 3600*micro, 100*priceScale, nil); err != ErrNoIndex {
		t.Errorf("err = %v, want ErrNoIndex after only invalid samples", err)
	}
}

// ============================================================
// Settlement payload
// ============================================================

func TestSettleEmitsRecordWithoutPositions(t *testing.T) {
	e := newTestEngine(time.Hour, 750_000)
	e.Track("inst", 0)
	e.RecordSample("inst", 101*priceScale, 100*priceScale)

	s, rec, err := e.Settle("inst", 3600*micro, 100*priceScale, nil)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if len(s.Payments) != 0 {
		t.Errorf("payments = %d, want none on empty book", len(s.Payments))
	}
	if rec == nil || rec.Rate == 0 {
		t.Error("record should still carry the computed rate")
	}
}

func TestSettlePaymentsMatchPositions(t *testing.T) {
	e := newTestEngine(time.Hour, 750_000)
	e.Track("inst", 0)
	e.RecordSample("inst", 101*priceScale, 100*priceScale) // Positive premium: longs pay

	s, _, err := e.Settle("inst", 3600*micro, 100*priceScale,
		[]fpmath.PositionForFunding{
			{Trader: "0xbb", Size: 2 * qtyScale, SideSign: -1},
			{Trader: "0xaa", Size: 2 * qtyScale, SideSign: 1},
		})
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if len(s.Payments) != 2 {
		t.Fatalf("payments = %d, want 2", len(s.Payments))
	}
	if s.Payments[0].Trader != "0xaa" || s.Payments[0].Payment <= 0 {
		t.Errorf("long payment = %+v, want positive for 0xaa", s.Payments[0])
	}
	if s.Payments[1].Trader != "0xbb" || s.Payments[1].Payment >= 0 {
		t.Errorf("short payment = %+v, want negative for 0xbb", s.Payments[1])
	}
}
