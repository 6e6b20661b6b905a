package lifecycle

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"curvex/internal/curve"
	fpmath "curvex/internal/math"
	"curvex/internal/reject"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ScoreHalfLife = time.Hour
	cfg.ActiveThreshold = 100
	cfg.HotThreshold = 10_000
	cfg.DeadAfter = 24 * time.Hour
	return cfg
}

func newTestEngine() *Engine {
	return NewEngine(testConfig(), zerolog.Nop())
}

func newInst(now int64) *Instrument {
	return NewInstrument("0xbeef", "0xcafe", curve.Reserves{
		EthReserve:   10_000_000,
		TokenReserve: 1_000_000 * fpmath.QuantityConfig.Scale,
	}, now)
}

func TestClassify_StartsDormant(t *testing.T) {
	e := newTestEngine()
	inst := newInst(0)

	if got := e.Classify(inst, 0); got != StateDormant {
		t.Errorf("got %s, want DORMANT", got)
	}
}

func TestClassify_VolumePromotes(t *testing.T) {
	e := newTestEngine()
	inst := newInst(0)

	e.RecordActivity(inst, 500, 0)
	if got := e.Classify(inst, 0); got != StateActive {
		t.Errorf("got %s, want ACTIVE", got)
	}

	e.RecordActivity(inst, 50_000, 0)
	if got := e.Classify(inst, 0); got != StateHot {
		t.Errorf("got %s, want HOT", got)
	}
}

func TestClassify_ScoreDecaysBackDown(t *testing.T) {
	e := newTestEngine()
	inst := newInst(0)

	e.RecordActivity(inst, 20_000, 0)
	if got := e.Classify(inst, 0); got != StateHot {
		t.Fatalf("got %s, want HOT", got)
	}

	// After 10 half-lives the score is ~20, below the ACTIVE threshold
	later := 10 * time.Hour.Microseconds()
	if got := e.Classify(inst, later); got != StateDormant {
		t.Errorf("got %s, want DORMANT after decay", got)
	}
}

func TestClassify_DeadAfterInactivity(t *testing.T) {
	e := newTestEngine()
	inst := newInst(0)

	later := 25 * time.Hour.Microseconds()
	if got := e.Classify(inst, later); got != StateDead {
		t.Errorf("got %s, want DEAD", got)
	}

	// Terminal: activity afterwards cannot revive it
	e.RecordActivity(inst, 1_000_000, later)
	if got := e.Classify(inst, later); got != StateDead {
		t.Errorf("DEAD must be terminal, got %s", got)
	}
}

func TestCheckGraduation_OneWay(t *testing.T) {
	e := newTestEngine()
	inst := newInst(0)
	e.RecordActivity(inst, 500, 0)
	e.Classify(inst, 0)

	inst.RecordSale(testConfig().GraduationThreshold())
	if !e.CheckGraduation(inst) {
		t.Fatal("graduation should fire at threshold")
	}
	if inst.State() != StateGraduated {
		t.Fatalf("got %s, want GRADUATED", inst.State())
	}
	if e.TierOf(inst.State()).TradingEnabled {
		t.Error("trading must be disabled after graduation")
	}

	// Idempotent re-check, and classification never flips it back
	if !e.CheckGraduation(inst) {
		t.Error("re-check must stay graduated")
	}
	if got := e.Classify(inst, 0); got != StateGraduated {
		t.Errorf("got %s, want GRADUATED forever", got)
	}
}

func TestRecordSale_Monotonic(t *testing.T) {
	inst := newInst(0)
	inst.RecordSale(100)
	inst.RecordSale(-50) // Sells must not reduce the counter
	inst.RecordSale(25)

	if inst.SoldTokens != 125 {
		t.Errorf("sold tokens: got %d, want 125", inst.SoldTokens)
	}
}

func TestAdmissionGate(t *testing.T) {
	e := newTestEngine()
	inst := newInst(0)
	e.RecordActivity(inst, 500, 0) // ACTIVE: maxLeverage 10

	tier := e.TierOf(StateActive)

	cases := []struct {
		name       string
		leverage   int64
		collateral int64
		want       reject.Code
	}{
		{"ok", 10, tier.MinMargin, ""},
		{"leverage", 15, tier.MinMargin, reject.CodeLeverageExceeded},
		{"margin", 5, tier.MinMargin - 1, reject.CodeInsufficientMargin},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.AdmissionGate(inst, tc.leverage, tc.collateral, 0)
			if reject.CodeOf(err) != tc.want {
				t.Errorf("got %v, want code %q", err, tc.want)
			}
		})
	}
}

func TestAdmissionGate_TradingDisabledWhenGraduated(t *testing.T) {
	e := newTestEngine()
	inst := newInst(0)
	inst.RecordSale(testConfig().GraduationThreshold())
	e.CheckGraduation(inst)

	err := e.AdmissionGate(inst, 1, 1_000_000_000, 0)
	if reject.CodeOf(err) != reject.CodeTradingDisabled {
		t.Errorf("got %v, want TradingDisabled", err)
	}
}
