package lifecycle

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	fpmath "curvex/internal/math"
	"curvex/internal/reject"
)

// Config holds the tunable lifecycle parameters. The decay curve and the
// DORMANT/ACTIVE/HOT thresholds are deliberately configuration, not
// constants.
type Config struct {
	// Activity score
	ScoreHalfLife   time.Duration // Exponential decay half-life
	ActiveThreshold float64       // Decayed score (quote units) for ACTIVE
	HotThreshold    float64       // Decayed score for HOT

	// Graduation: sold tokens >= TotalSupply - RemainingReserve
	TotalSupply      int64 // Quantity scale
	RemainingReserve int64 // Quantity scale

	// Death: no trades for this long
	DeadAfter time.Duration

	// Tier table per state
	Tiers map[State]Tier
}

// DefaultConfig mirrors the tier table exposed to clients. All values are
// overridable from the environment at startup.
func DefaultConfig() Config {
	return Config{
		ScoreHalfLife:    4 * time.Hour,
		ActiveThreshold:  500_000_000,    // 500 quote units of decayed volume
		HotThreshold:     10_000_000_000, // 10k quote units
		TotalSupply:      1_000_000_000 * fpmath.QuantityConfig.Scale,
		RemainingReserve: 200_000_000 * fpmath.QuantityConfig.Scale,
		DeadAfter:        14 * 24 * time.Hour,
		Tiers: map[State]Tier{
			StateDormant: {
				MaxLeverage:    2,
				MinMargin:      10_000_000, // 10 quote units
				MakerFeeBps:    10,
				TakerFeeBps:    30,
				MaintenanceBps: 1000,
				TradingEnabled: true,
			},
			StateActive: {
				MaxLeverage:    10,
				MinMargin:      5_000_000,
				MakerFeeBps:    5,
				TakerFeeBps:    20,
				MaintenanceBps: 500,
				TradingEnabled: true,
			},
			StateHot: {
				MaxLeverage:    25,
				MinMargin:      1_000_000,
				MakerFeeBps:    2,
				TakerFeeBps:    10,
				MaintenanceBps: 300,
				TradingEnabled: true,
			},
			StateGraduated: {TradingEnabled: false},
			StateDead:      {TradingEnabled: false},
		},
	}
}

// GraduationThreshold returns the cumulative-sold trigger level.
func (c Config) GraduationThreshold() int64 {
	return c.TotalSupply - c.RemainingReserve
}

// Engine classifies instruments and derives the tier in force. Not
// thread-safe; invoked only from the owning matching lane.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger}
}

// TierOf returns the leverage/fee tuple for a state.
func (e *Engine) TierOf(state State) Tier {
	return e.cfg.Tiers[state]
}

// Classify recomputes an instrument's state at the given time and applies any
// transition. GRADUATED and DEAD are sticky: once assigned, classification
// never changes them.
func (e *Engine) Classify(inst *Instrument, now int64) State {
	if inst.state.Terminal() {
		return inst.state
	}

	if inst.Graduated {
		e.transition(inst, StateGraduated)
		return inst.state
	}

	if !inst.Active || now-inst.LastTradeAt > e.cfg.DeadAfter.Microseconds() {
		e.transition(inst, StateDead)
		return inst.state
	}

	score := e.decayedScore(inst, now)
	var next State
	switch {
	case score >= e.cfg.HotThreshold:
		next = StateHot
	case score >= e.cfg.ActiveThreshold:
		next = StateActive
	default:
		next = StateDormant
	}

	if next != inst.state {
		e.transition(inst, next)
	}
	return inst.state
}

// RecordActivity decays the score and adds traded quote volume.
func (e *Engine) RecordActivity(inst *Instrument, quoteVolume int64, now int64) {
	score := e.decayedScore(inst, now)
	inst.ActivityScore = score + float64(quoteVolume)
	inst.ScoreUpdatedAt = now
	inst.LastTradeAt = now
}

// CheckGraduation fires the one-way GRADUATED transition the instant
// cumulative sold tokens cross the threshold. Idempotent: re-checks never
// flip the flag back.
func (e *Engine) CheckGraduation(inst *Instrument) bool {
	if inst.Graduated {
		return true
	}
	if inst.SoldTokens >= e.cfg.GraduationThreshold() {
		inst.Graduated = true
		e.transition(inst, StateGraduated)
		e.logger.Info().
			Str("instrument", inst.Address).
			Int64("sold_tokens", inst.SoldTokens).
			Msg("instrument graduated")
		return true
	}
	return false
}

// Deactivate forces the terminal DEAD state.
func (e *Engine) Deactivate(inst *Instrument) {
	inst.Active = false
	e.transition(inst, StateDead)
}

// AdmissionGate rejects an order whose leverage, collateral, or instrument
// state violates the tier in force. Runs at admission, before matching.
func (e *Engine) AdmissionGate(inst *Instrument, leverage, collateral int64, now int64) error {
	state := e.Classify(inst, now)
	tier := e.TierOf(state)

	if !tier.TradingEnabled {
		return reject.New(reject.CodeTradingDisabled,
			"instrument %s is %s: trading disabled", inst.Address, state)
	}
	if leverage > tier.MaxLeverage {
		return reject.New(reject.CodeLeverageExceeded,
			"requested leverage %dx exceeds tier maximum %dx", leverage, tier.MaxLeverage)
	}
	if collateral < tier.MinMargin {
		return reject.New(reject.CodeInsufficientMargin,
			"collateral %d below tier minimum %d", collateral, tier.MinMargin)
	}
	return nil
}

func (e *Engine) decayedScore(inst *Instrument, now int64) float64 {
	dt := now - inst.ScoreUpdatedAt
	if dt <= 0 || inst.ActivityScore == 0 {
		return inst.ActivityScore
	}
	halfLives := float64(dt) / float64(e.cfg.ScoreHalfLife.Microseconds())
	return inst.ActivityScore * math.Exp2(-halfLives)
}

func (e *Engine) transition(inst *Instrument, next State) {
	if inst.state == next {
		return
	}
	if !inst.state.CanTransitionTo(next) {
		return
	}
	prev := inst.state
	inst.state = next
	e.logger.Debug().
		Str("instrument", inst.Address).
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("lifecycle transition")
}
