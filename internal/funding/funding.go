// Package funding computes periodic funding rates from the time-averaged
// premium of mark over index price. It is pure bookkeeping: the matching
// lane feeds it samples and applies the settlements it produces, so rate
// computation stays deterministic per instrument.
package funding

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"curvex/internal/event"
	fpmath "curvex/internal/math"
)

// ErrNoIndex means no index sample arrived during the elapsed interval.
// Settlement is deferred, not skipped: the epoch settles as soon as a
// sample lands.
var ErrNoIndex = errors.New("funding: no index samples for interval")

type Config struct {
	Interval time.Duration // Epoch length between settlements
	MaxRate  int64         // Clamp on |rate| per interval, Rate scale
}

func DefaultConfig() Config {
	return Config{
		Interval: 8 * time.Hour,
		MaxRate:  750_000, // 0.75% per interval
	}
}

type instrumentState struct {
	epoch      int64
	nextDueAt  int64 // Unix microseconds
	premiumSum int64 // Sum of premium samples, Rate scale
	samples    int64
}

// Engine tracks funding epochs for all instruments. Not safe for concurrent
// use; each call site serializes through its matching lane.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
	states map[string]*instrumentState
}

func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = DefaultConfig().MaxRate
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		states: make(map[string]*instrumentState),
	}
}

// Track starts the funding clock for an instrument. The first settlement
// comes one full interval after tracking begins.
func (e *Engine) Track(instrument string, now int64) {
	if _, ok := e.states[instrument]; ok {
		return
	}
	e.states[instrument] = &instrumentState{
		epoch:     1,
		nextDueAt: now + e.cfg.Interval.Microseconds(),
	}
}

// RecordSample accumulates one premium observation. Premium is the signed
// fraction (mark - index) / index at Rate scale.
func (e *Engine) RecordSample(instrument string, mark, index int64) {
	st := e.states[instrument]
	if st == nil || index <= 0 {
		return
	}
	premium := fpmath.MulDiv(mark-index, fpmath.RateConfig.Scale, index)
	st.premiumSum += premium
	st.samples++
}

// Due reports whether the instrument's current epoch has elapsed.
func (e *Engine) Due(instrument string, now int64) bool {
	st := e.states[instrument]
	return st != nil && now >= st.nextDueAt
}

// Settle closes the current epoch: it averages the accumulated premium,
// clamps it, computes per-position payments, and advances the clock. With
// no index samples the epoch is deferred and ErrNoIndex returned. With no
// open positions the settlement carries no payments; whether the record
// is published is the caller's call.
func (e *Engine) Settle(
	instrument string,
	now int64,
	markPrice int64,
	positions []fpmath.PositionForFunding,
) (*fpmath.FundingSettlement, *event.FundingRecord, error) {
	st := e.states[instrument]
	if st == nil {
		return nil, nil, errors.New("funding: instrument not tracked")
	}
	if now < st.nextDueAt {
		return nil, nil, errors.New("funding: epoch not due")
	}
	if st.samples == 0 {
		return nil, nil, ErrNoIndex
	}

	rate := fpmath.ClampRate(st.premiumSum/st.samples, e.cfg.MaxRate)

	settlement := fpmath.ComputeFundingSettlement(instrument, st.epoch, rate, markPrice, positions)

	record := &event.FundingRecord{
		Instrument: instrument,
		Rate:       rate,
		Interval:   int64(e.cfg.Interval.Seconds()),
		AppliedAt:  now,
		NextDueAt:  st.nextDueAt + e.cfg.Interval.Microseconds(),
		Epoch:      st.epoch,
	}

	e.logger.Info().
		Str("instrument", instrument).
		Int64("epoch", st.epoch).
		Int64("rate", rate).
		Int64("samples", st.samples).
		Int("payments", len(settlement.Payments)).
		Msg("funding epoch settled")

	st.epoch++
	st.nextDueAt = record.NextDueAt
	st.premiumSum = 0
	st.samples = 0

	return settlement, record, nil
}

// NextDueAt returns when the current epoch settles, or 0 if untracked.
func (e *Engine) NextDueAt(instrument string) int64 {
	st := e.states[instrument]
	if st == nil {
		return 0
	}
	return st.nextDueAt
}

// Untrack stops the funding clock (instrument became terminal).
func (e *Engine) Untrack(instrument string) {
	delete(e.states, instrument)
}
