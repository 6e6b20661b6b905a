// Package marketdata derives the read-side projections from the fill
// stream: OHLCV candles, liquidation heatmaps, and rolling 24h stats.
// Projections are rebuildable, so a lagging aggregator never blocks the
// matching path.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"curvex/internal/event"
	fpmath "curvex/internal/math"
)

// Aggregator consumes ordered fills and serves query snapshots. Writes
// come from one Run goroutine; queries take read locks.
//
// Per-instrument fill sequences are strict: a gap means fills were lost
// between the matching lane and here, so aggregation for that instrument
// halts rather than publish candles with holes. A halted instrument
// resumes only through Reset after a rebuild.
type Aggregator struct {
	mu     sync.RWMutex
	logger zerolog.Logger

	sets         map[string]*candleSet
	stats        map[string]*rollingStats
	liquidations map[string][]liquidationSnapshot

	expectedSeq map[string]int64
	halted      map[string]bool

	onSealed func(*Candle) // Persistence hook, may be nil

	maxSealed int
}

func NewAggregator(logger zerolog.Logger, onSealed func(*Candle)) *Aggregator {
	return &Aggregator{
		logger:       logger,
		sets:         make(map[string]*candleSet),
		stats:        make(map[string]*rollingStats),
		liquidations: make(map[string][]liquidationSnapshot),
		expectedSeq:  make(map[string]int64),
		halted:       make(map[string]bool),
		onSealed:     onSealed,
		maxSealed:    1500,
	}
}

// Run drains the fill channel until it closes or the context ends. A
// ticker seals elapsed candle buckets during trade droughts.
func (a *Aggregator) Run(ctx context.Context, fills <-chan *event.Fill) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fills:
			if !ok {
				return
			}
			a.ApplyFill(f)
		case now := <-ticker.C:
			a.SealElapsed(now.UnixMicro())
		}
	}
}

// ApplyFill folds one fill into every projection.
func (a *Aggregator) ApplyFill(f *event.Fill) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.halted[f.Instrument] {
		return
	}
	if !a.validateSequence(f.Instrument, f.Sequence) {
		return
	}

	set := a.sets[f.Instrument]
	if set == nil {
		set = newCandleSet(f.Instrument, a.maxSealed)
		a.sets[f.Instrument] = set
	}
	st := a.stats[f.Instrument]
	if st == nil {
		st = newRollingStats(f.Instrument)
		a.stats[f.Instrument] = st
	}

	quoteVol := fpmath.ComputeNotional(f.Size, f.Price)
	st.record(f.Price, f.Size, quoteVol, f.Timestamp)

	for _, c := range set.apply(f.Price, f.Size, quoteVol, f.Timestamp) {
		a.emitSealed(c)
	}
}

// validateSequence enforces gapless per-instrument fill ordering. The
// first fill observed for an instrument seeds the counter.
func (a *Aggregator) validateSequence(instrument string, seq int64) bool {
	expected, seen := a.expectedSeq[instrument]
	if !seen {
		a.expectedSeq[instrument] = seq + 1
		return true
	}
	switch {
	case seq == expected:
		a.expectedSeq[instrument] = expected + 1
		return true
	case seq < expected:
		// Redelivery of an already-aggregated fill.
		return false
	default:
		a.halted[instrument] = true
		a.logger.Error().
			Str("instrument", instrument).
			Int64("expected", expected).
			Int64("got", seq).
			Msg("fill sequence gap, halting aggregation")
		return false
	}
}

// SealElapsed closes candle buckets whose interval has passed without a
// trade.
func (a *Aggregator) SealElapsed(nowMicros int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, set := range a.sets {
		for _, c := range set.sealElapsed(nowMicros) {
			a.emitSealed(c)
		}
	}
}

func (a *Aggregator) emitSealed(c *Candle) {
	if a.onSealed != nil {
		a.onSealed(c)
	}
}

// heatmapRetention bounds how far back a heatmap query can reach.
const heatmapRetention = 24 * int64(time.Hour/time.Microsecond)

// UpdateHeatmap records the current open positions' liquidation levels as
// one snapshot in the instrument's history. Snapshots past retention are
// pruned.
func (a *Aggregator) UpdateHeatmap(instrument string, points []LiquidationPoint, now int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	history := append(a.liquidations[instrument], liquidationSnapshot{at: now, points: points})
	cutoff := now - heatmapRetention
	for len(history) > 0 && history[0].at < cutoff {
		history = history[1:]
	}
	a.liquidations[instrument] = history
}

// Reset clears a halted instrument after its projections were rebuilt
// from the persisted fill log.
func (a *Aggregator) Reset(instrument string, nextSeq int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sets, instrument)
	delete(a.stats, instrument)
	a.expectedSeq[instrument] = nextSeq
	delete(a.halted, instrument)
}

// Halted reports whether an instrument's aggregation is stopped on a gap.
func (a *Aggregator) Halted(instrument string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.halted[instrument]
}

// Candles returns up to limit candles, oldest first, open bucket last.
func (a *Aggregator) Candles(instrument string, iv Interval, limit int) []Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set := a.sets[instrument]
	if set == nil {
		return nil
	}
	return set.query(iv, limit)
}

// Stats returns the rolling 24h summary.
func (a *Aggregator) Stats(instrument string, nowMicros int64) Stats24h {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.stats[instrument]
	if st == nil {
		return Stats24h{Instrument: instrument}
	}
	return st.snapshot(nowMicros)
}

// HeatmapFor builds the liquidation heatmap covering the trailing
// rangeMicros, centered on the last traded price. The range is clamped to
// snapshot retention.
func (a *Aggregator) HeatmapFor(instrument string, nowMicros, rangeMicros int64) *Heatmap {
	if rangeMicros > heatmapRetention {
		rangeMicros = heatmapRetention
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	var center int64
	if st := a.stats[instrument]; st != nil {
		center = st.lastPrice
	}
	if center == 0 {
		center = latestLiquidationMid(a.liquidations[instrument])
	}
	return BuildHeatmap(instrument, a.liquidations[instrument], center, nowMicros, rangeMicros)
}

// latestLiquidationMid is the fallback grid center before any fill has
// been aggregated: the midpoint of the newest snapshot's price span.
func latestLiquidationMid(history []liquidationSnapshot) int64 {
	if len(history) == 0 {
		return 0
	}
	points := history[len(history)-1].points
	if len(points) == 0 {
		return 0
	}
	lo, hi := points[0].Price, points[0].Price
	for _, p := range points[1:] {
		if p.Price < lo {
			lo = p.Price
		}
		if p.Price > hi {
			hi = p.Price
		}
	}
	return (lo + hi) / 2
}
