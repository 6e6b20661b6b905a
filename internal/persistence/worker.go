package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"curvex/internal/engine"
	"curvex/internal/ledger"
	"curvex/internal/marketdata"
	"curvex/internal/observability"
)

// Worker drains the engine's persist channel and batch-writes to Postgres.
// The engine sends on this channel with blocking semantics, so if the worker
// falls behind the lanes stall rather than lose a fill. Writes are retried
// with exponential backoff until they succeed or the context is cancelled.
type Worker struct {
	store      *Store
	in         <-chan engine.Output
	candles    <-chan *marketdata.Candle
	nonces     func() map[string]uint64
	transfers  func() []ledger.Transfer
	batchSize  int
	flushEvery time.Duration
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// NewWorker wires the worker to its inputs. nonces and transfers are polled
// at every flush; either may be nil.
func NewWorker(
	store *Store,
	in <-chan engine.Output,
	candles <-chan *marketdata.Candle,
	nonces func() map[string]uint64,
	transfers func() []ledger.Transfer,
	batchSize int,
	flushEvery time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushEvery <= 0 {
		flushEvery = 200 * time.Millisecond
	}
	return &Worker{
		store:      store,
		in:         in,
		candles:    candles,
		nonces:     nonces,
		transfers:  transfers,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		metrics:    metrics,
		logger:     logger.With().Str("component", "persistence").Logger(),
	}
}

type batch struct {
	fills        []fillRow
	funding      []fundingRow
	liquidations []liquidationRow
	candles      []candleRow
	transfers    []transferRow
	nonces       map[string]uint64
}

func (b *batch) size() int {
	return len(b.fills) + len(b.funding) + len(b.liquidations) + len(b.candles)
}

func (b *batch) reset() {
	b.fills = b.fills[:0]
	b.funding = b.funding[:0]
	b.liquidations = b.liquidations[:0]
	b.candles = b.candles[:0]
	b.transfers = nil
	b.nonces = nil
}

func (b *batch) add(out engine.Output) {
	if out.Fill != nil {
		b.fills = append(b.fills, fillRowOf(out.Fill))
	}
	if out.Funding != nil {
		b.funding = append(b.funding, fundingRow{
			Instrument: out.Funding.Instrument,
			Epoch:      out.Funding.Epoch,
			Rate:       out.Funding.Rate,
			Interval:   out.Funding.Interval,
			AppliedAt:  out.Funding.AppliedAt,
			NextDueAt:  out.Funding.NextDueAt,
		})
	}
	if out.Liquidation != nil {
		row := liquidationRow{
			Trader:     out.Liquidation.Trader,
			Instrument: out.Liquidation.Instrument,
			Side:       int16(out.Liquidation.Side),
			Size:       out.Liquidation.Size,
			Price:      out.Liquidation.Price,
			Forfeit:    out.Liquidation.Forfeit,
			Timestamp:  out.Liquidation.Timestamp,
		}
		if out.Fill != nil {
			row.FillID = out.Fill.FillID.String()
		}
		b.liquidations = append(b.liquidations, row)
	}
}

// Run blocks until ctx is cancelled or the input channel closes. A final
// flush runs on shutdown so in-flight rows are not lost.
func (w *Worker) Run(ctx context.Context) error {
	b := &batch{}
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush(b)
			return ctx.Err()

		case out, ok := <-w.in:
			if !ok {
				w.finalFlush(b)
				return nil
			}
			b.add(out)
			if b.size() >= w.batchSize {
				w.flushWithRetry(ctx, b)
			}

		case c, ok := <-w.candles:
			if !ok {
				w.candles = nil
				continue
			}
			b.candles = append(b.candles, candleRowOf(c))
			if b.size() >= w.batchSize {
				w.flushWithRetry(ctx, b)
			}

		case <-ticker.C:
			w.collectSideState(b)
			if b.size() > 0 || len(b.transfers) > 0 || len(b.nonces) > 0 {
				w.flushWithRetry(ctx, b)
			}
		}
	}
}

func (w *Worker) collectSideState(b *batch) {
	if w.transfers != nil {
		for _, t := range w.transfers() {
			b.transfers = append(b.transfers, transferRowOf(t))
		}
	}
	if w.nonces != nil {
		b.nonces = w.nonces()
	}
}

func (w *Worker) finalFlush(b *batch) {
	w.collectSideState(b)
	if b.size() == 0 && len(b.transfers) == 0 && len(b.nonces) == 0 {
		return
	}
	if err := w.flush(context.Background(), b); err != nil {
		w.logger.Error().Err(err).Int("rows", b.size()).Msg("final flush failed")
	}
}

// flushWithRetry never drops a batch. On repeated failure it backs off up to
// 30s between attempts; cancellation triggers one last best-effort flush.
func (w *Worker) flushWithRetry(ctx context.Context, b *batch) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("rows", b.size()).Msg("persistence retry")
			select {
			case <-ctx.Done():
				w.finalFlush(b)
				b.reset()
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, b); err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt+1).Msg("persistence flush recovered")
			}
			b.reset()
			return
		}
	}
}

func (w *Worker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	steps := []struct {
		table string
		run   func(context.Context, *sql.Tx) error
		rows  int
	}{
		{"fills", func(ctx context.Context, tx *sql.Tx) error { return w.store.writeFills(ctx, tx, b.fills) }, len(b.fills)},
		{"funding_records", func(ctx context.Context, tx *sql.Tx) error { return w.store.writeFunding(ctx, tx, b.funding) }, len(b.funding)},
		{"liquidations", func(ctx context.Context, tx *sql.Tx) error { return w.store.writeLiquidations(ctx, tx, b.liquidations) }, len(b.liquidations)},
		{"candles", func(ctx context.Context, tx *sql.Tx) error { return w.store.writeCandles(ctx, tx, b.candles) }, len(b.candles)},
		{"collateral_transfers", func(ctx context.Context, tx *sql.Tx) error { return w.store.writeTransfers(ctx, tx, b.transfers) }, len(b.transfers)},
		{"trader_nonces", func(ctx context.Context, tx *sql.Tx) error { return w.store.writeNonces(ctx, tx, b.nonces) }, len(b.nonces)},
	}

	for _, step := range steps {
		if err := step.run(ctx, tx); err != nil {
			w.countError(step.table)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		for _, step := range steps {
			if step.rows > 0 {
				w.metrics.PersistRowsWritten.WithLabelValues(step.table).Add(float64(step.rows))
			}
		}
	}
	return nil
}

func (w *Worker) countError(table string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(table).Inc()
	}
}
