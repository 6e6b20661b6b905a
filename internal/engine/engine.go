// Package engine wires order admission, per-instrument matching lanes,
// the position ledger, and the funding clock into one orchestrator. Each
// instrument's state is owned by exactly one lane goroutine; the
// orchestrator routes commands in and fans effects out.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"curvex/internal/auth"
	"curvex/internal/curve"
	"curvex/internal/event"
	"curvex/internal/funding"
	"curvex/internal/index"
	"curvex/internal/ledger"
	"curvex/internal/lifecycle"
	"curvex/internal/marketdata"
	fpmath "curvex/internal/math"
	"curvex/internal/observability"
	"curvex/internal/reject"
	"curvex/internal/wire"
)

type Config struct {
	Domain         auth.Domain
	Lifecycle      lifecycle.Config
	Funding        funding.Config
	SampleEvery    time.Duration // Premium sampling cadence
	LaneBuffer     int           // Pending commands per lane
	MaxSlippageBps int64         // Market-order price drift cap vs the reference price
}

func DefaultConfig(domain auth.Domain) Config {
	return Config{
		Domain:         domain,
		Lifecycle:      lifecycle.DefaultConfig(),
		Funding:        funding.DefaultConfig(),
		SampleEvery:    time.Minute,
		LaneBuffer:     1024,
		MaxSlippageBps: 500,
	}
}

// Engine is the orchestrator. Admission (signature, nonce) is serialized
// per trader by the guard; matching is serialized per instrument by the
// lane; the ledger serializes cross-instrument collateral itself.
type Engine struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics

	guard  *auth.Guard
	led    *ledger.Ledger
	life   *lifecycle.Engine
	oracle *index.Oracle
	agg    *marketdata.Aggregator
	sinks  Sinks

	clock func() int64 // Unix microseconds, swappable in tests

	mu    sync.RWMutex
	lanes map[string]*lane

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	cfg Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
	oracle *index.Oracle,
	agg *marketdata.Aggregator,
	sinks Sinks,
) *Engine {
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 1024
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = time.Minute
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		guard:   auth.NewGuard(cfg.Domain, logger),
		led:     ledger.New(logger),
		life:    lifecycle.NewEngine(cfg.Lifecycle, logger),
		oracle:  oracle,
		agg:     agg,
		sinks:   sinks,
		clock:   func() int64 { return time.Now().UnixMicro() },
		lanes:   make(map[string]*lane),
	}
}

// Guard exposes the admission guard for nonce queries and recovery.
func (e *Engine) Guard() *auth.Guard { return e.guard }

// Ledger exposes the position ledger for queries and recovery.
func (e *Engine) Ledger() *ledger.Ledger { return e.led }

// Start launches the premium sampler. Lanes start as instruments launch.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSampler(e.ctx)
	}()
}

// Stop cancels all lanes and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Launch creates an instrument with fresh curve reserves and starts its
// matching lane. The instrument begins DORMANT.
func (e *Engine) Launch(address, creator string, reserves curve.Reserves) (*lifecycle.Instrument, error) {
	address = strings.ToLower(address)
	if reserves.EthReserve <= 0 || reserves.TokenReserve <= 0 {
		return nil, reject.New(reject.CodeBadRequest, "launch requires positive reserves")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.lanes[address]; exists {
		return nil, reject.New(reject.CodeBadRequest, "instrument %s already exists", address)
	}
	if e.ctx == nil {
		return nil, fmt.Errorf("engine not started")
	}

	inst := lifecycle.NewInstrument(address, strings.ToLower(creator), reserves, e.clock())
	l := newLane(e, inst)
	e.lanes[address] = l

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		l.run(e.ctx)
	}()

	e.logger.Info().
		Str("instrument", address).
		Str("creator", creator).
		Int64("eth_reserve", reserves.EthReserve).
		Int64("token_reserve", reserves.TokenReserve).
		Msg("instrument launched")
	return inst, nil
}

// SubmitResult is the synchronous outcome of an accepted order. OrderID
// identifies the resting remainder for later cancellation.
type SubmitResult struct {
	OrderID string
	Fills   []*event.Fill
	Resting bool
}

// SubmitSigned validates a signed order end to end and executes it. The
// nonce is consumed exactly when the order enters its lane; lane-side
// rejections (leverage, margin, slippage) still consume it.
func (e *Engine) SubmitSigned(ctx context.Context, so *auth.SignedOrder) (*SubmitResult, error) {
	start := time.Now()

	order, err := e.toOrder(so)
	if err != nil {
		e.countRejection(err)
		return nil, err
	}

	l := e.laneFor(order.Instrument)
	if l == nil {
		err := reject.New(reject.CodeBadRequest, "unknown instrument %s", order.Instrument)
		e.countRejection(err)
		return nil, err
	}

	reply := make(chan laneResult, 1)
	err = e.guard.Admit(so, func() error {
		select {
		case l.in <- laneCmd{kind: cmdOrder, order: order, reply: reply}:
			return nil
		default:
			return reject.New(reject.CodeBadRequest, "matching lane overloaded, retry")
		}
	})
	if err != nil {
		e.countRejection(err)
		return nil, err
	}

	if m := e.metrics; m != nil {
		m.SignatureChecks.Inc()
		m.AdmitDuration.WithLabelValues(order.Instrument).Observe(time.Since(start).Seconds())
		m.LaneQueueDepth.WithLabelValues(order.Instrument).Set(float64(len(l.in)))
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-reply:
		if res.err != nil {
			e.countRejection(res.err)
			return nil, res.err
		}
		if m := e.metrics; m != nil {
			m.OrdersAccepted.WithLabelValues(order.Instrument).Inc()
		}
		return &SubmitResult{OrderID: order.ID, Fills: res.fills, Resting: res.resting}, nil
	}
}

// Cancel removes the caller's resting order.
func (e *Engine) Cancel(ctx context.Context, instrument, trader, orderID string) error {
	l := e.laneFor(strings.ToLower(instrument))
	if l == nil {
		return reject.New(reject.CodeBadRequest, "unknown instrument %s", instrument)
	}

	reply := make(chan laneResult, 1)
	select {
	case l.in <- laneCmd{kind: cmdCancel, orderID: orderID, trader: strings.ToLower(trader), reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-reply:
		return res.err
	}
}

// Deposit credits confirmed collateral to a trader.
func (e *Engine) Deposit(trader string, amount int64, ref string) error {
	return e.led.Deposit(strings.ToLower(trader), amount, e.clock(), ref)
}

// Withdraw releases free collateral.
func (e *Engine) Withdraw(trader string, amount int64, ref string) error {
	return e.led.Withdraw(strings.ToLower(trader), amount, e.clock(), ref)
}

// Deactivate forces an instrument into the terminal DEAD state.
func (e *Engine) Deactivate(ctx context.Context, instrument string) error {
	l := e.laneFor(strings.ToLower(instrument))
	if l == nil {
		return reject.New(reject.CodeBadRequest, "unknown instrument %s", instrument)
	}
	reply := make(chan laneResult, 1)
	select {
	case l.in <- laneCmd{kind: cmdDeactivate, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-reply:
		return nil
	}
}

// View snapshots an instrument's lane-owned state.
func (e *Engine) View(ctx context.Context, instrument string) (InstrumentView, error) {
	l := e.laneFor(strings.ToLower(instrument))
	if l == nil {
		return InstrumentView{}, reject.New(reject.CodeBadRequest, "unknown instrument %s", instrument)
	}
	reply := make(chan laneResult, 1)
	select {
	case l.in <- laneCmd{kind: cmdQuery, reply: reply}:
	case <-ctx.Done():
		return InstrumentView{}, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return InstrumentView{}, ctx.Err()
	case res := <-reply:
		return res.view, nil
	}
}

// Instruments lists all launched instrument addresses.
func (e *Engine) Instruments() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.lanes))
	for addr := range e.lanes {
		out = append(out, addr)
	}
	return out
}

// runSampler periodically fetches index prices and feeds premium samples
// to every lane. Samples are advisory: a full lane skips its sample and
// catches up on the next tick.
func (e *Engine) runSampler(ctx context.Context) {
	if e.oracle == nil {
		return
	}
	ticker := time.NewTicker(e.cfg.SampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sampleAll(ctx)
		}
	}
}

func (e *Engine) sampleAll(ctx context.Context) {
	e.mu.RLock()
	lanes := make([]*lane, 0, len(e.lanes))
	for _, l := range e.lanes {
		lanes = append(lanes, l)
	}
	e.mu.RUnlock()

	for _, l := range lanes {
		price, err := e.oracle.Price(ctx, l.inst.Address)
		if err != nil {
			if m := e.metrics; m != nil {
				m.IndexFetchErrors.Inc()
			}
			continue
		}
		select {
		case l.in <- laneCmd{kind: cmdSample, index: price}:
		default:
		}
	}
}

func (e *Engine) laneFor(instrument string) *lane {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lanes[instrument]
}

func (e *Engine) countRejection(err error) {
	if e.metrics == nil {
		return
	}
	code := reject.CodeOf(err)
	if code == "" {
		code = "internal"
	}
	e.metrics.OrdersRejected.WithLabelValues(string(code)).Inc()
}

// toOrder converts the raw signed wire order into engine fixed-point.
// Conversion happens before admission so the digest covers exactly what
// the client signed.
func (e *Engine) toOrder(so *auth.SignedOrder) (*event.Order, error) {
	size, err := wire.ParseScaled18(so.Size, fpmath.QuantityConfig)
	if err != nil {
		return nil, reject.New(reject.CodeBadRequest, "size: %v", err)
	}
	price, err := wire.ParseScaled18(so.Price, fpmath.PriceConfig)
	if err != nil {
		return nil, reject.New(reject.CodeBadRequest, "price: %v", err)
	}
	if so.Leverage == nil || !so.Leverage.IsInt64() {
		return nil, reject.New(reject.CodeBadRequest, "leverage out of range")
	}
	if so.Deadline == nil || !so.Deadline.IsInt64() {
		return nil, reject.New(reject.CodeBadRequest, "deadline out of range")
	}
	if so.Nonce == nil || !so.Nonce.IsUint64() {
		return nil, reject.New(reject.CodeBadRequest, "nonce out of range")
	}

	var side event.Side
	switch so.Side {
	case 1:
		side = event.SideLong
	case 2:
		side = event.SideShort
	default:
		return nil, reject.New(reject.CodeBadRequest, "side must be 1 (long) or 2 (short)")
	}

	var typ event.OrderType
	switch so.OrderType {
	case 0:
		typ = event.OrderTypeMarket
	case 1:
		typ = event.OrderTypeLimit
	default:
		return nil, reject.New(reject.CodeBadRequest, "unknown order type %d", so.OrderType)
	}

	return &event.Order{
		ID:         uuid.New().String(),
		Trader:     strings.ToLower(so.Trader.Hex()),
		Instrument: strings.ToLower(so.Instrument.Hex()),
		Side:       side,
		Size:       size,
		Leverage:   so.Leverage.Int64(),
		LimitPrice: price,
		Type:       typ,
		Deadline:   so.Deadline.Int64(),
		Nonce:      so.Nonce.Uint64(),
	}, nil
}
