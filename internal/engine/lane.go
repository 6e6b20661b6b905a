package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"curvex/internal/book"
	"curvex/internal/curve"
	"curvex/internal/event"
	"curvex/internal/funding"
	"curvex/internal/ledger"
	"curvex/internal/lifecycle"
	"curvex/internal/marketdata"
	fpmath "curvex/internal/math"
	"curvex/internal/reject"
)

type cmdKind int

const (
	cmdOrder cmdKind = iota
	cmdCancel
	cmdSample
	cmdQuery
	cmdDeactivate
)

type laneCmd struct {
	kind    cmdKind
	order   *event.Order
	orderID string
	trader  string
	index   int64 // Index price for premium samples
	reply   chan laneResult
}

type laneResult struct {
	fills   []*event.Fill
	resting bool
	view    InstrumentView
	err     error
}

// InstrumentView is a consistent snapshot of lane-owned state for queries.
type InstrumentView struct {
	Address     string
	State       lifecycle.State
	Tier        lifecycle.Tier
	Mark        int64
	Spot        int64
	SoldTokens  int64
	Reserves    curve.Reserves
	Graduated   bool
	BookDepth   int
	NextFunding int64
}

// lane is the single goroutine that owns one instrument's book, curve
// reserves, lifecycle classification, and funding clock. Everything that
// can move the instrument's price flows through here in admission order.
type lane struct {
	eng    *Engine
	logger zerolog.Logger

	inst   *lifecycle.Instrument
	book   *book.Book
	pricer curve.Pricer
	fund   *funding.Engine

	in chan laneCmd

	fillSeq   int64
	acceptSeq int64
	mark      int64 // Last fill price; seeded from curve spot
}

func newLane(e *Engine, inst *lifecycle.Instrument) *lane {
	pricer := curve.ConstantProduct{}
	l := &lane{
		eng:    e,
		logger: e.logger.With().Str("instrument", inst.Address).Logger(),
		inst:   inst,
		book:   book.New(),
		pricer: pricer,
		fund:   funding.NewEngine(e.cfg.Funding, e.logger),
		in:     make(chan laneCmd, e.cfg.LaneBuffer),
		mark:   pricer.Spot(inst.Reserves),
	}
	l.fund.Track(inst.Address, e.clock())
	return l
}

func (l *lane) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-l.in:
			if !ok {
				return
			}
			l.dispatch(cmd)
		}
	}
}

func (l *lane) dispatch(cmd laneCmd) {
	switch cmd.kind {
	case cmdOrder:
		fills, resting, err := l.processOrder(cmd.order)
		cmd.reply <- laneResult{fills: fills, resting: resting, err: err}
	case cmdCancel:
		cmd.reply <- laneResult{err: l.processCancel(cmd.orderID, cmd.trader)}
	case cmdSample:
		l.processSample(cmd.index)
	case cmdQuery:
		cmd.reply <- laneResult{view: l.snapshot()}
	case cmdDeactivate:
		l.eng.life.Deactivate(l.inst)
		cmd.reply <- laneResult{}
	}
}

// processOrder runs the full admission-to-settlement pipeline for one
// order: lifecycle gate, collateral precheck, book matching, curve
// fallback, position application, graduation check, liquidation sweep.
func (l *lane) processOrder(o *event.Order) ([]*event.Fill, bool, error) {
	start := time.Now()
	now := l.eng.clock()

	if o.Size <= 0 || o.Leverage < 1 {
		return nil, false, reject.New(reject.CodeBadRequest,
			"size and leverage must be positive")
	}
	if o.Type == event.OrderTypeLimit && o.LimitPrice <= 0 {
		return nil, false, reject.New(reject.CodeBadRequest,
			"limit order requires a positive price")
	}

	ref := l.referencePrice(o.Side)
	required := ledger.RequiredCollateral(o.Size, ref, o.Leverage)

	if err := l.eng.life.AdmissionGate(l.inst, o.Leverage, required, now); err != nil {
		return nil, false, err
	}

	tier := l.eng.life.TierOf(l.inst.State())
	worstFee := fpmath.ApplyBps(fpmath.ComputeNotional(o.Size, ref), tier.TakerFeeBps)
	if free := l.eng.led.FreeCollateral(o.Trader); free < required+worstFee {
		return nil, false, reject.New(reject.CodeInsufficientMargin,
			"free collateral %d below required %d", free, required+worstFee)
	}

	o.AcceptedSeq = l.nextAcceptSeq()
	bound := l.slippageBound(o, ref)

	var fills []*event.Fill
	var filled, quoteVolume int64

	for _, m := range l.book.Take(o.Side, o.Size, bound) {
		f, err := l.applyBookMatch(o, m, tier, now)
		if err != nil {
			l.logger.Error().Err(err).Str("maker", m.Maker.ID).Msg("book match failed to settle")
			continue
		}
		fills = append(fills, f)
		filled += m.Qty
		quoteVolume += fpmath.ComputeNotional(m.Qty, m.Price)
	}

	resting := false
	if remainder := o.Size - filled; remainder > 0 {
		f, rested, err := l.fillRemainder(o, remainder, bound, tier, now)
		if err != nil && len(fills) == 0 {
			return nil, false, err
		}
		if f != nil {
			fills = append(fills, f)
			filled += f.Size
			quoteVolume += fpmath.ComputeNotional(f.Size, f.Price)
		}
		resting = rested
	}

	if len(fills) > 0 {
		l.mark = fills[len(fills)-1].Price
		l.eng.life.RecordActivity(l.inst, quoteVolume, now)
		l.eng.life.Classify(l.inst, now)
		l.sweepLiquidations(now)
		l.refreshHeatmap(now)
	}

	if m := l.eng.metrics; m != nil {
		m.MatchDuration.WithLabelValues(l.inst.Address).Observe(time.Since(start).Seconds())
		m.BookDepth.WithLabelValues(l.inst.Address).Set(float64(l.book.Depth()))
	}
	return fills, resting, nil
}

// fillRemainder sends the unmatched quantity to the bonding curve, or
// rests it on the book when the curve cannot serve it within the slippage
// bound (or the instrument has graduated to book-only trading).
func (l *lane) fillRemainder(o *event.Order, qty, bound int64, tier lifecycle.Tier, now int64) (*event.Fill, bool, error) {
	if !l.inst.Graduated {
		f, err := l.applyCurveFill(o, qty, bound, tier, now)
		if err == nil {
			return f, false, nil
		}
		if o.Type == event.OrderTypeMarket {
			return nil, false, err
		}
		// Limit order: curve can't serve at this price, rest instead.
	}

	if o.Type == event.OrderTypeLimit {
		l.book.Add(o, o.Size-qty)
		return nil, true, nil
	}
	return nil, false, reject.New(reject.CodeSlippageExceeded,
		"no liquidity within slippage bound for remaining %d", qty)
}

func (l *lane) applyBookMatch(o *event.Order, m book.Match, tier lifecycle.Tier, now int64) (*event.Fill, error) {
	notional := fpmath.ComputeNotional(m.Qty, m.Price)
	takerFee := fpmath.ApplyBps(notional, tier.TakerFeeBps)
	makerFee := fpmath.ApplyBps(notional, tier.MakerFeeBps)

	fillID := uuid.New()

	if _, err := l.eng.led.ApplyFill(ledger.FillApplication{
		Trader: o.Trader, Instrument: l.inst.Address, Side: o.Side,
		Qty: m.Qty, Price: m.Price, Fee: takerFee,
		Leverage: o.Leverage, MaintenanceBps: tier.MaintenanceBps,
		Timestamp: now, Ref: fillID.String(),
	}); err != nil {
		return nil, fmt.Errorf("taker leg: %w", err)
	}

	if _, err := l.eng.led.ApplyFill(ledger.FillApplication{
		Trader: m.Maker.Trader, Instrument: l.inst.Address, Side: m.Maker.Side,
		Qty: m.Qty, Price: m.Price, Fee: makerFee,
		Leverage: m.Maker.Leverage, MaintenanceBps: tier.MaintenanceBps,
		Timestamp: now, Ref: fillID.String(),
	}); err != nil {
		// Maker could not fund the fill. Pull the rest of their order so
		// the book stops advertising liquidity they cannot back.
		l.book.Cancel(m.Maker.ID)
		l.logger.Warn().Err(err).Str("maker", m.Maker.Trader).Msg("maker leg failed, order pulled")
		return nil, fmt.Errorf("maker leg: %w", err)
	}

	return l.emitFill(&event.Fill{
		FillID:     fillID,
		Instrument: l.inst.Address,
		Price:      m.Price,
		Size:       m.Qty,
		TakerSide:  o.Side,
		Taker:      o.Trader,
		Maker:      m.Maker.Trader,
		Fee:        takerFee,
		MakerFee:   makerFee,
		Kind:       event.FillKindBook,
		Timestamp:  now,
	}), nil
}

// applyCurveFill executes qty against the bonding curve. The curve is a
// pricing mechanism only: the position is carried against the pool, no
// quote moves besides the margin lock and fee.
func (l *lane) applyCurveFill(o *event.Order, qty, bound int64, tier lifecycle.Tier, now int64) (*event.Fill, error) {
	var quote int64
	var after curve.Reserves
	var err error

	if o.Side == event.SideLong {
		quote, after, err = l.pricer.BuyCost(l.inst.Reserves, qty)
	} else {
		quote, after, err = l.pricer.SellReturn(l.inst.Reserves, qty)
	}
	if err != nil {
		if errors.Is(err, curve.ErrInsufficientReserve) {
			return nil, reject.New(reject.CodeSlippageExceeded,
				"curve reserve cannot serve quantity %d", qty)
		}
		return nil, err
	}

	avg := curve.AvgPrice(quote, qty)
	if bound != 0 {
		if o.Side == event.SideLong && avg > bound {
			return nil, reject.New(reject.CodeSlippageExceeded,
				"curve price %d above bound %d", avg, bound)
		}
		if o.Side == event.SideShort && avg < bound {
			return nil, reject.New(reject.CodeSlippageExceeded,
				"curve price %d below bound %d", avg, bound)
		}
	}

	notional := fpmath.ComputeNotional(qty, avg)
	takerFee := fpmath.ApplyBps(notional, tier.TakerFeeBps)
	fillID := uuid.New()

	if _, err := l.eng.led.ApplyFill(ledger.FillApplication{
		Trader: o.Trader, Instrument: l.inst.Address, Side: o.Side,
		Qty: qty, Price: avg, Fee: takerFee,
		Leverage: o.Leverage, MaintenanceBps: tier.MaintenanceBps,
		Timestamp: now, Ref: fillID.String(),
	}); err != nil {
		return nil, err
	}

	l.inst.Reserves = after
	if o.Side == event.SideLong {
		l.inst.RecordSale(qty)
		if l.eng.life.CheckGraduation(l.inst) {
			// Subsequent orders hit the graduated gate; this fill stands.
			l.logger.Info().Int64("sold", l.inst.SoldTokens).Msg("graduation crossed mid-session")
		}
	}

	return l.emitFill(&event.Fill{
		FillID:     fillID,
		Instrument: l.inst.Address,
		Price:      avg,
		Size:       qty,
		TakerSide:  o.Side,
		Taker:      o.Trader,
		Fee:        takerFee,
		Kind:       event.FillKindCurve,
		Timestamp:  now,
	}), nil
}

func (l *lane) emitFill(f *event.Fill) *event.Fill {
	l.fillSeq++
	f.Sequence = l.fillSeq
	l.eng.emit(Output{Fill: f})

	if m := l.eng.metrics; m != nil {
		m.FillsTotal.WithLabelValues(l.inst.Address, f.Kind.String()).Inc()
		m.FillVolumeQuote.WithLabelValues(l.inst.Address).
			Add(float64(fpmath.ComputeNotional(f.Size, f.Price)))
	}
	return f
}

func (l *lane) processCancel(orderID, trader string) error {
	resting, ok := l.book.Get(orderID)
	if !ok {
		return reject.New(reject.CodeBadRequest, "order %s is not resting", orderID)
	}
	if resting.Order.Trader != trader {
		return reject.New(reject.CodeBadRequest, "order %s does not belong to caller", orderID)
	}
	l.book.Cancel(orderID)
	return nil
}

// processSample feeds one index observation into the funding clock and
// settles the epoch when due.
func (l *lane) processSample(indexPrice int64) {
	now := l.eng.clock()
	l.fund.RecordSample(l.inst.Address, l.mark, indexPrice)

	if !l.fund.Due(l.inst.Address, now) {
		return
	}
	if l.inst.State().Terminal() {
		l.fund.Untrack(l.inst.Address)
		return
	}

	positions := make([]fpmath.PositionForFunding, 0)
	for _, p := range l.eng.led.PositionsFor(l.inst.Address) {
		positions = append(positions, fpmath.PositionForFunding{
			Trader: p.Trader, Size: p.Size, SideSign: p.Side.Sign(),
		})
	}

	settlement, record, err := l.fund.Settle(l.inst.Address, now, l.mark, positions)
	if err != nil {
		if errors.Is(err, funding.ErrNoIndex) {
			if m := l.eng.metrics; m != nil {
				m.FundingEpochDeferred.WithLabelValues(l.inst.Address).Inc()
			}
		}
		return
	}

	if err := l.eng.led.ApplyFunding(settlement, now); err != nil {
		l.logger.Error().Err(err).Int64("epoch", settlement.Epoch).Msg("funding application failed")
		return
	}

	// The epoch clock advanced either way; an instrument with no open
	// interest publishes no record.
	if len(positions) > 0 {
		l.eng.emit(Output{Funding: record})
	}

	if m := l.eng.metrics; m != nil {
		m.FundingEpochSettled.WithLabelValues(l.inst.Address).Inc()
		m.FundingResidual.WithLabelValues(l.inst.Address).Set(float64(settlement.Residual))
		m.InsuranceFundBalance.Set(float64(l.eng.led.InsuranceBalance()))
	}

	// Funding payments move equity, so positions can cross their
	// liquidation threshold right here.
	l.sweepLiquidations(now)
	l.refreshHeatmap(now)
}

// sweepLiquidations force-closes every position under maintenance at the
// current mark, emitting one liquidation fill per close.
func (l *lane) sweepLiquidations(now int64) {
	for _, pos := range l.eng.led.ScanLiquidatable(l.inst.Address, l.mark) {
		liq, err := l.eng.led.ForceClose(pos.Trader, l.inst.Address, now, l.fillSeq+1)
		if err != nil {
			l.logger.Error().Err(err).Str("trader", pos.Trader).Msg("force close failed")
			continue
		}

		l.fillSeq++
		f := &event.Fill{
			FillID:     uuid.New(),
			Instrument: l.inst.Address,
			Price:      liq.Price,
			Size:       liq.Size,
			TakerSide:  liq.Side.Opposite(),
			Taker:      liq.Trader,
			Kind:       event.FillKindLiquidation,
			Sequence:   l.fillSeq,
			Timestamp:  now,
		}
		l.eng.emit(Output{Fill: f, Liquidation: liq})

		if m := l.eng.metrics; m != nil {
			m.LiquidationsTotal.WithLabelValues(l.inst.Address).Inc()
			m.LiquidationForfeit.WithLabelValues(l.inst.Address).Add(float64(liq.Forfeit))
			m.InsuranceFundBalance.Set(float64(l.eng.led.InsuranceBalance()))
		}
	}
}

func (l *lane) refreshHeatmap(now int64) {
	if l.eng.agg == nil {
		return
	}
	open := l.eng.led.PositionsFor(l.inst.Address)
	points := make([]marketdata.LiquidationPoint, 0, len(open))
	for _, p := range open {
		points = append(points, marketdata.LiquidationPoint{
			Trader: p.Trader,
			Side:   p.Side,
			Price:  p.LiquidationPrice(),
			Size:   p.Size,
		})
	}
	l.eng.agg.UpdateHeatmap(l.inst.Address, points, now)
}

// slippageBound is the worst execution price the order may fill at. A
// limit order carries its own bound. A market order is capped at the
// configured drift from the reference price; a tighter user-supplied
// price wins. Zero means unbounded.
func (l *lane) slippageBound(o *event.Order, ref int64) int64 {
	if o.Type == event.OrderTypeLimit {
		return o.LimitPrice
	}
	bps := l.eng.cfg.MaxSlippageBps
	if bps <= 0 || ref <= 0 {
		return o.LimitPrice
	}
	drift := fpmath.ApplyBps(ref, bps)
	if o.Side == event.SideLong {
		worst := ref + drift
		if o.LimitPrice != 0 && o.LimitPrice < worst {
			worst = o.LimitPrice
		}
		return worst
	}
	worst := ref - drift
	if worst < 1 {
		worst = 1
	}
	if o.LimitPrice > worst {
		worst = o.LimitPrice
	}
	return worst
}

// referencePrice is the price admission checks are sized against: best
// opposing book level if present, otherwise the last mark.
func (l *lane) referencePrice(side event.Side) int64 {
	if best, ok := l.book.BestPrice(side.Opposite()); ok {
		return best
	}
	if l.mark > 0 {
		return l.mark
	}
	return l.pricer.Spot(l.inst.Reserves)
}

func (l *lane) nextAcceptSeq() int64 {
	l.acceptSeq++
	return l.acceptSeq
}

func (l *lane) snapshot() InstrumentView {
	now := l.eng.clock()
	state := l.eng.life.Classify(l.inst, now)
	view := InstrumentView{
		Address:    l.inst.Address,
		State:      state,
		Tier:       l.eng.life.TierOf(state),
		Mark:       l.mark,
		Spot:       l.pricer.Spot(l.inst.Reserves),
		SoldTokens: l.inst.SoldTokens,
		Reserves:   l.inst.Reserves,
		Graduated:  l.inst.Graduated,
		BookDepth:  l.book.Depth(),
	}
	view.NextFunding = l.fund.NextDueAt(l.inst.Address)
	return view
}
