package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"curvex/internal/engine"
	"curvex/internal/event"
	"curvex/internal/ledger"
	fpmath "curvex/internal/math"
	"curvex/internal/observability"
	"curvex/internal/wire"
)

// Envelope is the outbound message format. All numerics in Payload are
// decimal strings so downstream consumers never see binary floats.
type Envelope struct {
	Type       string `json:"type"` // fill | funding | liquidation
	Instrument string `json:"instrument"`
	Payload    any    `json:"payload"`
	Timestamp  int64  `json:"timestamp"` // Unix microseconds
}

// FillMessage is the wire view of a fill.
type FillMessage struct {
	FillID     string `json:"fill_id"`
	Instrument string `json:"instrument"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	TakerSide  string `json:"taker_side"`
	Taker      string `json:"taker"`
	Maker      string `json:"maker,omitempty"`
	Fee        string `json:"fee"`
	MakerFee   string `json:"maker_fee,omitempty"`
	Kind       string `json:"kind"`
	Sequence   int64  `json:"sequence"`
	Timestamp  int64  `json:"timestamp"`
}

// FundingMessage is the wire view of a settled funding epoch.
type FundingMessage struct {
	Instrument string `json:"instrument"`
	Rate       string `json:"rate"`
	Interval   int64  `json:"interval_seconds"`
	Epoch      int64  `json:"epoch"`
	AppliedAt  int64  `json:"applied_at"`
	NextDueAt  int64  `json:"next_due_at"`
}

// LiquidationMessage is the wire view of a forced close plus its fill.
type LiquidationMessage struct {
	Trader  string      `json:"trader"`
	Side    string      `json:"side"`
	Size    string      `json:"size"`
	Price   string      `json:"price"`
	Forfeit string      `json:"forfeit"`
	Fill    FillMessage `json:"fill"`
}

// FillMessageOf builds the wire view of a fill. Shared with the gateway
// so REST responses and stream envelopes render identically.
func FillMessageOf(f *event.Fill) FillMessage {
	msg := FillMessage{
		FillID:     f.FillID.String(),
		Instrument: f.Instrument,
		Price:      wire.FormatDecimal(f.Price, fpmath.PriceConfig),
		Size:       wire.FormatDecimal(f.Size, fpmath.QuantityConfig),
		TakerSide:  f.TakerSide.String(),
		Taker:      f.Taker,
		Maker:      f.Maker,
		Fee:        wire.FormatDecimal(f.Fee, fpmath.QuoteConfig),
		Kind:       f.Kind.String(),
		Sequence:   f.Sequence,
		Timestamp:  f.Timestamp,
	}
	if f.MakerFee != 0 {
		msg.MakerFee = wire.FormatDecimal(f.MakerFee, fpmath.QuoteConfig)
	}
	return msg
}

func fundingMessage(r *event.FundingRecord) FundingMessage {
	return FundingMessage{
		Instrument: r.Instrument,
		Rate:       wire.FormatDecimal(r.Rate, fpmath.RateConfig),
		Interval:   r.Interval,
		Epoch:      r.Epoch,
		AppliedAt:  r.AppliedAt,
		NextDueAt:  r.NextDueAt,
	}
}

func liquidationMessage(liq *ledger.Liquidation, fill *event.Fill) LiquidationMessage {
	return LiquidationMessage{
		Trader:  liq.Trader,
		Side:    liq.Side.String(),
		Size:    wire.FormatDecimal(liq.Size, fpmath.QuantityConfig),
		Price:   wire.FormatDecimal(liq.Price, fpmath.PriceConfig),
		Forfeit: wire.FormatDecimal(liq.Forfeit, fpmath.QuoteConfig),
		Fill:    FillMessageOf(fill),
	}
}

// envelopeFor maps one engine output to its subject and envelope. Returns
// false for outputs with nothing to publish.
func envelopeFor(out engine.Output) (string, Envelope, bool) {
	switch {
	case out.Liquidation != nil && out.Fill != nil:
		return fmt.Sprintf("%s.liquidation.%s", eventSubjectPrefix, out.Liquidation.Instrument), Envelope{
			Type:       "liquidation",
			Instrument: out.Liquidation.Instrument,
			Payload:    liquidationMessage(out.Liquidation, out.Fill),
			Timestamp:  out.Fill.Timestamp,
		}, true
	case out.Fill != nil:
		return fmt.Sprintf("%s.fill.%s", eventSubjectPrefix, out.Fill.Instrument), Envelope{
			Type:       "fill",
			Instrument: out.Fill.Instrument,
			Payload:    FillMessageOf(out.Fill),
			Timestamp:  out.Fill.Timestamp,
		}, true
	case out.Funding != nil:
		return fmt.Sprintf("%s.funding.%s", eventSubjectPrefix, out.Funding.Instrument), Envelope{
			Type:       "funding",
			Instrument: out.Funding.Instrument,
			Payload:    fundingMessage(out.Funding),
			Timestamp:  out.Funding.AppliedAt,
		}, true
	default:
		return "", Envelope{}, false
	}
}

// Publisher drains the engine's publish channel, pushes each output to
// JetStream, and mirrors it to the in-process hub for WebSocket sessions.
// Publish failures are logged and dropped: downstream consumers recover
// from the persistence layer, live subscribers are best-effort anyway.
type Publisher struct {
	js      jetstream.JetStream
	hub     *Hub
	in      <-chan engine.Output
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(
	js jetstream.JetStream,
	hub *Hub,
	in <-chan engine.Output,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Publisher {
	return &Publisher{js: js, hub: hub, in: in, logger: logger, metrics: metrics}
}

// Run consumes outputs until the context ends or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-p.in:
			if !ok {
				return nil
			}
			p.dispatch(ctx, out)
		}
	}
}

func (p *Publisher) dispatch(ctx context.Context, out engine.Output) {
	subject, env, ok := envelopeFor(out)
	if !ok {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error().Err(err).Str("subject", subject).Msg("envelope marshal failed")
		return
	}

	if p.js != nil {
		if _, err := p.js.Publish(ctx, subject, data); err != nil {
			p.logger.Warn().Err(err).Str("subject", subject).Msg("outbound publish failed")
			if p.metrics != nil {
				p.metrics.PublishDrops.Inc()
			}
		}
	}

	if p.hub != nil {
		p.hub.Broadcast(env.Instrument, data)
	}
}
