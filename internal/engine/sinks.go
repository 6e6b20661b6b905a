package engine

import (
	"curvex/internal/event"
	"curvex/internal/ledger"
)

// Output is one engine-side effect bound for persistence and publishing.
// Exactly one of the payload pointers is set per output, except
// liquidations, which carry both the forced-close record and its fill.
type Output struct {
	Fill        *event.Fill
	Funding     *event.FundingRecord
	Liquidation *ledger.Liquidation
}

// Sinks is the fan-out surface of the matching lanes.
//
// Persist must never lose an output, so sends block and lanes stall under
// persistence backpressure. Marketdata preserves fill order per instrument,
// so it also blocks (the aggregator is fast and rebuildable, the buffer
// covers bursts). Publish is best-effort fan-out to external subscribers
// and drops on a full channel.
type Sinks struct {
	Persist    chan<- Output
	Marketdata chan<- *event.Fill
	Publish    chan<- Output
}

func (e *Engine) emit(out Output) {
	select {
	case e.sinks.Persist <- out:
	default:
		if e.metrics != nil {
			e.metrics.PersistBackpressure.Inc()
		}
		e.sinks.Persist <- out
	}

	if out.Fill != nil && e.sinks.Marketdata != nil {
		e.sinks.Marketdata <- out.Fill
	}

	if e.sinks.Publish != nil {
		select {
		case e.sinks.Publish <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}
