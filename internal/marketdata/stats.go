package marketdata

// Stats24h is the rolling 24 hour summary for one instrument.
type Stats24h struct {
	Instrument  string
	LastPrice   int64 // Price scale
	High        int64
	Low         int64
	Volume      int64 // Quantity scale
	QuoteVolume int64 // Quote scale
	Trades      int64
	OpenPrice   int64 // Price ~24h ago (first trade inside the window)
}

type windowTrade struct {
	price    int64
	qty      int64
	quoteVol int64
	ts       int64 // Unix microseconds
}

const statsWindowMicros = 24 * 3600 * 1_000_000

// rollingStats keeps the raw trades of the last 24 hours and derives the
// summary on demand. Owned by the Aggregator, not thread-safe.
type rollingStats struct {
	instrument string
	trades     []windowTrade
	lastPrice  int64
}

func newRollingStats(instrument string) *rollingStats {
	return &rollingStats{instrument: instrument}
}

func (rs *rollingStats) record(price, qty, quoteVol, ts int64) {
	rs.trades = append(rs.trades, windowTrade{price: price, qty: qty, quoteVol: quoteVol, ts: ts})
	rs.lastPrice = price
	rs.evict(ts)
}

func (rs *rollingStats) evict(now int64) {
	cutoff := now - statsWindowMicros
	i := 0
	for i < len(rs.trades) && rs.trades[i].ts < cutoff {
		i++
	}
	if i > 0 {
		rs.trades = rs.trades[i:]
	}
}

func (rs *rollingStats) snapshot(now int64) Stats24h {
	rs.evict(now)

	out := Stats24h{Instrument: rs.instrument, LastPrice: rs.lastPrice}
	for i, t := range rs.trades {
		if i == 0 {
			out.OpenPrice = t.price
			out.High, out.Low = t.price, t.price
		} else {
			if t.price > out.High {
				out.High = t.price
			}
			if t.price < out.Low {
				out.Low = t.price
			}
		}
		out.Volume += t.qty
		out.QuoteVolume += t.quoteVol
		out.Trades++
	}
	return out
}
