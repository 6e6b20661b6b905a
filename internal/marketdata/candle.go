package marketdata

import (
	"time"
)

// Interval is a candle bucket width in seconds.
type Interval int64

const (
	Interval1m  Interval = 60
	Interval5m  Interval = 300
	Interval15m Interval = 900
	Interval1h  Interval = 3600
	Interval4h  Interval = 14400
	Interval1d  Interval = 86400
)

// Intervals lists every aggregated bucket width, ascending.
var Intervals = []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}

func (iv Interval) Duration() time.Duration {
	return time.Duration(iv) * time.Second
}

// Candle is one OHLCV bucket. Prices at Price scale, volume at Quantity
// scale, quote volume at Quote scale. Open of a bucket equals the close
// of the previous non-empty bucket's last trade only if a trade opened
// it; empty buckets are not emitted.
type Candle struct {
	Instrument  string
	Interval    Interval
	OpenTime    int64 // Unix seconds, bucket start
	Open        int64
	High        int64
	Low         int64
	Close       int64
	Volume      int64
	QuoteVolume int64
	Trades      int64
	Sealed      bool
}

// bucketStart floors a microsecond timestamp to the interval boundary.
func bucketStart(tsMicros int64, iv Interval) int64 {
	sec := tsMicros / 1_000_000
	return sec - sec%int64(iv)
}

// candleSet rolls one instrument's candles across all intervals.
// Not thread-safe; owned by the Aggregator.
type candleSet struct {
	instrument string
	current    map[Interval]*Candle
	sealed     map[Interval][]*Candle
	maxSealed  int
}

func newCandleSet(instrument string, maxSealed int) *candleSet {
	return &candleSet{
		instrument: instrument,
		current:    make(map[Interval]*Candle, len(Intervals)),
		sealed:     make(map[Interval][]*Candle, len(Intervals)),
		maxSealed:  maxSealed,
	}
}

// apply folds one trade into every interval, sealing buckets the trade
// has moved past. Returns the candles sealed by this trade.
func (cs *candleSet) apply(price, qty, quoteVol, tsMicros int64) []*Candle {
	var closed []*Candle

	for _, iv := range Intervals {
		start := bucketStart(tsMicros, iv)
		cur := cs.current[iv]

		if cur != nil && cur.OpenTime != start {
			closed = append(closed, cs.seal(iv, cur))
			cur = nil
		}

		if cur == nil {
			cs.current[iv] = &Candle{
				Instrument:  cs.instrument,
				Interval:    iv,
				OpenTime:    start,
				Open:        price,
				High:        price,
				Low:         price,
				Close:       price,
				Volume:      qty,
				QuoteVolume: quoteVol,
				Trades:      1,
			}
			continue
		}

		if price > cur.High {
			cur.High = price
		}
		if price < cur.Low {
			cur.Low = price
		}
		cur.Close = price
		cur.Volume += qty
		cur.QuoteVolume += quoteVol
		cur.Trades++
	}
	return closed
}

// sealElapsed closes any bucket whose interval has fully passed by now,
// so candles still seal during trade droughts.
func (cs *candleSet) sealElapsed(nowMicros int64) []*Candle {
	var closed []*Candle
	for _, iv := range Intervals {
		cur := cs.current[iv]
		if cur != nil && bucketStart(nowMicros, iv) != cur.OpenTime {
			closed = append(closed, cs.seal(iv, cur))
		}
	}
	return closed
}

func (cs *candleSet) seal(iv Interval, c *Candle) *Candle {
	c.Sealed = true
	cs.sealed[iv] = append(cs.sealed[iv], c)
	if len(cs.sealed[iv]) > cs.maxSealed {
		cs.sealed[iv] = cs.sealed[iv][len(cs.sealed[iv])-cs.maxSealed:]
	}
	delete(cs.current, iv)
	return c
}

// query returns up to limit candles for an interval, oldest first, with
// the still-open bucket last.
func (cs *candleSet) query(iv Interval, limit int) []Candle {
	out := make([]Candle, 0, limit)
	sealed := cs.sealed[iv]

	n := limit
	if cur := cs.current[iv]; cur != nil {
		n--
	}
	if n > len(sealed) {
		n = len(sealed)
	}
	if n < 0 {
		n = 0
	}
	for _, c := range sealed[len(sealed)-n:] {
		out = append(out, *c)
	}
	if cur := cs.current[iv]; cur != nil && len(out) < limit {
		out = append(out, *cur)
	}
	return out
}
