// Package book implements a single instrument's limit order book with
// price-time priority. Not thread-safe; each book is owned by its matching
// lane and only touched there.
package book

import (
	"github.com/tidwall/btree"

	"curvex/internal/event"
)

// RestingOrder is a limit order resting in the book.
type RestingOrder struct {
	Order  *event.Order
	Filled int64 // Quantity scale
}

// Remaining returns unfilled quantity.
func (r *RestingOrder) Remaining() int64 {
	return r.Order.Size - r.Filled
}

// Match is one maker execution produced while taking liquidity.
type Match struct {
	Maker *event.Order
	Price int64 // Maker's limit price (price-time priority: maker sets price)
	Qty   int64
}

type priceLevel struct {
	price  int64
	orders []*RestingOrder // FIFO by acceptance sequence
}

// Book holds resting bids and asks in btree price levels. Bids match from
// the highest price, asks from the lowest; ties within a level break FIFO
// by acceptance sequence.
type Book struct {
	bids       *btree.Map[int64, *priceLevel]
	asks       *btree.Map[int64, *priceLevel]
	ordersByID map[string]*RestingOrder
}

func New() *Book {
	return &Book{
		bids:       btree.NewMap[int64, *priceLevel](32),
		asks:       btree.NewMap[int64, *priceLevel](32),
		ordersByID: make(map[string]*RestingOrder),
	}
}

// Add rests a limit order. The caller has already matched the crossing part.
func (b *Book) Add(o *event.Order, alreadyFilled int64) {
	if o.Size-alreadyFilled <= 0 {
		return
	}

	resting := &RestingOrder{Order: o, Filled: alreadyFilled}
	tree := b.treeFor(o.Side)

	level, ok := tree.Get(o.LimitPrice)
	if !ok {
		level = &priceLevel{price: o.LimitPrice}
		tree.Set(o.LimitPrice, level)
	}
	level.orders = append(level.orders, resting)
	b.ordersByID[o.ID] = resting
}

// Get looks up a resting order by id.
func (b *Book) Get(orderID string) (*RestingOrder, bool) {
	r, ok := b.ordersByID[orderID]
	return r, ok
}

// Cancel removes a resting order by id.
func (b *Book) Cancel(orderID string) bool {
	resting, ok := b.ordersByID[orderID]
	if !ok {
		return false
	}
	delete(b.ordersByID, orderID)

	tree := b.treeFor(resting.Order.Side)
	level, ok := tree.Get(resting.Order.LimitPrice)
	if !ok {
		return false
	}
	for i, o := range level.orders {
		if o.Order.ID == orderID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		tree.Delete(level.price)
	}
	return true
}

// BestPrice returns the best resting price on a side.
func (b *Book) BestPrice(side event.Side) (int64, bool) {
	if side == event.SideLong {
		price, _, ok := b.bids.Max()
		return price, ok
	}
	price, _, ok := b.asks.Min()
	return price, ok
}

// Take consumes resting liquidity opposing takerSide, up to qty, at prices
// no worse than limitPrice (0 = unbounded). Fully consumed makers are
// removed; the matches are returned in priority order.
func (b *Book) Take(takerSide event.Side, qty, limitPrice int64) []Match {
	var matches []Match
	remaining := qty

	for remaining > 0 {
		level := b.bestOpposing(takerSide)
		if level == nil {
			break
		}
		if limitPrice != 0 && !priceAcceptable(takerSide, level.price, limitPrice) {
			break
		}

		for remaining > 0 && len(level.orders) > 0 {
			maker := level.orders[0]
			fillQty := maker.Remaining()
			if fillQty > remaining {
				fillQty = remaining
			}

			maker.Filled += fillQty
			remaining -= fillQty
			matches = append(matches, Match{
				Maker: maker.Order,
				Price: level.price,
				Qty:   fillQty,
			})

			if maker.Remaining() == 0 {
				level.orders = level.orders[1:]
				delete(b.ordersByID, maker.Order.ID)
			}
		}

		if len(level.orders) == 0 {
			b.treeFor(takerSide.Opposite()).Delete(level.price)
		}
	}

	return matches
}

// Depth returns the number of resting orders.
func (b *Book) Depth() int {
	return len(b.ordersByID)
}

func (b *Book) treeFor(side event.Side) *btree.Map[int64, *priceLevel] {
	if side == event.SideLong {
		return b.bids
	}
	return b.asks
}

// bestOpposing returns the best price level on the side opposing the taker.
func (b *Book) bestOpposing(takerSide event.Side) *priceLevel {
	if takerSide == event.SideLong {
		// Buyer takes from the lowest ask
		_, level, ok := b.asks.Min()
		if !ok {
			return nil
		}
		return level
	}
	_, level, ok := b.bids.Max()
	if !ok {
		return nil
	}
	return level
}

// priceAcceptable reports whether a maker price satisfies the taker's limit.
func priceAcceptable(takerSide event.Side, makerPrice, limitPrice int64) bool {
	if takerSide == event.SideLong {
		return makerPrice <= limitPrice
	}
	return makerPrice >= limitPrice
}
