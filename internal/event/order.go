package event

// Side represents position direction
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "flat"
	}
}

// Sign returns +1 for long, -1 for short, 0 for flat
func (s Side) Sign() int64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// Opposite returns the opposing side
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// OrderType distinguishes market from limit orders
type OrderType int32

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
)

func (ot OrderType) String() string {
	if ot == OrderTypeLimit {
		return "limit"
	}
	return "market"
}

// Order is a validated, signature-checked order ready for admission.
// All amounts are engine fixed-point (quantity 1e6, price 1e12); the gateway
// codec converts from the 18-decimal wire encoding before the order reaches
// the matching lane.
type Order struct {
	ID         string // Assigned at acceptance (UUID)
	Trader     string // Lowercase 0x-hex address
	Instrument string // Lowercase 0x-hex token address
	Side       Side
	Size       int64 // Quantity scale
	Leverage   int64 // Plain integer multiplier
	LimitPrice int64 // Price scale; 0 means market
	Type       OrderType
	Deadline   int64  // Unix seconds
	Nonce      uint64 // Strictly increasing per trader

	// AcceptedSeq is the per-instrument admission sequence used for
	// price-time priority ties. Assigned by the matching lane.
	AcceptedSeq int64
}

// Remaining quantity still unfilled for a resting order.
func (o *Order) Remaining(filled int64) int64 {
	return o.Size - filled
}
