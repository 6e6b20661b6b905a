package event

import "github.com/google/uuid"

// FillKind distinguishes ordinary matched trades from curve executions and
// system-initiated liquidations.
type FillKind int32

const (
	FillKindBook FillKind = iota
	FillKindCurve
	FillKindLiquidation
)

func (k FillKind) String() string {
	switch k {
	case FillKindCurve:
		return "curve"
	case FillKindLiquidation:
		return "liquidation"
	default:
		return "book"
	}
}

// Fill is a sequence-numbered trade record. Sequence is monotonic per
// instrument and is the ordering key for candle and heatmap aggregation.
type Fill struct {
	FillID     uuid.UUID
	Instrument string
	Price      int64 // Price scale
	Size       int64 // Quantity scale
	TakerSide  Side  // Direction of the aggressing (or liquidated) party
	Taker      string
	Maker      string // Empty for curve fills and liquidations
	Fee        int64  // Quote scale, charged to the taker
	MakerFee   int64  // Quote scale, charged to the maker (book fills only)
	Kind       FillKind
	Sequence   int64 // Monotonic per instrument
	Timestamp  int64 // Unix microseconds
}

// IdempotencyKey returns the stable dedup key for persistence.
func (f *Fill) IdempotencyKey() string {
	return f.FillID.String()
}

// PriceUpdate carries a mark-price change for an instrument.
type PriceUpdate struct {
	Instrument string
	Price      int64 // Price scale
	Sequence   int64
	Timestamp  int64 // Unix microseconds
}

// FundingRecord is the immutable outcome of one funding interval for one
// instrument. Positive rate means longs pay shorts.
type FundingRecord struct {
	Instrument string
	Rate       int64 // Rate scale 1e8, signed
	Interval   int64 // Seconds
	AppliedAt  int64 // Unix microseconds
	NextDueAt  int64 // Unix microseconds
	Epoch      int64 // Monotonic per instrument
}
