package lifecycle

import (
	"curvex/internal/curve"
)

// Instrument tracks one tradable token's bonding reserves, cumulative sold
// supply, and activity. Not thread-safe; each instrument is owned by its
// matching lane and only mutated there.
type Instrument struct {
	Address   string // Lowercase 0x-hex token address
	Creator   string
	CreatedAt int64 // Unix microseconds

	Reserves   curve.Reserves
	SoldTokens int64 // Quantity scale, monotonically non-decreasing

	Graduated bool
	Active    bool

	// Decaying activity score in quote units, plus the time it was last
	// decayed. Score updates are lazy: decay is applied on read and write.
	ActivityScore  float64
	ScoreUpdatedAt int64 // Unix microseconds
	LastTradeAt    int64 // Unix microseconds

	state State
}

// NewInstrument lists a token on the curve with its initial reserves.
func NewInstrument(address, creator string, reserves curve.Reserves, now int64) *Instrument {
	return &Instrument{
		Address:        address,
		Creator:        creator,
		CreatedAt:      now,
		Reserves:       reserves,
		Active:         true,
		ScoreUpdatedAt: now,
		LastTradeAt:    now,
		state:          StateDormant,
	}
}

// State returns the current lifecycle state without reclassifying.
func (i *Instrument) State() State {
	return i.state
}

// RecordSale accumulates sold tokens after a curve buy. SoldTokens never
// decreases: curve sells return tokens to the reserve but do not un-sell
// the cumulative counter that drives graduation.
func (i *Instrument) RecordSale(qty int64) {
	if qty > 0 {
		i.SoldTokens += qty
	}
}
