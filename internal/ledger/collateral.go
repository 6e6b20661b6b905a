package ledger

import (
	"fmt"
)

// AccountKind partitions collateral balances.
type AccountKind int32

const (
	KindExternal  AccountKind = iota // Off-engine source/sink (chain deposits)
	KindFree                         // Trader collateral available to lock
	KindMargin                       // Trader collateral locked behind positions
	KindPool                         // Variation/funding settlement pool
	KindInsurance                    // Insurance fund
	KindFees                         // Fee sink
)

func (k AccountKind) String() string {
	switch k {
	case KindExternal:
		return "external"
	case KindFree:
		return "free"
	case KindMargin:
		return "margin"
	case KindPool:
		return "pool"
	case KindInsurance:
		return "insurance"
	case KindFees:
		return "fees"
	default:
		return "unknown"
	}
}

// AccountKey identifies one balance. Owner is a trader address for Free and
// Margin accounts and "system" otherwise.
type AccountKey struct {
	Owner string
	Kind  AccountKind
}

func FreeAccount(trader string) AccountKey   { return AccountKey{Owner: trader, Kind: KindFree} }
func MarginAccount(trader string) AccountKey { return AccountKey{Owner: trader, Kind: KindMargin} }

var (
	ExternalAccount  = AccountKey{Owner: "system", Kind: KindExternal}
	PoolAccount      = AccountKey{Owner: "system", Kind: KindPool}
	InsuranceAccount = AccountKey{Owner: "system", Kind: KindInsurance}
	FeesAccount      = AccountKey{Owner: "system", Kind: KindFees}
)

// AccountPath returns the stable string form used for persistence.
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("%s:%s", k.Owner, k.Kind)
}

// Transfer is one double-entry collateral movement. Every collateral
// mutation in the engine is expressed as a Transfer, so the sum of all
// balances is invariantly zero.
type Transfer struct {
	From      AccountKey
	To        AccountKey
	Amount    int64 // Quote scale, always positive
	Ref       string
	Timestamp int64 // Unix microseconds
}

// CollateralBook tracks balances by account. Not thread-safe; each
// instrument lane serializes its mutations, and cross-instrument trader
// balances are guarded by the owning Ledger.
type CollateralBook struct {
	balances  map[AccountKey]int64
	transfers []Transfer // Recent transfers pending persistence drain
}

func NewCollateralBook() *CollateralBook {
	return &CollateralBook{
		balances: make(map[AccountKey]int64),
	}
}

// Balance returns an account's balance (zero for unknown accounts).
func (cb *CollateralBook) Balance(key AccountKey) int64 {
	return cb.balances[key]
}

// Apply executes a transfer. Trader accounts must not go negative; the
// external and pool accounts may (the external account mirrors everything
// held on-engine, the pool is transient within a settlement).
func (cb *CollateralBook) Apply(t Transfer) error {
	if t.Amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", t.Amount)
	}

	from := cb.balances[t.From] - t.Amount
	if from < 0 && t.From.Kind != KindExternal && t.From.Kind != KindPool {
		return fmt.Errorf("transfer would overdraw %s: balance %d, amount %d",
			t.From.AccountPath(), cb.balances[t.From], t.Amount)
	}

	cb.balances[t.From] = from
	cb.balances[t.To] += t.Amount
	cb.transfers = append(cb.transfers, t)
	return nil
}

// DrainTransfers returns and clears the transfers accumulated since the
// last drain. The persistence worker consumes these.
func (cb *CollateralBook) DrainTransfers() []Transfer {
	out := cb.transfers
	cb.transfers = nil
	return out
}

// CheckZeroSum verifies the global double-entry invariant.
func (cb *CollateralBook) CheckZeroSum() error {
	var total int64
	for _, bal := range cb.balances {
		total += bal
	}
	if total != 0 {
		return fmt.Errorf("global balance non-zero: %d", total)
	}
	return nil
}

// Snapshot copies all balances for persistence.
func (cb *CollateralBook) Snapshot() map[AccountKey]int64 {
	out := make(map[AccountKey]int64, len(cb.balances))
	for k, v := range cb.balances {
		out[k] = v
	}
	return out
}
