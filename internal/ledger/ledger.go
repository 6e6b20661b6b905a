package ledger

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"curvex/internal/event"
	fpmath "curvex/internal/math"
)

// PositionKey identifies a trader's position on an instrument. Fills net
// against the existing position, so a trader holds at most one of long or
// short per instrument at any time.
type PositionKey struct {
	Trader     string
	Instrument string
}

// FillApplication is the ledger-facing view of one side of a fill.
type FillApplication struct {
	Trader         string
	Instrument     string
	Side           event.Side // Direction of this trader's execution
	Qty            int64      // Quantity scale
	Price          int64      // Price scale
	Fee            int64      // Quote scale
	Leverage       int64
	MaintenanceBps int64
	Timestamp      int64 // Unix microseconds
	Ref            string
}

// PositionDelta describes what a fill did to the position.
type PositionDelta struct {
	RealizedPnL int64
	Opened      bool
	Closed      bool
	Position    *Position
}

// Ledger owns positions and is the sole mutator of collateral and size.
// A single mutex serializes mutations: per-instrument ordering is already
// guaranteed by the matching lanes, but trader free collateral spans
// instruments.
type Ledger struct {
	mu        sync.Mutex
	book      *CollateralBook
	positions map[PositionKey]*Position
	logger    zerolog.Logger
}

func New(logger zerolog.Logger) *Ledger {
	return &Ledger{
		book:      NewCollateralBook(),
		positions: make(map[PositionKey]*Position),
		logger:    logger,
	}
}

// Deposit credits collateral from the external account (chain watcher
// confirmed a deposit).
func (l *Ledger) Deposit(trader string, amount int64, ts int64, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.Apply(Transfer{
		From: ExternalAccount, To: FreeAccount(trader),
		Amount: amount, Ref: ref, Timestamp: ts,
	})
}

// Withdraw releases free collateral back to the external account.
func (l *Ledger) Withdraw(trader string, amount int64, ts int64, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.Apply(Transfer{
		From: FreeAccount(trader), To: ExternalAccount,
		Amount: amount, Ref: ref, Timestamp: ts,
	})
}

// FreeCollateral returns a trader's unlocked balance.
func (l *Ledger) FreeCollateral(trader string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.Balance(FreeAccount(trader))
}

// RequiredCollateral computes the margin a fill of qty at price needs.
func RequiredCollateral(qty, price, leverage int64) int64 {
	notional := fpmath.ComputeNotional(qty, price)
	return notional / leverage
}

// Position returns the trader's position or nil.
func (l *Ledger) Position(trader, instrument string) *Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positions[PositionKey{Trader: trader, Instrument: instrument}]
}

// PositionsFor returns all open positions on one instrument.
func (l *Ledger) PositionsFor(instrument string) []*Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Position
	for _, pos := range l.positions {
		if pos.Instrument == instrument && !pos.IsFlat() {
			out = append(out, pos)
		}
	}
	return out
}

// PositionsOf returns all of one trader's open positions.
func (l *Ledger) PositionsOf(trader string) []*Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Position
	for _, pos := range l.positions {
		if pos.Trader == trader && !pos.IsFlat() {
			out = append(out, pos)
		}
	}
	return out
}

// OpenInterest sums open position size for an instrument.
func (l *Ledger) OpenInterest(instrument string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var oi int64
	for _, pos := range l.positions {
		if pos.Instrument == instrument && !pos.IsFlat() {
			oi += pos.Size
		}
	}
	return oi
}

// DrainTransfers hands accumulated collateral movements to persistence.
func (l *Ledger) DrainTransfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.DrainTransfers()
}

// CheckZeroSum verifies the double-entry invariant.
func (l *Ledger) CheckZeroSum() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.CheckZeroSum()
}

// InsuranceBalance returns the insurance fund balance.
func (l *Ledger) InsuranceBalance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.book.Balance(InsuranceAccount)
}

// ApplyFill nets a fill against the trader's position. A fill in the
// position's direction opens or increases; an opposing fill reduces,
// closes, or flips (close + open the remainder).
func (l *Ledger) ApplyFill(app FillApplication) (*PositionDelta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := PositionKey{Trader: app.Trader, Instrument: app.Instrument}
	pos := l.positions[key]

	switch {
	case pos == nil || pos.IsFlat():
		return l.open(key, app, app.Qty)

	case pos.Side == app.Side:
		return l.increase(pos, app)

	case app.Qty <= pos.Size:
		return l.reduce(pos, app, app.Qty)

	default:
		// Flip: close the whole position, open the remainder opposite
		remainder := app.Qty - pos.Size
		closeDelta, err := l.reduce(pos, app, pos.Size)
		if err != nil {
			return nil, err
		}
		openApp := app
		openApp.Fee = 0 // fee settled on the closing leg
		openDelta, err := l.open(key, openApp, remainder)
		if err != nil {
			return nil, err
		}
		openDelta.RealizedPnL = closeDelta.RealizedPnL
		return openDelta, nil
	}
}

func (l *Ledger) open(key PositionKey, app FillApplication, qty int64) (*PositionDelta, error) {
	required := RequiredCollateral(qty, app.Price, app.Leverage)
	if required <= 0 {
		return nil, fmt.Errorf("position collateral must be positive (qty=%d price=%d)", qty, app.Price)
	}

	if err := l.book.Apply(Transfer{
		From: FreeAccount(app.Trader), To: MarginAccount(app.Trader),
		Amount: required, Ref: app.Ref, Timestamp: app.Timestamp,
	}); err != nil {
		return nil, err
	}
	if err := l.chargeFee(app.Trader, app.Fee, app.Ref, app.Timestamp); err != nil {
		return nil, err
	}

	pos := &Position{
		Trader:         app.Trader,
		Instrument:     app.Instrument,
		Side:           app.Side,
		Size:           qty,
		Collateral:     required,
		EntryPrice:     app.Price,
		Leverage:       app.Leverage,
		OpenedAt:       app.Timestamp,
		MaintenanceBps: app.MaintenanceBps,
	}
	l.positions[key] = pos

	return &PositionDelta{Opened: true, Position: pos}, nil
}

func (l *Ledger) increase(pos *Position, app FillApplication) (*PositionDelta, error) {
	required := RequiredCollateral(app.Qty, app.Price, pos.Leverage)

	if err := l.book.Apply(Transfer{
		From: FreeAccount(app.Trader), To: MarginAccount(app.Trader),
		Amount: required, Ref: app.Ref, Timestamp: app.Timestamp,
	}); err != nil {
		return nil, err
	}
	if err := l.chargeFee(app.Trader, app.Fee, app.Ref, app.Timestamp); err != nil {
		return nil, err
	}

	pos.EntryPrice = fpmath.ComputeAvgEntryPrice(pos.Size, pos.EntryPrice, app.Qty, app.Price)
	pos.Size += app.Qty
	pos.Collateral += required

	return &PositionDelta{Position: pos}, nil
}

// reduce realizes PnL on qty and releases proportional collateral.
func (l *Ledger) reduce(pos *Position, app FillApplication, qty int64) (*PositionDelta, error) {
	realized := fpmath.ComputeRealizedPnL(pos.Side.Sign(), app.Price, pos.EntryPrice, qty)
	release := fpmath.MulDiv(pos.Collateral, qty, pos.Size)

	// Release margin first so losses can settle out of it.
	if release > 0 {
		if err := l.book.Apply(Transfer{
			From: MarginAccount(pos.Trader), To: FreeAccount(pos.Trader),
			Amount: release, Ref: app.Ref, Timestamp: app.Timestamp,
		}); err != nil {
			return nil, err
		}
	}

	if realized > 0 {
		if err := l.book.Apply(Transfer{
			From: PoolAccount, To: FreeAccount(pos.Trader),
			Amount: realized, Ref: app.Ref, Timestamp: app.Timestamp,
		}); err != nil {
			return nil, err
		}
	} else if realized < 0 {
		loss := -realized
		free := l.book.Balance(FreeAccount(pos.Trader))
		covered := loss
		if covered > free {
			covered = free
		}
		if covered > 0 {
			if err := l.book.Apply(Transfer{
				From: FreeAccount(pos.Trader), To: PoolAccount,
				Amount: covered, Ref: app.Ref, Timestamp: app.Timestamp,
			}); err != nil {
				return nil, err
			}
		}
		if deficit := loss - covered; deficit > 0 {
			// Bankruptcy gap: the insurance fund makes the pool whole.
			if err := l.book.Apply(Transfer{
				From: InsuranceAccount, To: PoolAccount,
				Amount: deficit, Ref: app.Ref, Timestamp: app.Timestamp,
			}); err != nil {
				l.logger.Error().Str("trader", pos.Trader).Int64("deficit", deficit).
					Msg("insurance fund cannot cover bankruptcy deficit")
			}
		}
	}

	if err := l.chargeFee(pos.Trader, app.Fee, app.Ref, app.Timestamp); err != nil {
		return nil, err
	}

	pos.Size -= qty
	pos.Collateral -= release
	pos.RealizedPnL += realized

	delta := &PositionDelta{RealizedPnL: realized, Position: pos}
	if pos.Size == 0 {
		pos.Side = event.SideFlat
		pos.Collateral = 0
		delta.Closed = true
	}
	return delta, nil
}

// chargeFee moves a fee from the trader's free balance into the fee sink.
// A fee the free balance cannot cover is clamped; admission sizing makes
// this unreachable in practice.
func (l *Ledger) chargeFee(trader string, fee int64, ref string, ts int64) error {
	if fee <= 0 {
		return nil
	}
	free := l.book.Balance(FreeAccount(trader))
	if fee > free {
		fee = free
	}
	if fee <= 0 {
		return nil
	}
	return l.book.Apply(Transfer{
		From: FreeAccount(trader), To: FeesAccount,
		Amount: fee, Ref: ref, Timestamp: ts,
	})
}
