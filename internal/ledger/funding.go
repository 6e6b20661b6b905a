package ledger

import (
	"fmt"

	fpmath "curvex/internal/math"
)

// ApplyFunding settles one funding epoch against the ledger. Payers move
// quote into the pool account, receivers draw from it, and the rounding
// residual is swept to the insurance fund so the pool returns to zero.
//
// A payment is drawn from free collateral first and from position margin
// only when free is exhausted, mirroring how losses settle.
func (l *Ledger) ApplyFunding(s *fpmath.FundingSettlement, ts int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ref := fmt.Sprintf("funding:%s:%d", s.Instrument, s.Epoch)

	for _, p := range s.Payments {
		if err := l.settleFundingPayment(s.Instrument, p, ref, ts); err != nil {
			return fmt.Errorf("funding epoch %d trader %s: %w", s.Epoch, p.Trader, err)
		}
	}

	if s.Residual > 0 {
		if err := l.book.Apply(Transfer{
			From: PoolAccount, To: InsuranceAccount,
			Amount: s.Residual, Ref: ref, Timestamp: ts,
		}); err != nil {
			return err
		}
	} else if s.Residual < 0 {
		if err := l.book.Apply(Transfer{
			From: InsuranceAccount, To: PoolAccount,
			Amount: -s.Residual, Ref: ref, Timestamp: ts,
		}); err != nil {
			return err
		}
	}

	if bal := l.book.Balance(PoolAccount); bal != 0 {
		return fmt.Errorf("funding pool not flat after epoch %d: %d", s.Epoch, bal)
	}
	return nil
}

func (l *Ledger) settleFundingPayment(instrument string, p fpmath.TraderPayment, ref string, ts int64) error {
	pos := l.positions[PositionKey{Trader: p.Trader, Instrument: instrument}]

	if p.Payment < 0 {
		// Receiver: pool pays into free collateral.
		if err := l.book.Apply(Transfer{
			From: PoolAccount, To: FreeAccount(p.Trader),
			Amount: -p.Payment, Ref: ref, Timestamp: ts,
		}); err != nil {
			return err
		}
		if pos != nil {
			pos.FundingPaid += p.Payment
		}
		return nil
	}

	owed := p.Payment
	free := l.book.Balance(FreeAccount(p.Trader))
	fromFree := owed
	if fromFree > free {
		fromFree = free
	}
	if fromFree > 0 {
		if err := l.book.Apply(Transfer{
			From: FreeAccount(p.Trader), To: PoolAccount,
			Amount: fromFree, Ref: ref, Timestamp: ts,
		}); err != nil {
			return err
		}
	}

	if fromMargin := owed - fromFree; fromMargin > 0 {
		margin := l.book.Balance(MarginAccount(p.Trader))
		if fromMargin > margin {
			fromMargin = margin
		}
		if fromMargin > 0 {
			if err := l.book.Apply(Transfer{
				From: MarginAccount(p.Trader), To: PoolAccount,
				Amount: fromMargin, Ref: ref, Timestamp: ts,
			}); err != nil {
				return err
			}
			if pos != nil {
				pos.Collateral -= fromMargin
			}
		}
		if short := owed - fromFree - fromMargin; short > 0 {
			// Drained trader: insurance covers the counterparties.
			if err := l.book.Apply(Transfer{
				From: InsuranceAccount, To: PoolAccount,
				Amount: short, Ref: ref, Timestamp: ts,
			}); err != nil {
				return err
			}
			l.logger.Warn().Str("trader", p.Trader).Int64("short", short).
				Msg("funding payment exceeded trader balances")
		}
	}

	if pos != nil {
		pos.FundingPaid += p.Payment
	}
	return nil
}
