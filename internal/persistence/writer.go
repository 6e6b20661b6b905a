package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"curvex/internal/event"
	"curvex/internal/ledger"
	"curvex/internal/marketdata"
)

// Store writes engine output to Postgres using multi-row INSERTs. All scaled
// numerics are stored as raw fixed-point BIGINTs; the wire codec owns
// presentation. Conflicting rows are skipped so a replayed batch after a
// crash-retry cannot duplicate history.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

type fillRow struct {
	FillID     string
	Instrument string
	Price      int64
	Size       int64
	TakerSide  int16
	Taker      string
	Maker      string
	Fee        int64
	MakerFee   int64
	Kind       int16
	Sequence   int64
	Timestamp  int64
}

func fillRowOf(f *event.Fill) fillRow {
	return fillRow{
		FillID:     f.FillID.String(),
		Instrument: f.Instrument,
		Price:      f.Price,
		Size:       f.Size,
		TakerSide:  int16(f.TakerSide),
		Taker:      f.Taker,
		Maker:      f.Maker,
		Fee:        f.Fee,
		MakerFee:   f.MakerFee,
		Kind:       int16(f.Kind),
		Sequence:   f.Sequence,
		Timestamp:  f.Timestamp,
	}
}

type fundingRow struct {
	Instrument string
	Epoch      int64
	Rate       int64
	Interval   int64
	AppliedAt  int64
	NextDueAt  int64
}

type liquidationRow struct {
	FillID     string
	Trader     string
	Instrument string
	Side       int16
	Size       int64
	Price      int64
	Forfeit    int64
	Timestamp  int64
}

type transferRow struct {
	FromAccount string
	ToAccount   string
	Amount      int64
	Ref         string
	Timestamp   int64
}

func transferRowOf(t ledger.Transfer) transferRow {
	return transferRow{
		FromAccount: t.From.AccountPath(),
		ToAccount:   t.To.AccountPath(),
		Amount:      t.Amount,
		Ref:         t.Ref,
		Timestamp:   t.Timestamp,
	}
}

type candleRow struct {
	Instrument  string
	Interval    int64
	OpenTime    int64
	Open        int64
	High        int64
	Low         int64
	Close       int64
	Volume      int64
	QuoteVolume int64
	Trades      int64
}

func candleRowOf(c *marketdata.Candle) candleRow {
	return candleRow{
		Instrument:  c.Instrument,
		Interval:    int64(c.Interval),
		OpenTime:    c.OpenTime,
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		QuoteVolume: c.QuoteVolume,
		Trades:      c.Trades,
	}
}

// multiRowValues builds the "($1,$2,...),..." clause for n rows of width cols.
func multiRowValues(n, cols int) string {
	values := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", i*cols+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
	}
	return strings.Join(values, ", ")
}

func (s *Store) writeFills(ctx context.Context, tx *sql.Tx, rows []fillRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 12
	query := `INSERT INTO fills
		(fill_id, instrument, price, size, taker_side, taker, maker, fee, maker_fee, kind, sequence, ts)
		VALUES ` + multiRowValues(len(rows), cols) + ` ON CONFLICT (fill_id) DO NOTHING`

	args := make([]any, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args, r.FillID, r.Instrument, r.Price, r.Size, r.TakerSide,
			r.Taker, r.Maker, r.Fee, r.MakerFee, r.Kind, r.Sequence, r.Timestamp)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) writeFunding(ctx context.Context, tx *sql.Tx, rows []fundingRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 6
	query := `INSERT INTO funding_records
		(instrument, epoch, rate, interval_seconds, applied_at, next_due_at)
		VALUES ` + multiRowValues(len(rows), cols) + ` ON CONFLICT (instrument, epoch) DO NOTHING`

	args := make([]any, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args, r.Instrument, r.Epoch, r.Rate, r.Interval, r.AppliedAt, r.NextDueAt)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) writeLiquidations(ctx context.Context, tx *sql.Tx, rows []liquidationRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 8
	query := `INSERT INTO liquidations
		(fill_id, trader, instrument, side, size, price, forfeit, ts)
		VALUES ` + multiRowValues(len(rows), cols) + ` ON CONFLICT (fill_id) DO NOTHING`

	args := make([]any, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args, r.FillID, r.Trader, r.Instrument, r.Side, r.Size, r.Price, r.Forfeit, r.Timestamp)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) writeTransfers(ctx context.Context, tx *sql.Tx, rows []transferRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 5
	query := `INSERT INTO collateral_transfers
		(from_account, to_account, amount, ref, ts)
		VALUES ` + multiRowValues(len(rows), cols)

	args := make([]any, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args, r.FromAccount, r.ToAccount, r.Amount, r.Ref, r.Timestamp)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) writeCandles(ctx context.Context, tx *sql.Tx, rows []candleRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 10
	query := `INSERT INTO candles
		(instrument, interval_seconds, open_time, open, high, low, close, volume, quote_volume, trades)
		VALUES ` + multiRowValues(len(rows), cols) + `
		ON CONFLICT (instrument, interval_seconds, open_time) DO UPDATE SET
		high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
		volume = EXCLUDED.volume, quote_volume = EXCLUDED.quote_volume, trades = EXCLUDED.trades`

	args := make([]any, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args, r.Instrument, r.Interval, r.OpenTime, r.Open, r.High,
			r.Low, r.Close, r.Volume, r.QuoteVolume, r.Trades)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) writeNonces(ctx context.Context, tx *sql.Tx, nonces map[string]uint64) error {
	if len(nonces) == 0 {
		return nil
	}
	const cols = 2
	query := `INSERT INTO trader_nonces (trader, expected)
		VALUES ` + multiRowValues(len(nonces), cols) + `
		ON CONFLICT (trader) DO UPDATE SET expected = EXCLUDED.expected, updated_at = NOW()
		WHERE trader_nonces.expected < EXCLUDED.expected`

	args := make([]any, 0, len(nonces)*cols)
	for trader, expected := range nonces {
		args = append(args, trader, int64(expected))
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// FundingHistory returns settled funding epochs for an instrument, most
// recent first.
func (s *Store) FundingHistory(ctx context.Context, instrument string, limit int) ([]event.FundingRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument, epoch, rate, interval_seconds, applied_at, next_due_at
		FROM funding_records WHERE instrument = $1
		ORDER BY epoch DESC LIMIT $2`, instrument, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []event.FundingRecord
	for rows.Next() {
		var r event.FundingRecord
		if err := rows.Scan(&r.Instrument, &r.Epoch, &r.Rate, &r.Interval, &r.AppliedAt, &r.NextDueAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LoadNonces returns the persisted expected nonce per trader for cold-start
// replay protection.
func (s *Store) LoadNonces(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trader, expected FROM trader_nonces`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nonces := make(map[string]uint64)
	for rows.Next() {
		var trader string
		var expected int64
		if err := rows.Scan(&trader, &expected); err != nil {
			return nil, err
		}
		nonces[trader] = uint64(expected)
	}
	return nonces, rows.Err()
}
