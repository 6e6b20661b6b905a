package gateway

import (
	"curvex/internal/engine"
	"curvex/internal/event"
	"curvex/internal/ledger"
	"curvex/internal/marketdata"
	fpmath "curvex/internal/math"
	"curvex/internal/wire"
)

// JSON views. Every numeric that carries a scale is rendered as a decimal
// string; bare counts and timestamps stay integers.

type instrumentParamsView struct {
	Instrument     string `json:"instrument"`
	State          string `json:"state"`
	MaxLeverage    int64  `json:"max_leverage"`
	MinMargin      string `json:"min_margin"`
	MakerFeeBps    int64  `json:"maker_fee_bps"`
	TakerFeeBps    int64  `json:"taker_fee_bps"`
	MaintenanceBps int64  `json:"maintenance_bps"`
	TradingEnabled bool   `json:"trading_enabled"`
	Mark           string `json:"mark_price"`
	Spot           string `json:"spot_price"`
	SoldTokens     string `json:"sold_tokens"`
	EthReserve     string `json:"eth_reserve"`
	TokenReserve   string `json:"token_reserve"`
	Graduated      bool   `json:"graduated"`
	BookDepth      int    `json:"book_depth"`
	OpenInterest   string `json:"open_interest"`
	NextFundingAt  int64  `json:"next_funding_at"`
}

func instrumentParams(v engine.InstrumentView, openInterest int64) instrumentParamsView {
	return instrumentParamsView{
		Instrument:     v.Address,
		State:          v.State.String(),
		MaxLeverage:    v.Tier.MaxLeverage,
		MinMargin:      wire.FormatDecimal(v.Tier.MinMargin, fpmath.QuoteConfig),
		MakerFeeBps:    v.Tier.MakerFeeBps,
		TakerFeeBps:    v.Tier.TakerFeeBps,
		MaintenanceBps: v.Tier.MaintenanceBps,
		TradingEnabled: v.Tier.TradingEnabled,
		Mark:           wire.FormatDecimal(v.Mark, fpmath.PriceConfig),
		Spot:           wire.FormatDecimal(v.Spot, fpmath.PriceConfig),
		SoldTokens:     wire.FormatDecimal(v.SoldTokens, fpmath.QuantityConfig),
		EthReserve:     wire.FormatDecimal(v.Reserves.EthReserve, fpmath.QuoteConfig),
		TokenReserve:   wire.FormatDecimal(v.Reserves.TokenReserve, fpmath.QuantityConfig),
		Graduated:      v.Graduated,
		BookDepth:      v.BookDepth,
		OpenInterest:   wire.FormatDecimal(openInterest, fpmath.QuantityConfig),
		NextFundingAt:  v.NextFunding,
	}
}

type positionView struct {
	Instrument       string `json:"instrument"`
	Side             string `json:"side"`
	Size             string `json:"size"`
	EntryPrice       string `json:"entry_price"`
	Collateral       string `json:"collateral"`
	Leverage         int64  `json:"leverage"`
	LiquidationPrice string `json:"liquidation_price"`
	FundingPaid      string `json:"funding_paid"`
	RealizedPnL      string `json:"realized_pnl"`
	OpenedAt         int64  `json:"opened_at"`
}

func positionViewOf(p *ledger.Position) positionView {
	return positionView{
		Instrument:       p.Instrument,
		Side:             p.Side.String(),
		Size:             wire.FormatDecimal(p.Size, fpmath.QuantityConfig),
		EntryPrice:       wire.FormatDecimal(p.EntryPrice, fpmath.PriceConfig),
		Collateral:       wire.FormatDecimal(p.Collateral, fpmath.QuoteConfig),
		Leverage:         p.Leverage,
		LiquidationPrice: wire.FormatDecimal(p.LiquidationPrice(), fpmath.PriceConfig),
		FundingPaid:      wire.FormatDecimal(p.FundingPaid, fpmath.QuoteConfig),
		RealizedPnL:      wire.FormatDecimal(p.RealizedPnL, fpmath.QuoteConfig),
		OpenedAt:         p.OpenedAt,
	}
}

type candleView struct {
	OpenTime    int64  `json:"open_time"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quote_volume"`
	Trades      int64  `json:"trades"`
	Sealed      bool   `json:"sealed"`
}

func candleViewOf(c marketdata.Candle) candleView {
	return candleView{
		OpenTime:    c.OpenTime,
		Open:        wire.FormatDecimal(c.Open, fpmath.PriceConfig),
		High:        wire.FormatDecimal(c.High, fpmath.PriceConfig),
		Low:         wire.FormatDecimal(c.Low, fpmath.PriceConfig),
		Close:       wire.FormatDecimal(c.Close, fpmath.PriceConfig),
		Volume:      wire.FormatDecimal(c.Volume, fpmath.QuantityConfig),
		QuoteVolume: wire.FormatDecimal(c.QuoteVolume, fpmath.QuoteConfig),
		Trades:      c.Trades,
		Sealed:      c.Sealed,
	}
}

type statsView struct {
	Instrument   string `json:"instrument"`
	LastPrice    string `json:"last_price"`
	OpenPrice    string `json:"open_price_24h"`
	High         string `json:"high_24h"`
	Low          string `json:"low_24h"`
	Volume       string `json:"volume_24h"`
	QuoteVolume  string `json:"quote_volume_24h"`
	Trades       int64  `json:"trades_24h"`
	OpenInterest string `json:"open_interest"`
}

func statsViewOf(st marketdata.Stats24h, openInterest int64) statsView {
	return statsView{
		Instrument:   st.Instrument,
		LastPrice:    wire.FormatDecimal(st.LastPrice, fpmath.PriceConfig),
		OpenPrice:    wire.FormatDecimal(st.OpenPrice, fpmath.PriceConfig),
		High:         wire.FormatDecimal(st.High, fpmath.PriceConfig),
		Low:          wire.FormatDecimal(st.Low, fpmath.PriceConfig),
		Volume:       wire.FormatDecimal(st.Volume, fpmath.QuantityConfig),
		QuoteVolume:  wire.FormatDecimal(st.QuoteVolume, fpmath.QuoteConfig),
		Trades:       st.Trades,
		OpenInterest: wire.FormatDecimal(openInterest, fpmath.QuantityConfig),
	}
}

type heatmapCellView struct {
	LongSize  string `json:"long_size"`
	ShortSize string `json:"short_size"`
	Accounts  int    `json:"accounts"`
}

type heatmapSlotView struct {
	Time  int64             `json:"time"`
	Cells []heatmapCellView `json:"cells"`
}

type heatmapView struct {
	Instrument  string            `json:"instrument"`
	MinPrice    string            `json:"min_price"`
	BucketWidth string            `json:"bucket_width"`
	SlotMicros  int64             `json:"slot_micros"`
	Slots       []heatmapSlotView `json:"slots"`
	UpdatedAt   int64             `json:"updated_at"`
}

func heatmapViewOf(h *marketdata.Heatmap) heatmapView {
	view := heatmapView{
		Instrument:  h.Instrument,
		MinPrice:    wire.FormatDecimal(h.MinPrice, fpmath.PriceConfig),
		BucketWidth: wire.FormatDecimal(h.BucketWidth, fpmath.PriceConfig),
		SlotMicros:  h.SlotMicros,
		Slots:       make([]heatmapSlotView, len(h.Slots)),
		UpdatedAt:   h.UpdatedAt,
	}
	for i, slot := range h.Slots {
		sv := heatmapSlotView{Time: slot.Time, Cells: make([]heatmapCellView, len(slot.Cells))}
		for j, cell := range slot.Cells {
			sv.Cells[j] = heatmapCellView{
				LongSize:  wire.FormatDecimal(cell.LongSize, fpmath.QuantityConfig),
				ShortSize: wire.FormatDecimal(cell.ShortSize, fpmath.QuantityConfig),
				Accounts:  cell.Accounts,
			}
		}
		view.Slots[i] = sv
	}
	return view
}

type fundingRecordView struct {
	Rate      string `json:"rate"`
	Interval  int64  `json:"interval_seconds"`
	Epoch     int64  `json:"epoch"`
	AppliedAt int64  `json:"applied_at"`
}

func fundingRecordViewOf(r event.FundingRecord) fundingRecordView {
	return fundingRecordView{
		Rate:      wire.FormatDecimal(r.Rate, fpmath.RateConfig),
		Interval:  r.Interval,
		Epoch:     r.Epoch,
		AppliedAt: r.AppliedAt,
	}
}
