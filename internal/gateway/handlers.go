package gateway

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"curvex/internal/auth"
	"curvex/internal/curve"
	"curvex/internal/marketdata"
	fpmath "curvex/internal/math"
	"curvex/internal/reject"
	"curvex/internal/stream"
	"curvex/internal/wire"
)

type submitRequest struct {
	Trader     string `json:"trader" binding:"required"`
	Instrument string `json:"instrument" binding:"required"`
	Side       string `json:"side" binding:"required"` // long | short
	Size       string `json:"size" binding:"required"` // decimal tokens
	Leverage   int64  `json:"leverage" binding:"required"`
	Price      string `json:"price"`      // decimal; market orders fall back to the engine drift cap
	OrderType  string `json:"order_type"` // market (default) | limit
	Deadline   int64  `json:"deadline" binding:"required"`
	Nonce      uint64 `json:"nonce"`
	Signature  string `json:"signature" binding:"required"` // 0x-prefixed 65 bytes
}

func (s *Server) submitOrder(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	so, err := req.toSignedOrder()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := s.eng.SubmitSigned(c.Request.Context(), so)
	if err != nil {
		rejectResponse(c, err)
		return
	}

	fills := make([]stream.FillMessage, 0, len(res.Fills))
	for _, f := range res.Fills {
		fills = append(fills, stream.FillMessageOf(f))
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": res.OrderID,
		"resting":  res.Resting,
		"fills":    fills,
	})
}

func (r *submitRequest) toSignedOrder() (*auth.SignedOrder, error) {
	size, err := wire.ParseDecimal(r.Size, fpmath.QuantityConfig)
	if err != nil {
		return nil, reject.New(reject.CodeBadRequest, "size: %v", err)
	}

	var price int64
	if r.Price != "" {
		price, err = wire.ParseDecimal(r.Price, fpmath.PriceConfig)
		if err != nil {
			return nil, reject.New(reject.CodeBadRequest, "price: %v", err)
		}
	}

	var side uint8
	switch strings.ToLower(r.Side) {
	case "long", "buy":
		side = 1
	case "short", "sell":
		side = 2
	default:
		return nil, reject.New(reject.CodeBadRequest, "side must be long or short")
	}

	var typ uint8
	switch strings.ToLower(r.OrderType) {
	case "", "market":
		typ = 0
	case "limit":
		typ = 1
	default:
		return nil, reject.New(reject.CodeBadRequest, "order_type must be market or limit")
	}

	sig, err := hexutil.Decode(r.Signature)
	if err != nil {
		return nil, reject.New(reject.CodeBadRequest, "signature: %v", err)
	}

	return &auth.SignedOrder{
		Trader:     common.HexToAddress(r.Trader),
		Instrument: common.HexToAddress(r.Instrument),
		Side:       side,
		Size:       wire.FormatScaled18(size, fpmath.QuantityConfig),
		Leverage:   big.NewInt(r.Leverage),
		Price:      wire.FormatScaled18(price, fpmath.PriceConfig),
		OrderType:  typ,
		Deadline:   big.NewInt(r.Deadline),
		Nonce:      new(big.Int).SetUint64(r.Nonce),
		Signature:  sig,
	}, nil
}

type cancelRequest struct {
	Trader     string `json:"trader" binding:"required"`
	Instrument string `json:"instrument" binding:"required"`
	OrderID    string `json:"order_id" binding:"required"`
}

func (s *Server) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := s.eng.Cancel(c.Request.Context(), req.Instrument, strings.ToLower(req.Trader), req.OrderID); err != nil {
		rejectResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": req.OrderID})
}

type launchRequest struct {
	Instrument   string `json:"instrument" binding:"required"`
	Creator      string `json:"creator" binding:"required"`
	EthReserve   string `json:"eth_reserve" binding:"required"`
	TokenReserve string `json:"token_reserve" binding:"required"`
}

func (s *Server) launchInstrument(c *gin.Context) {
	var req launchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	eth, err := wire.ParseDecimal(req.EthReserve, fpmath.QuoteConfig)
	if err != nil {
		badRequest(c, "eth_reserve: "+err.Error())
		return
	}
	tokens, err := wire.ParseDecimal(req.TokenReserve, fpmath.QuantityConfig)
	if err != nil {
		badRequest(c, "token_reserve: "+err.Error())
		return
	}

	inst, err := s.eng.Launch(req.Instrument, req.Creator, curve.Reserves{
		EthReserve:   eth,
		TokenReserve: tokens,
	})
	if err != nil {
		rejectResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": inst.Address, "state": inst.State().String()})
}

func (s *Server) listInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": s.eng.Instruments()})
}

func (s *Server) instrumentParams(c *gin.Context) {
	instrument := strings.ToLower(c.Param("instrument"))
	view, err := s.eng.View(c.Request.Context(), instrument)
	if err != nil {
		rejectResponse(c, err)
		return
	}
	oi := s.eng.Ledger().OpenInterest(instrument)
	c.JSON(http.StatusOK, instrumentParams(view, oi))
}

func (s *Server) traderNonce(c *gin.Context) {
	trader := strings.ToLower(c.Param("trader"))
	c.JSON(http.StatusOK, gin.H{
		"trader": trader,
		"nonce":  s.eng.Guard().ExpectedNonce(trader),
	})
}

func (s *Server) traderBalance(c *gin.Context) {
	trader := strings.ToLower(c.Param("trader"))
	free := s.eng.Ledger().FreeCollateral(trader)
	c.JSON(http.StatusOK, gin.H{
		"trader": trader,
		"free":   wire.FormatDecimal(free, fpmath.QuoteConfig),
	})
}

func (s *Server) traderPositions(c *gin.Context) {
	trader := strings.ToLower(c.Param("trader"))
	positions := s.eng.Ledger().PositionsOf(trader)

	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionViewOf(p))
	}
	c.JSON(http.StatusOK, gin.H{"trader": trader, "positions": views})
}

func (s *Server) kline(c *gin.Context) {
	if s.agg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "Unavailable", "message": "marketdata disabled"})
		return
	}
	instrument := strings.ToLower(c.Param("instrument"))

	interval := marketdata.Interval(queryInt(c, "interval", int64(marketdata.Interval1m)))
	valid := false
	for _, iv := range marketdata.Intervals {
		if iv == interval {
			valid = true
			break
		}
	}
	if !valid {
		badRequest(c, "unsupported interval")
		return
	}
	limit := int(queryInt(c, "limit", 100))

	candles := s.agg.Candles(instrument, interval, limit)
	views := make([]candleView, 0, len(candles))
	for _, cd := range candles {
		views = append(views, candleViewOf(cd))
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument": instrument,
		"interval":   int64(interval),
		"candles":    views,
	})
}

func (s *Server) stats(c *gin.Context) {
	if s.agg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "Unavailable", "message": "marketdata disabled"})
		return
	}
	instrument := strings.ToLower(c.Param("instrument"))
	st := s.agg.Stats(instrument, s.clock())
	oi := s.eng.Ledger().OpenInterest(instrument)
	c.JSON(http.StatusOK, statsViewOf(st, oi))
}

func (s *Server) heatmap(c *gin.Context) {
	if s.agg == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "Unavailable", "message": "marketdata disabled"})
		return
	}
	instrument := strings.ToLower(c.Param("instrument"))
	rangeSeconds := queryInt(c, "timeRange", 3600)
	if rangeSeconds <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BadRequest", "message": "timeRange must be positive"})
		return
	}
	h := s.agg.HeatmapFor(instrument, s.clock(), rangeSeconds*1_000_000)
	c.JSON(http.StatusOK, heatmapViewOf(h))
}

func (s *Server) fundingInfo(c *gin.Context) {
	instrument := strings.ToLower(c.Param("instrument"))
	view, err := s.eng.View(c.Request.Context(), instrument)
	if err != nil {
		rejectResponse(c, err)
		return
	}

	resp := gin.H{
		"instrument":  instrument,
		"next_due_at": view.NextFunding,
	}
	if s.funding != nil {
		limit := int(queryInt(c, "limit", 50))
		records, err := s.funding.FundingHistory(c.Request.Context(), instrument, limit)
		if err != nil {
			s.logger.Error().Err(err).Str("instrument", instrument).Msg("funding history query failed")
		} else {
			views := make([]fundingRecordView, 0, len(records))
			for _, r := range records {
				views = append(views, fundingRecordViewOf(r))
			}
			resp["records"] = views
		}
	}
	c.JSON(http.StatusOK, resp)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams outbound envelopes. ?instrument= filters to one or
// more instruments (repeatable); no filter means everything.
func (s *Server) websocket(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "Unavailable", "message": "streaming disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	var instruments []string
	for _, inst := range c.QueryArray("instrument") {
		instruments = append(instruments, strings.ToLower(inst))
	}
	sub := s.hub.Subscribe(instruments...)
	defer s.hub.Unsubscribe(sub)

	// Read pump exists only to notice the peer closing.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unsubscribe(sub)
				return
			}
		}
	}()

	for msg := range sub.C {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func queryInt(c *gin.Context, key string, def int64) int64 {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": string(reject.CodeBadRequest), "message": msg})
}

// rejectResponse maps a rejection code to an HTTP status with a stable
// machine-readable body.
func rejectResponse(c *gin.Context, err error) {
	code := reject.CodeOf(err)
	status := http.StatusBadRequest
	switch code {
	case reject.CodeInvalidSignature:
		status = http.StatusUnauthorized
	case reject.CodeNonceReplay:
		status = http.StatusConflict
	case reject.CodeTradingDisabled:
		status = http.StatusForbidden
	case "":
		status = http.StatusInternalServerError
		code = "Internal"
	}

	msg := err.Error()
	if rej, ok := err.(*reject.Error); ok {
		msg = rej.Message
	}
	c.JSON(status, gin.H{"code": string(code), "message": msg})
}
