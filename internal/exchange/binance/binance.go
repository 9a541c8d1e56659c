// Package binance provides Binance USDT-margined futures connectivity
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"market_scanner/internal/config"
	"market_scanner/internal/core"
	apperrors "market_scanner/pkg/errors"
	"market_scanner/pkg/httpclient"
	ws "market_scanner/pkg/websocket"
)

const (
	defaultFuturesURL = "https://fapi.binance.com"
	defaultFuturesWS  = "wss://fstream.binance.com"
)

// Exchange implements core.IExchange against the futures REST and stream
// APIs. Public and signed calls share one rate limiter so the global request
// spacing holds across both.
type Exchange struct {
	cfg     *config.ExchangeConfig
	logger  core.ILogger
	public  *httpclient.Client
	private *httpclient.Client
	wsURL   string
}

// New creates the exchange facade. Without credentials the signed client
// still exists but every signed call will be rejected upstream, which is
// fine: observe-only mode never invokes them.
func New(cfg *config.ExchangeConfig, logger core.ILogger) *Exchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultFuturesURL
	}
	wsURL := cfg.WebsocketURL
	if wsURL == "" {
		wsURL = defaultFuturesWS
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	limiter := httpclient.NewLimiter(time.Duration(cfg.RequestIntervalMS) * time.Millisecond)

	var signer httpclient.Signer
	if cfg.APIKey.IsSet() && cfg.SecretKey.IsSet() {
		signer = newRequestSigner(cfg.APIKey.Reveal(), cfg.SecretKey.Reveal(), cfg.RecvWindowMS)
	}

	return &Exchange{
		cfg:     cfg,
		logger:  logger.WithField("component", "binance"),
		public:  httpclient.NewClient(baseURL, timeout, nil, limiter),
		private: httpclient.NewClient(baseURL, timeout, signer, limiter),
		wsURL:   strings.TrimRight(wsURL, "/"),
	}
}

func (e *Exchange) GetName() string {
	return "binance"
}

func (e *Exchange) CheckHealth(ctx context.Context) error {
	_, err := e.public.Get(ctx, "/fapi/v1/ping", nil)
	return e.mapError(err)
}

// LastSuccess reports the most recent successful REST call across the
// public and signed clients. The health manager alerts on its age.
func (e *Exchange) LastSuccess() time.Time {
	pub, priv := e.public.LastSuccess(), e.private.LastSuccess()
	if priv.After(pub) {
		return priv
	}
	return pub
}

// ListPerpetuals returns instrument metadata for every listed symbol. The
// caller filters by contract type, quote asset and status.
func (e *Exchange) ListPerpetuals(ctx context.Context) ([]core.SymbolInfo, error) {
	body, err := e.public.Get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, e.mapError(err)
	}

	var res struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			ContractType      string `json:"contractType"`
			QuoteAsset        string `json:"quoteAsset"`
			Status            string `json:"status"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}

	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("failed to parse exchange info: %w", err)
	}

	infos := make([]core.SymbolInfo, 0, len(res.Symbols))
	for _, s := range res.Symbols {
		info := core.SymbolInfo{
			Symbol:       s.Symbol,
			ContractType: s.ContractType,
			QuoteAsset:   s.QuoteAsset,
			Status:       s.Status,
			Filters: core.SymbolFilters{
				Symbol:            s.Symbol,
				PricePrecision:    s.PricePrecision,
				QuantityPrecision: s.QuantityPrecision,
			},
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				info.Filters.StepSize = f64(f.StepSize)
				info.Filters.MinQty = f64(f.MinQty)
			case "MIN_NOTIONAL":
				info.Filters.MinNotional = f64(f.MinNotional)
			}
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// QuoteVolumes24h returns the rolling 24h quote volume per symbol.
func (e *Exchange) QuoteVolumes24h(ctx context.Context) (map[string]float64, error) {
	body, err := e.public.Get(ctx, "/fapi/v1/ticker/24hr", nil)
	if err != nil {
		return nil, e.mapError(err)
	}

	var data []struct {
		Symbol      string `json:"symbol"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse 24h tickers: %w", err)
	}

	volumes := make(map[string]float64, len(data))
	for _, item := range data {
		volumes[item.Symbol] = f64(item.QuoteVolume)
	}
	return volumes, nil
}

// Klines fetches up to limit candles for the interval, oldest first.
func (e *Exchange) Klines(ctx context.Context, symbol, interval string, limit int) ([]core.Candle, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := e.public.Get(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, e.mapError(err)
	}
	return parseKlines(body)
}

func (e *Exchange) GetBookTicker(ctx context.Context, symbol string) (*core.BookTicker, error) {
	body, err := e.public.Get(ctx, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, e.mapError(err)
	}

	var data struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		BidQty   string `json:"bidQty"`
		AskPrice string `json:"askPrice"`
		AskQty   string `json:"askQty"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse book ticker: %w", err)
	}

	return &core.BookTicker{
		Symbol:   data.Symbol,
		BidPrice: f64(data.BidPrice),
		BidQty:   f64(data.BidQty),
		AskPrice: f64(data.AskPrice),
		AskQty:   f64(data.AskQty),
	}, nil
}

// GetDepth returns the order book ladders: bids descending, asks ascending.
func (e *Exchange) GetDepth(ctx context.Context, symbol string, limit int) (*core.DepthSnapshot, error) {
	params := map[string]string{"symbol": symbol}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := e.public.Get(ctx, "/fapi/v1/depth", params)
	if err != nil {
		return nil, e.mapError(err)
	}

	var data struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse depth: %w", err)
	}

	snapshot := &core.DepthSnapshot{
		Symbol: symbol,
		Bids:   parseDepthLevels(data.Bids),
		Asks:   parseDepthLevels(data.Asks),
	}
	return snapshot, nil
}

func parseDepthLevels(raw [][]string) []core.DepthLevel {
	levels := make([]core.DepthLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, qty := f64(pair[0]), f64(pair[1])
		if price <= 0 || qty < 0 {
			continue
		}
		levels = append(levels, core.DepthLevel{Price: price, Qty: qty})
	}
	return levels
}

func (e *Exchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := e.public.Get(ctx, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, e.mapError(err)
	}

	var data struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, fmt.Errorf("failed to parse ticker price: %w", err)
	}
	return f64(data.Price), nil
}

func (e *Exchange) GetBalances(ctx context.Context) ([]core.Balance, error) {
	body, err := e.private.Get(ctx, "/fapi/v2/balance", nil)
	if err != nil {
		return nil, e.mapError(err)
	}

	var data []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
		CrossUnPnl       string `json:"crossUnPnl"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse balances: %w", err)
	}

	balances := make([]core.Balance, 0, len(data))
	for _, b := range data {
		balances = append(balances, core.Balance{
			Asset:            b.Asset,
			Balance:          f64(b.Balance),
			AvailableBalance: f64(b.AvailableBalance),
			CrossUnrealized:  f64(b.CrossUnPnl),
		})
	}
	return balances, nil
}

func (e *Exchange) GetPositions(ctx context.Context) ([]core.PositionRisk, error) {
	body, err := e.private.Get(ctx, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, e.mapError(err)
	}

	var data []struct {
		Symbol           string `json:"symbol"`
		PositionSide     string `json:"positionSide"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}

	positions := make([]core.PositionRisk, 0, len(data))
	for _, p := range data {
		positions = append(positions, core.PositionRisk{
			Symbol:        p.Symbol,
			PositionSide:  p.PositionSide,
			PositionAmt:   f64(p.PositionAmt),
			EntryPrice:    f64(p.EntryPrice),
			MarkPrice:     f64(p.MarkPrice),
			UnrealizedPnl: f64(p.UnRealizedProfit),
			Leverage:      int(f64(p.Leverage)),
		})
	}
	return positions, nil
}

func (e *Exchange) SetDualSidePosition(ctx context.Context, enabled bool) error {
	_, err := e.private.Post(ctx, "/fapi/v1/positionSide/dual", map[string]string{
		"dualSidePosition": strconv.FormatBool(enabled),
	})
	return e.mapError(err)
}

func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := e.private.Post(ctx, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	})
	return e.mapError(err)
}

func (e *Exchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	_, err := e.private.Post(ctx, "/fapi/v1/marginType", map[string]string{
		"symbol":     symbol,
		"marginType": marginType,
	})
	return e.mapError(err)
}

// PlaceOrder submits a signed order. Quantity and stop price arrive
// pre-quantized so they hit the wire exactly as computed.
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	params := map[string]string{
		"symbol": req.Symbol,
		"side":   req.Side,
		"type":   req.Type,
	}
	if req.PositionSide != "" {
		params["positionSide"] = req.PositionSide
	}
	if req.Quantity != "" {
		params["quantity"] = req.Quantity
	}
	if req.StopPrice != "" {
		params["stopPrice"] = req.StopPrice
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = req.TimeInForce
	}
	if req.WorkingType != "" {
		params["workingType"] = req.WorkingType
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	body, err := e.private.Post(ctx, "/fapi/v1/order", params)
	if err != nil {
		return nil, e.mapError(err)
	}

	var raw struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		AvgPrice      string `json:"avgPrice"`
		ExecutedQty   string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	return &core.OrderResult{
		OrderID:       raw.OrderID,
		ClientOrderID: raw.ClientOrderID,
		Symbol:        raw.Symbol,
		Status:        raw.Status,
		AvgPrice:      f64(raw.AvgPrice),
		ExecutedQty:   f64(raw.ExecutedQty),
	}, nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	body, err := e.private.Get(ctx, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, e.mapError(err)
	}

	var data []struct {
		OrderID      int64  `json:"orderId"`
		Symbol       string `json:"symbol"`
		Type         string `json:"type"`
		Side         string `json:"side"`
		PositionSide string `json:"positionSide"`
		StopPrice    string `json:"stopPrice"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}

	orders := make([]core.OpenOrder, 0, len(data))
	for _, o := range data {
		orders = append(orders, core.OpenOrder{
			OrderID:      o.OrderID,
			Symbol:       o.Symbol,
			Type:         o.Type,
			Side:         o.Side,
			PositionSide: o.PositionSide,
			StopPrice:    f64(o.StopPrice),
		})
	}
	return orders, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := e.private.Delete(ctx, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	})
	return e.mapError(err)
}

func (e *Exchange) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := e.private.Delete(ctx, "/fapi/v1/allOpenOrders", map[string]string{
		"symbol": symbol,
	})
	return e.mapError(err)
}

// SubscribeMarkPrice attaches to the 1s mark-price stream for a symbol. The
// returned function stops the stream; cancelling ctx stops it too.
func (e *Exchange) SubscribeMarkPrice(ctx context.Context, symbol string, callback func(core.MarkPriceTick)) (func(), error) {
	streamURL := fmt.Sprintf("%s/ws/%s@markPrice@1s", e.wsURL, strings.ToLower(symbol))

	client := ws.NewClient(ws.Config{URL: streamURL, Name: "markprice"}, func(message []byte) {
		var event struct {
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			MarkPrice string `json:"p"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			e.logger.Error("Failed to unmarshal mark price event", "symbol", symbol, "error", err)
			return
		}

		price := f64(event.MarkPrice)
		if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return
		}
		callback(core.MarkPriceTick{
			Symbol: event.Symbol,
			Price:  price,
			Time:   time.UnixMilli(event.EventTime),
		})
	}, e.logger)

	client.Start()

	go func() {
		<-ctx.Done()
		client.Stop()
	}()

	return client.Stop, nil
}

// mapError translates HTTP failures into standard errors by decoding the
// exchange error payload.
func (e *Exchange) mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if jsonErr := json.Unmarshal(apiErr.Body, &payload); jsonErr != nil {
		return err
	}

	switch payload.Code {
	case -2015:
		return apperrors.ErrAuthenticationFailed
	case -2010, -2019:
		return apperrors.ErrInsufficientFunds
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2011:
		return apperrors.ErrOrderNotFound
	case -4046:
		return apperrors.ErrNoMarginTypeChange
	case -4059:
		return apperrors.ErrNoPositionSideChange
	}

	return fmt.Errorf("binance error %d: %s", payload.Code, payload.Msg)
}

// f64 parses an exchange decimal string. Empty or malformed values come back
// as 0, which downstream code treats as absent.
func f64(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
