package core

import (
	"time"
)

// Timeframe is one of the configured evaluation windows over the 1m candle buffer.
type Timeframe struct {
	Minutes int
	Label   string
}

// DefaultTimeframes are the windows every scan cycle evaluates, shortest first.
var DefaultTimeframes = []Timeframe{
	{Minutes: 10, Label: "10m"},
	{Minutes: 30, Label: "30m"},
	{Minutes: 60, Label: "1h"},
	{Minutes: 120, Label: "2h"},
}

// TimeframeByLabel resolves a timeframe label like "1h". ok is false for
// anything outside the configured set.
func TimeframeByLabel(label string) (Timeframe, bool) {
	for _, tf := range DefaultTimeframes {
		if tf.Label == label {
			return tf, true
		}
	}
	return Timeframe{}, false
}

// Order flow labels derived from the taker-buy ratio.
const (
	FlowBuyStrong  = "buy-strong"
	FlowSellStrong = "sell-strong"
	FlowBalanced   = "balanced"
)

// Direction of a managed position. Matches the exchange positionSide values
// used in dual-side mode.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// Order constants as the exchange spells them.
const (
	SideBuy             = "BUY"
	SideSell            = "SELL"
	OrderTypeMarket     = "MARKET"
	OrderTypeStopMarket = "STOP_MARKET"
	TimeInForceGTC      = "GTC"
	WorkingTypeContract = "CONTRACT_PRICE"
	MarginTypeCrossed   = "CROSSED"
)

// Candle is one 1-minute bucket. Sequences are ordered by strictly increasing
// OpenTime; rows with non-finite fields are dropped upstream, never zero-filled.
type Candle struct {
	OpenTime            int64   `json:"openTime"`
	Open                float64 `json:"open"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	Close               float64 `json:"close"`
	Volume              float64 `json:"volume"`
	CloseTime           int64   `json:"closeTime"`
	QuoteVolume         float64 `json:"quoteVolume"`
	TakerBuyQuoteVolume float64 `json:"takerBuyQuoteVolume"`
}

// TimeframeMetric carries everything computed for one (symbol, timeframe) pair.
// NetChange is fractional; ChangePercent is the same value scaled to percent
// for output. Score fields are normalized to [0,1].
type TimeframeMetric struct {
	Symbol    string     `json:"symbol"`
	Timeframe string     `json:"timeframe"`
	Minutes   int        `json:"minutes"`
	Window    TimeWindow `json:"window"`

	NetChange        float64 `json:"netChange"`
	ChangePercent    float64 `json:"changePercent"`
	Efficiency       float64 `json:"efficiency"`
	Chop             float64 `json:"chop"`
	MomentumAtr      float64 `json:"momentumAtr"`
	SmallMoveGate    float64 `json:"smallMoveGate"`
	AtrValue         float64 `json:"atrValue"`
	AtrPct           float64 `json:"atrPct"`
	TotalQuoteVolume float64 `json:"totalQuoteVolume"`

	HasFlow           bool    `json:"hasFlow"`
	FlowRatio         float64 `json:"flowRatio"`
	FlowLabel         string  `json:"flowLabel,omitempty"`
	FlowImmediateBase float64 `json:"flowImmediateBase"`
	FlowPersistence   float64 `json:"flowPersistence"`

	// Cross-symbol fields filled in by the score fuser.
	Align            float64 `json:"align"`
	MTFConsistency   float64 `json:"mtfConsistency"`
	VolumeBoost      float64 `json:"volumeBoost"`
	ActiveFlow       float64 `json:"activeFlow"`
	LiquidityPenalty float64 `json:"liquidityPenalty"`
	CoreScore        float64 `json:"coreScore"`
	ConfirmScore     float64 `json:"confirmScore"`
	FinalScore       float64 `json:"finalScore"`

	LatestClose  float64 `json:"latestClose"`
	HighestClose float64 `json:"highestClose"`
	LowestClose  float64 `json:"lowestClose"`

	// Bounded cross-cycle history, oldest first, capped at HistoryCap.
	CloseHistory      []float64 `json:"-"`
	EfficiencyHistory []float64 `json:"-"`
	MomentumHistory   []float64 `json:"-"`
}

// HistoryCap bounds the per-metric history arrays.
const HistoryCap = 240

// QuantityEpsilon is the threshold below which an exchange position counts as flat.
const QuantityEpsilon = 1e-6

// ScoreSet is the normalized score breakdown attached to an emitted entry.
// Every field is within [0,1].
type ScoreSet struct {
	Final            float64 `json:"final"`
	Core             float64 `json:"core"`
	Confirm          float64 `json:"confirm"`
	Efficiency       float64 `json:"efficiency"`
	Chop             float64 `json:"chop"`
	MomentumAtr      float64 `json:"momentumAtr"`
	Align            float64 `json:"align"`
	MTFConsistency   float64 `json:"mtfConsistency"`
	VolumeBoost      float64 `json:"volumeBoost"`
	ActiveFlow       float64 `json:"activeFlow"`
	FlowPersistence  float64 `json:"flowPersistence"`
	LiquidityPenalty float64 `json:"liquidityPenalty"`
}

// MoversEntry is one ranked symbol on a gainers/losers board.
type MoversEntry struct {
	Symbol        string   `json:"symbol"`
	LastPrice     float64  `json:"lastPrice"`
	ChangePercent float64  `json:"changePercent"`
	FlowPercent   *float64 `json:"flowPercent,omitempty"`
	FlowLabel     string   `json:"flowLabel,omitempty"`
	Scores        ScoreSet `json:"scores"`
}

// TimeWindow is a half-open evaluation window in epoch milliseconds.
type TimeWindow struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// MoversSnapshot is the per-timeframe board emitted each cycle.
type MoversSnapshot struct {
	Timeframe  string             `json:"timeframe"`
	TopGainers []MoversEntry      `json:"topGainers"`
	TopLosers  []MoversEntry      `json:"topLosers"`
	Changes    map[string]float64 `json:"changes"`
	Window     TimeWindow         `json:"window"`
}

// AggregatedMoversEntry is a symbol's best-scoring timeframe on the
// cross-timeframe leaderboard.
type AggregatedMoversEntry struct {
	Entry     MoversEntry        `json:"entry"`
	Timeframe string             `json:"timeframe"`
	Window    TimeWindow         `json:"window"`
	Changes   map[string]float64 `json:"changes"`
	Metric    *TimeframeMetric   `json:"metrics"`
}

// MoversResult is the immutable output of one pipeline cycle.
type MoversResult struct {
	Snapshots     map[string]*MoversSnapshot            `json:"snapshots"`
	AggregatedTop []AggregatedMoversEntry               `json:"aggregatedTop"`
	Metrics       map[string]map[string]*TimeframeMetric `json:"-"`
	GeneratedAt   time.Time                             `json:"generatedAt"`
}

// SymbolFilters caches the order constraints for one symbol.
type SymbolFilters struct {
	Symbol            string
	StepSize          float64
	MinQty            float64
	MinNotional       float64
	PricePrecision    int
	QuantityPrecision int
}

// SymbolInfo is one listing from the exchange info endpoint.
type SymbolInfo struct {
	Symbol       string
	ContractType string
	QuoteAsset   string
	Status       string
	Filters      SymbolFilters
}

// BookTicker is a best bid/ask snapshot.
type BookTicker struct {
	Symbol   string
	BidPrice float64
	BidQty   float64
	AskPrice float64
	AskQty   float64
}

// DepthLevel is one price level of an order book ladder.
type DepthLevel struct {
	Price float64
	Qty   float64
}

// DepthSnapshot holds the book ladders: bids descending, asks ascending by price.
type DepthSnapshot struct {
	Symbol string
	Bids   []DepthLevel
	Asks   []DepthLevel
}

// Balance is one asset row from the futures balance endpoint.
type Balance struct {
	Asset            string
	Balance          float64
	AvailableBalance float64
	CrossUnrealized  float64
}

// PositionRisk is one leg from the position risk endpoint. PositionSide is
// LONG or SHORT in dual-side mode.
type PositionRisk struct {
	Symbol        string
	PositionSide  string
	PositionAmt   float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
	Leverage      int
}

// PositionSummary folds a symbol's legs into one record. Long and Short are
// absolute quantities; Net is long minus short.
type PositionSummary struct {
	Symbol        string
	Net           float64
	Long          float64
	Short         float64
	UnrealizedPnl float64
}

// OrderRequest is a signed order. Quantity and StopPrice are pre-quantized
// strings so the wire format is exact.
type OrderRequest struct {
	Symbol        string
	Side          string
	PositionSide  string
	Type          string
	Quantity      string
	StopPrice     string
	TimeInForce   string
	WorkingType   string
	ClientOrderID string
}

// OrderResult is the exchange's acknowledgement of a placed order.
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Status        string
	AvgPrice      float64
	ExecutedQty   float64
}

// OpenOrder is one resting order, enough to find and cancel stops.
type OpenOrder struct {
	OrderID      int64
	Symbol       string
	Type         string
	Side         string
	PositionSide string
	StopPrice    float64
}

// MarkPriceTick is one tick from the mark-price stream.
type MarkPriceTick struct {
	Symbol string
	Price  float64
	Time   time.Time
}
