package exchange

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/spekrealism/tradebox/internal/market"
)

// Side enumerates order directions.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	MarketOrder OrderType = "market"
	Limit       OrderType = "limit"
)

// OrderRequest is a placement request. Price is ignored for market orders.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Amount   float64
	Price    float64
	ClientID string
}

// Order is the exchange's view of a placed order.
type Order struct {
	ID       string
	ClientID string
	Symbol   string
	Side     Side
	Type     OrderType
	Amount   float64
	Price    float64
	Status   string
	Created  time.Time
}

// Balance is one asset's wallet line.
type Balance struct {
	Asset     string
	Available float64
	Locked    float64
	Total     float64
}

// Position is one open derivative position.
type Position struct {
	Symbol        string
	Side          Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
}

// OrderBookLevel is one price level.
type OrderBookLevel struct {
	Price float64
	Size  float64
}

// OrderBook is the bid/ask ladder for a symbol.
type OrderBook struct {
	Symbol string
	Bids   []OrderBookLevel // best first
	Asks   []OrderBookLevel // best first
	Ts     time.Time
}

// Market describes one tradable instrument.
type Market struct {
	Symbol     string
	BaseCoin   string
	QuoteCoin  string
	Status     string
	MinOrderQt float64
}

// envelope is the uniform REST response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Wire payloads are decoded into explicit structs once at the boundary and
// converted to the typed model above; raw maps never travel further in.

type klineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"` // [startMs, open, high, low, close, volume, turnover], newest first
}

type tickerResult struct {
	List []struct {
		Symbol       string `json:"symbol"`
		LastPrice    string `json:"lastPrice"`
		Bid1Price    string `json:"bid1Price"`
		Ask1Price    string `json:"ask1Price"`
		HighPrice24H string `json:"highPrice24h"`
		LowPrice24H  string `json:"lowPrice24h"`
		Volume24H    string `json:"volume24h"`
		PrevPrice24H string `json:"prevPrice24h"`
		Price24HPcnt string `json:"price24hPcnt"`
	} `json:"list"`
}

type orderBookResult struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Ts     int64      `json:"ts"`
}

type instrumentsResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		BaseCoin  string `json:"baseCoin"`
		QuoteCoin string `json:"quoteCoin"`
		Status    string `json:"status"`
		LotSize   struct {
			MinOrderQty string `json:"minOrderQty"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

type serverTimeResult struct {
	TimeSecond string `json:"timeSecond"`
	TimeNano   string `json:"timeNano"`
}

type walletResult struct {
	List []struct {
		Coin []struct {
			Coin   string `json:"coin"`
			Equity string `json:"equity"`
			Free   string `json:"availableToWithdraw"`
			Locked string `json:"locked"`
		} `json:"coin"`
	} `json:"list"`
}

type positionsResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		AvgPrice      string `json:"avgPrice"`
		MarkPrice     string `json:"markPrice"`
		UnrealisedPnl string `json:"unrealisedPnl"`
	} `json:"list"`
}

type ordersResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderType   string `json:"orderType"`
		Qty         string `json:"qty"`
		Price       string `json:"price"`
		OrderStatus string `json:"orderStatus"`
		CreatedTime string `json:"createdTime"`
	} `json:"list"`
}

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// toCandles converts the newest-first kline rows to oldest→newest candles.
func (r klineResult) toCandles() []market.Candle {
	out := make([]market.Candle, 0, len(r.List))
	for i := len(r.List) - 1; i >= 0; i-- {
		row := r.List[i]
		if len(row) < 6 {
			continue
		}
		out = append(out, market.Candle{
			Ts:     parseMillis(row[0]),
			Open:   parseFloat(row[1]),
			High:   parseFloat(row[2]),
			Low:    parseFloat(row[3]),
			Close:  parseFloat(row[4]),
			Volume: parseFloat(row[5]),
		})
	}
	return out
}

func toLevels(rows [][]string) []OrderBookLevel {
	out := make([]OrderBookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, OrderBookLevel{Price: parseFloat(row[0]), Size: parseFloat(row[1])})
	}
	return out
}
