package delta

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pricefeed/internal/symbols"
	"pricefeed/models"
	"pricefeed/reader"
)

const exchange = "delta"

// Decoder reads the Delta Exchange v2 public socket. Timestamps on this
// feed are unix microseconds.
type Decoder struct {
	opts reader.Options
}

func New(opts reader.Options) (reader.Decoder, error) {
	if len(opts.Symbols) == 0 {
		return nil, fmt.Errorf("delta: at least one symbol is required")
	}
	switch opts.Market {
	case "", "spot", "futures", "perpetual", "options":
	default:
		return nil, fmt.Errorf("delta: unsupported market %q", opts.Market)
	}
	return &Decoder{opts: opts}, nil
}

func (d *Decoder) Exchange() string { return exchange }

type channel struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

type payload struct {
	Channels []channel `json:"channels"`
}

type request struct {
	Type    string   `json:"type"`
	Payload *payload `json:"payload,omitempty"`
}

func newRequest(typ string, channels []channel) request {
	return request{Type: typ, Payload: &payload{Channels: channels}}
}

func (d *Decoder) SubscribeMessages() ([][]byte, error) {
	syms := make([]string, len(d.opts.Symbols))
	for i, s := range d.opts.Symbols {
		syms[i] = symbols.StreamName(exchange, s)
	}
	var channels []channel
	if d.opts.Ticker {
		channels = append(channels, channel{Name: "v2/ticker", Symbols: syms})
	}
	if d.opts.OrderBook {
		channels = append(channels, channel{Name: "l2_orderbook", Symbols: syms})
	}
	if d.opts.Trades {
		channels = append(channels, channel{Name: "all_trades", Symbols: syms})
	}
	if len(channels) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(newRequest("subscribe", channels))
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (d *Decoder) PingMessage() []byte {
	return []byte(`{"type":"ping"}`)
}

// ResyncMessages re-subscribes l2_orderbook for one symbol.
func (d *Decoder) ResyncMessages(symbol string) [][]byte {
	ch := []channel{{Name: "l2_orderbook", Symbols: []string{symbol}}}
	unsub, _ := json.Marshal(newRequest("unsubscribe", ch))
	sub, _ := json.Marshal(newRequest("subscribe", ch))
	return [][]byte{unsub, sub}
}

type message struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`

	// v2/ticker
	MarkPrice   json.RawMessage `json:"mark_price"`
	Close       json.RawMessage `json:"close"`
	Volume      json.RawMessage `json:"volume"`
	High        json.RawMessage `json:"high"`
	Low         json.RawMessage `json:"low"`
	OI          json.RawMessage `json:"oi"`
	FundingRate json.RawMessage `json:"funding_rate"`
	Change24h   json.RawMessage `json:"price_change_24h"`
	Timestamp   int64           `json:"timestamp"`

	// l2_orderbook
	Buy     []order `json:"buy"`
	Sell    []order `json:"sell"`
	LastSeq int64   `json:"last_sequence_no"`

	// all_trades, all_trades_snapshot
	Trades    []tradeFrame    `json:"trades"`
	Price     json.RawMessage `json:"price"`
	Size      json.RawMessage `json:"size"`
	BuyerRole string          `json:"buyer_role"`
	ID        json.RawMessage `json:"id"`
	TradeID   json.RawMessage `json:"trade_id"`
}

type order struct {
	LimitPrice string          `json:"limit_price"`
	Size       json.RawMessage `json:"size"`
}

type tradeFrame struct {
	Price     json.RawMessage `json:"price"`
	Size      json.RawMessage `json:"size"`
	BuyerRole string          `json:"buyer_role"`
	Timestamp int64           `json:"timestamp"`
	ID        json.RawMessage `json:"id"`
	TradeID   json.RawMessage `json:"trade_id"`
}

func (d *Decoder) Decode(msg []byte, received time.Time) ([]models.Event, error) {
	var m message
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "invalid json", Err: err}
	}
	switch m.Type {
	case "v2/ticker":
		return decodeTicker(m, received)
	case "l2_orderbook":
		return decodeBook(m, received)
	case "all_trades":
		t := tradeFrame{Price: m.Price, Size: m.Size, BuyerRole: m.BuyerRole, Timestamp: m.Timestamp, ID: m.ID, TradeID: m.TradeID}
		return decodeTrades(m.Symbol, []tradeFrame{t}, received)
	case "all_trades_snapshot":
		return decodeTrades(m.Symbol, m.Trades, received)
	case "error":
		return nil, &models.DecodeError{Exchange: exchange, Reason: "server error: " + string(msg)}
	}
	// subscriptions, heartbeat, pong
	return nil, nil
}

func microTime(us int64, fallback time.Time) time.Time {
	if us <= 0 {
		return fallback
	}
	return time.UnixMicro(us)
}

// decodeTicker prices from the mark price, falling back to the last close.
func decodeTicker(m message, received time.Time) ([]models.Event, error) {
	if m.Symbol == "" {
		return nil, nil
	}
	price, ok := reader.ParseFloat(m.MarkPrice)
	if !ok || price == 0 {
		price, ok = reader.ParseFloat(m.Close)
	}
	if !ok {
		return nil, nil
	}
	return []models.Event{models.TickerEvent(models.RawTicker{
		SourceSymbol:       m.Symbol,
		LastPrice:          price,
		Volume24h:          reader.OptFloat(m.Volume),
		High24h:            reader.OptFloat(m.High),
		Low24h:             reader.OptFloat(m.Low),
		PriceChangePct:     reader.OptFloat(m.Change24h),
		MarkPrice:          reader.OptFloat(m.MarkPrice),
		OpenInterest:       reader.OptFloat(m.OI),
		CurrentFundingRate: reader.OptFloat(m.FundingRate),
		ObservedAt:         microTime(m.Timestamp, received),
	})}, nil
}

func parseOrders(orders []order) ([]models.Level, error) {
	levels := make([]models.Level, 0, len(orders))
	for _, o := range orders {
		lvl, err := reader.ParseLevel(o.LimitPrice, unquote(o.Size))
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

func unquote(raw json.RawMessage) string {
	if s, err := strconv.Unquote(string(raw)); err == nil {
		return s
	}
	return string(raw)
}

// decodeBook treats each l2_orderbook frame as a full book.
func decodeBook(m message, received time.Time) ([]models.Event, error) {
	bids, err := parseOrders(m.Buy)
	if err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "orderbook buy side", Err: err}
	}
	asks, err := parseOrders(m.Sell)
	if err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "orderbook sell side", Err: err}
	}
	return []models.Event{models.BookEvent(models.OrderBookEvent{
		Kind:         models.BookSnapshot,
		SourceSymbol: m.Symbol,
		Bids:         bids,
		Asks:         asks,
		UpdateID:     m.LastSeq,
		Timestamp:    microTime(m.Timestamp, received),
	})}, nil
}

func decodeTrades(symbol string, frames []tradeFrame, received time.Time) ([]models.Event, error) {
	if symbol == "" {
		return nil, nil
	}
	trades := make([]models.Trade, 0, len(frames))
	for _, f := range frames {
		price, okP := reader.ParseFloat(f.Price)
		qty, okQ := reader.ParseFloat(f.Size)
		if !okP || !okQ {
			continue
		}
		side := models.SideSell
		if f.BuyerRole == "taker" {
			side = models.SideBuy
		}
		trades = append(trades, models.Trade{
			Price:     price,
			Quantity:  qty,
			Side:      side,
			TradeID:   tradeID(f),
			Timestamp: microTime(f.Timestamp, received),
		})
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return []models.Event{models.TradesEvent(models.TradeEvent{SourceSymbol: symbol, Trades: trades})}, nil
}

// tradeID prefers the exchange id, then the timestamp.
func tradeID(f tradeFrame) string {
	for _, raw := range []json.RawMessage{f.ID, f.TradeID} {
		if s := unquote(raw); s != "" && s != "null" {
			return s
		}
	}
	if f.Timestamp > 0 {
		return strconv.FormatInt(f.Timestamp, 10)
	}
	return "unknown_" + uuid.NewString()
}
