package coindcx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"pricefeed/models"
	"pricefeed/reader"
)

const exchange = "coindcx"

// Engine.IO and Socket.IO packet prefixes used on the public stream.
const (
	packetOpen     = "0"
	packetPing     = "2"
	packetPong     = "3"
	packetConnect  = "40"
	packetError    = "44"
	packetEvent    = "42"
	eventNewTrade  = "new-trade"
	eventSnapshot  = "depth-snapshot"
	eventDepthDiff = "depth-update"
)

var validDepths = []int{10, 20, 50}

// Decoder speaks the CoinDCX Socket.IO stream over a raw websocket. The
// handshake is driven by Respond: the open packet is answered with a
// namespace connect and the connect ack with the channel joins.
type Decoder struct {
	opts  reader.Options
	depth int
	// alias maps the compact symbol the venue echoes back to the
	// configured pair, so resyncs and keys use the configured name.
	alias map[string]string
}

func New(opts reader.Options) (reader.Decoder, error) {
	market := strings.ToLower(opts.Market)
	if market == "" {
		market = "spot"
	}
	if market != "spot" && market != "futures" {
		return nil, fmt.Errorf("coindcx: unsupported market %q", opts.Market)
	}
	if len(opts.Symbols) == 0 {
		return nil, fmt.Errorf("coindcx: at least one symbol is required")
	}
	opts.Market = market
	alias := make(map[string]string, len(opts.Symbols))
	for _, s := range opts.Symbols {
		alias[compact(s)] = strings.TrimSpace(s)
	}
	return &Decoder{opts: opts, depth: nearestDepth(opts.Depth), alias: alias}, nil
}

func nearestDepth(want int) int {
	for _, d := range validDepths {
		if want <= d {
			return d
		}
	}
	return validDepths[len(validDepths)-1]
}

// compact reduces B-BTC_USDT and BTCUSDT to the same key.
func compact(sym string) string {
	s := strings.ToUpper(strings.TrimSpace(sym))
	s = strings.TrimPrefix(s, "B-")
	s = strings.TrimPrefix(s, "I-")
	return strings.NewReplacer("_", "", "-", "").Replace(s)
}

func (d *Decoder) Exchange() string { return exchange }

func (d *Decoder) channels() []string {
	var out []string
	for _, s := range d.opts.Symbols {
		sym := strings.TrimSpace(s)
		if d.opts.OrderBook {
			out = append(out, d.bookChannel(sym))
		}
		if d.opts.Ticker || d.opts.Trades {
			if d.opts.Market == "futures" {
				out = append(out, sym+"@trades-futures")
			} else {
				out = append(out, sym)
			}
		}
	}
	return out
}

func (d *Decoder) bookChannel(sym string) string {
	ch := sym + "@orderbook@" + strconv.Itoa(d.depth)
	if d.opts.Market == "futures" {
		ch += "-futures"
	}
	return ch
}

func emit(event string, payload interface{}) []byte {
	b, _ := json.Marshal([]interface{}{event, payload})
	return append([]byte(packetEvent), b...)
}

type channelRequest struct {
	ChannelName string `json:"channelName"`
}

// SubscribeMessages is empty: joins are sent once the namespace connect is
// acknowledged, see Respond.
func (d *Decoder) SubscribeMessages() ([][]byte, error) {
	return nil, nil
}

func (d *Decoder) Respond(msg []byte) [][]byte {
	s := string(msg)
	switch {
	case s == packetPing:
		return [][]byte{[]byte(packetPong)}
	case strings.HasPrefix(s, packetConnect):
		chans := d.channels()
		out := make([][]byte, 0, len(chans))
		for _, ch := range chans {
			out = append(out, emit("join", channelRequest{ChannelName: ch}))
		}
		return out
	case strings.HasPrefix(s, packetOpen) && !strings.HasPrefix(s, packetEvent):
		return [][]byte{[]byte(packetConnect)}
	}
	return nil
}

func (d *Decoder) PingMessage() []byte {
	return emit("ping", map[string]string{"data": "Ping message"})
}

// ResyncMessages leaves and re-joins the book channel; the venue answers
// with a fresh depth snapshot.
func (d *Decoder) ResyncMessages(sourceSymbol string) [][]byte {
	ch := channelRequest{ChannelName: d.bookChannel(sourceSymbol)}
	return [][]byte{emit("leave", ch), emit("join", ch)}
}

type tradeData struct {
	Symbol   string          `json:"s"`
	Price    json.RawMessage `json:"p"`
	Quantity json.RawMessage `json:"q"`
	Time     int64           `json:"T"`
	Side     string          `json:"S"`
	Maker    *bool           `json:"m"`
	ID       json.RawMessage `json:"t"`
}

type depthData struct {
	Symbol  string            `json:"s"`
	Version int64             `json:"vs"`
	TS      int64             `json:"ts"`
	Bids    map[string]string `json:"bids"`
	Asks    map[string]string `json:"asks"`
}

func (d *Decoder) Decode(msg []byte, received time.Time) ([]models.Event, error) {
	s := string(msg)
	if strings.HasPrefix(s, packetError) {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "namespace connect refused: " + strings.TrimPrefix(s, packetError)}
	}
	if !strings.HasPrefix(s, packetEvent) {
		return nil, nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(msg[len(packetEvent):], &frame); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "invalid event frame", Err: err}
	}
	if len(frame) < 2 {
		return nil, nil
	}
	var event string
	if err := json.Unmarshal(frame[0], &event); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "event name", Err: err}
	}

	switch event {
	case eventNewTrade:
		payload, err := unwrap(frame[1])
		if err != nil {
			return nil, err
		}
		return d.decodeTrade(payload, received)
	case eventSnapshot, eventDepthDiff:
		payload, err := unwrap(frame[1])
		if err != nil {
			return nil, err
		}
		kind := models.BookDelta
		if event == eventSnapshot {
			kind = models.BookSnapshot
		}
		return d.decodeDepth(kind, payload, received)
	}
	return nil, nil
}

// unwrap returns the inner payload. Events carry it either inline or as a
// JSON encoded string under "data".
func unwrap(raw json.RawMessage) ([]byte, error) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "event payload", Err: err}
	}
	data := bytes.TrimSpace(env.Data)
	switch {
	case len(data) == 0:
		return raw, nil
	case data[0] == '"':
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, &models.DecodeError{Exchange: exchange, Reason: "event data", Err: err}
		}
		return []byte(inner), nil
	default:
		return data, nil
	}
}

func (d *Decoder) source(sym string) string {
	if configured, ok := d.alias[compact(sym)]; ok {
		return configured
	}
	return sym
}

func (d *Decoder) decodeTrade(payload []byte, received time.Time) ([]models.Event, error) {
	var t tradeData
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "trade payload", Err: err}
	}
	if t.Symbol == "" {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "trade without symbol"}
	}
	price, ok := reader.ParseFloat(t.Price)
	if !ok {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "trade price"}
	}
	sym := d.source(t.Symbol)
	ts := reader.MillisTime(t.Time, received)

	var events []models.Event
	if d.opts.Ticker {
		events = append(events, models.TickerEvent(models.RawTicker{
			SourceSymbol: sym,
			LastPrice:    price,
			ObservedAt:   ts,
		}))
	}
	if d.opts.Trades {
		qty, ok := reader.ParseFloat(t.Quantity)
		if !ok {
			return events, nil
		}
		events = append(events, models.TradesEvent(models.TradeEvent{
			SourceSymbol: sym,
			Trades: []models.Trade{{
				Price:     price,
				Quantity:  qty,
				Side:      side(t),
				TradeID:   strings.Trim(string(t.ID), `"`),
				Timestamp: ts,
			}},
		}))
	}
	return events, nil
}

// side prefers the explicit side and falls back to the maker flag: a buyer
// maker print is an aggressive sell.
func side(t tradeData) models.Side {
	switch strings.ToLower(t.Side) {
	case "sell":
		return models.SideSell
	case "buy":
		return models.SideBuy
	}
	if t.Maker != nil && *t.Maker {
		return models.SideSell
	}
	return models.SideBuy
}

func (d *Decoder) decodeDepth(kind models.BookKind, payload []byte, received time.Time) ([]models.Event, error) {
	var data depthData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "depth payload", Err: err}
	}
	if data.Symbol == "" {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "depth without symbol"}
	}
	bids, err := levels(data.Bids)
	if err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "depth bids", Err: err}
	}
	asks, err := levels(data.Asks)
	if err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "depth asks", Err: err}
	}
	return []models.Event{models.BookEvent(models.OrderBookEvent{
		Kind:         kind,
		SourceSymbol: d.source(data.Symbol),
		Bids:         bids,
		Asks:         asks,
		UpdateID:     data.Version,
		Timestamp:    reader.MillisTime(data.TS, received),
	})}, nil
}

// levels converts the venue's price to quantity object into levels in
// price order so the output is deterministic.
func levels(m map[string]string) ([]models.Level, error) {
	prices := make([]string, 0, len(m))
	for p := range m {
		prices = append(prices, p)
	}
	sort.Strings(prices)
	out := make([]models.Level, 0, len(prices))
	for _, p := range prices {
		lvl, err := reader.ParseLevel(p, m[p])
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}
