package hyperliquid

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pricefeed/models"
	"pricefeed/reader"
)

const exchange = "hyperliquid"

// Decoder reads the Hyperliquid info websocket. Mid prices come from
// allMids, books from l2Book snapshots and prints from trades.
type Decoder struct {
	opts  reader.Options
	coins map[string]bool
}

func New(opts reader.Options) (reader.Decoder, error) {
	switch opts.Market {
	case "", "spot", "perpetual", "perp":
	default:
		return nil, fmt.Errorf("hyperliquid: unsupported market %q", opts.Market)
	}
	coins := make(map[string]bool, len(opts.Symbols))
	for _, s := range opts.Symbols {
		coins[s] = true
	}
	if len(coins) == 0 && (opts.OrderBook || opts.Trades) {
		return nil, fmt.Errorf("hyperliquid: book and trade channels need explicit coins")
	}
	return &Decoder{opts: opts, coins: coins}, nil
}

func (d *Decoder) Exchange() string { return exchange }

type subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
}

type request struct {
	Method       string        `json:"method"`
	Subscription *subscription `json:"subscription,omitempty"`
}

func (d *Decoder) SubscribeMessages() ([][]byte, error) {
	var subs []subscription
	if d.opts.Ticker {
		subs = append(subs, subscription{Type: "allMids"})
	}
	for _, coin := range d.opts.Symbols {
		if d.opts.OrderBook {
			subs = append(subs, subscription{Type: "l2Book", Coin: coin})
		}
		if d.opts.Trades {
			subs = append(subs, subscription{Type: "trades", Coin: coin})
		}
	}
	msgs := make([][]byte, 0, len(subs))
	for i := range subs {
		b, err := json.Marshal(request{Method: "subscribe", Subscription: &subs[i]})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, b)
	}
	return msgs, nil
}

func (d *Decoder) PingMessage() []byte {
	return []byte(`{"method":"ping"}`)
}

// ResyncMessages re-subscribes l2Book, which answers with a full book.
func (d *Decoder) ResyncMessages(coin string) [][]byte {
	sub := subscription{Type: "l2Book", Coin: coin}
	unsub, _ := json.Marshal(request{Method: "unsubscribe", Subscription: &sub})
	resub, _ := json.Marshal(request{Method: "subscribe", Subscription: &sub})
	return [][]byte{unsub, resub}
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type l2Book struct {
	Coin   string    `json:"coin"`
	Time   int64     `json:"time"`
	Levels [][]level `json:"levels"`
}

type trade struct {
	Coin string          `json:"coin"`
	Side string          `json:"side"`
	Px   json.RawMessage `json:"px"`
	Sz   json.RawMessage `json:"sz"`
	Time int64           `json:"time"`
	Hash string          `json:"hash"`
	TID  int64           `json:"tid"`
}

func (d *Decoder) Decode(msg []byte, received time.Time) ([]models.Event, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "invalid json", Err: err}
	}
	switch env.Channel {
	case "allMids":
		return d.decodeMids(env.Data, received)
	case "l2Book":
		return d.decodeBook(env.Data, received)
	case "trades":
		return d.decodeTrades(env.Data, received)
	case "error":
		return nil, &models.DecodeError{Exchange: exchange, Reason: "server error: " + string(env.Data)}
	}
	// subscriptionResponse, pong
	return nil, nil
}

func (d *Decoder) wanted(coin string) bool {
	return len(d.coins) == 0 || d.coins[coin]
}

// decodeMids emits one ticker per configured coin. Unparseable mids are
// passed through so the normalizer rejects and counts them.
func (d *Decoder) decodeMids(data json.RawMessage, received time.Time) ([]models.Event, error) {
	var payload struct {
		Mids map[string]string `json:"mids"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "allMids payload", Err: err}
	}
	var events []models.Event
	for coin, mid := range payload.Mids {
		if !d.wanted(coin) {
			continue
		}
		price, err := strconv.ParseFloat(mid, 64)
		if err != nil {
			price = 0
		}
		events = append(events, models.TickerEvent(models.RawTicker{
			SourceSymbol: coin,
			LastPrice:    price,
			ObservedAt:   received,
		}))
	}
	return events, nil
}

func (d *Decoder) decodeBook(data json.RawMessage, received time.Time) ([]models.Event, error) {
	var book l2Book
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "l2Book payload", Err: err}
	}
	if len(book.Levels) != 2 {
		return nil, &models.DecodeError{Exchange: exchange, Reason: fmt.Sprintf("l2Book has %d sides", len(book.Levels))}
	}
	sides := make([][]models.Level, 2)
	for i, side := range book.Levels {
		for _, l := range side {
			lvl, err := reader.ParseLevel(l.Px, l.Sz)
			if err != nil {
				return nil, &models.DecodeError{Exchange: exchange, Reason: "l2Book level", Err: err}
			}
			sides[i] = append(sides[i], lvl)
		}
	}
	// Every l2Book frame is a full book; its time doubles as the sequence.
	return []models.Event{models.BookEvent(models.OrderBookEvent{
		Kind:         models.BookSnapshot,
		SourceSymbol: book.Coin,
		Bids:         sides[0],
		Asks:         sides[1],
		UpdateID:     book.Time,
		Timestamp:    reader.MillisTime(book.Time, received),
	})}, nil
}

func (d *Decoder) decodeTrades(data json.RawMessage, received time.Time) ([]models.Event, error) {
	var trades []trade
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "trades payload", Err: err}
	}

	byCoin := map[string][]models.Trade{}
	var order []string
	for _, t := range trades {
		if t.Coin == "" || !d.wanted(t.Coin) {
			continue
		}
		price, okP := reader.ParseFloat(t.Px)
		qty, okQ := reader.ParseFloat(t.Sz)
		if !okP || !okQ {
			continue
		}
		var side models.Side
		switch t.Side {
		case "B":
			side = models.SideBuy
		case "A":
			side = models.SideSell
		default:
			side = models.Side(t.Side)
		}
		if _, ok := byCoin[t.Coin]; !ok {
			order = append(order, t.Coin)
		}
		byCoin[t.Coin] = append(byCoin[t.Coin], models.Trade{
			Price:     price,
			Quantity:  qty,
			Side:      side,
			TradeID:   tradeID(t),
			Timestamp: reader.MillisTime(t.Time, received),
		})
	}

	events := make([]models.Event, 0, len(order))
	for _, coin := range order {
		events = append(events, models.TradesEvent(models.TradeEvent{SourceSymbol: coin, Trades: byCoin[coin]}))
	}
	return events, nil
}

// tradeID prefers the transaction hash, then the trade id, then the time.
func tradeID(t trade) string {
	switch {
	case t.Hash != "":
		return t.Hash
	case t.TID != 0:
		return strconv.FormatInt(t.TID, 10)
	case t.Time != 0:
		return strconv.FormatInt(t.Time, 10)
	}
	return "unknown_" + uuid.NewString()
}
