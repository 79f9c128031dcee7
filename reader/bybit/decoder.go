package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pricefeed/internal/symbols"
	"pricefeed/models"
	"pricefeed/reader"
)

const (
	exchange = "bybit"

	// Spot accepts at most 10 args per subscribe request.
	maxArgsPerRequest = 10
)

var validDepths = map[string][]int{
	"spot":    {1, 50, 200},
	"linear":  {1, 50, 200, 500},
	"inverse": {1, 50, 200, 500},
	"option":  {25, 100},
}

// Decoder speaks the Bybit v5 public stream.
type Decoder struct {
	opts    reader.Options
	depth   int
	tickers map[string]*tickerState
}

type tickerState struct {
	lastPrice, volume, high, low, pct, mark, oi, funding json.RawMessage
	nextFunding                                          string
}

func New(opts reader.Options) (reader.Decoder, error) {
	market := strings.ToLower(opts.Market)
	if market == "" {
		market = "spot"
	}
	depths, ok := validDepths[market]
	if !ok {
		return nil, fmt.Errorf("bybit: unsupported market %q", opts.Market)
	}
	if len(opts.Symbols) == 0 {
		return nil, fmt.Errorf("bybit: at least one symbol is required")
	}
	opts.Market = market
	return &Decoder{opts: opts, depth: nearestDepth(depths, opts.Depth), tickers: map[string]*tickerState{}}, nil
}

// nearestDepth picks the smallest supported depth covering want.
func nearestDepth(depths []int, want int) int {
	if want <= 0 {
		want = 50
	}
	for _, d := range depths {
		if d >= want {
			return d
		}
	}
	return depths[len(depths)-1]
}

func (d *Decoder) Exchange() string { return exchange }

func (d *Decoder) topics() []string {
	var topics []string
	for _, s := range d.opts.Symbols {
		sym := symbols.StreamName(exchange, s)
		if d.opts.Ticker {
			topics = append(topics, "tickers."+sym)
		}
		if d.opts.OrderBook {
			topics = append(topics, d.bookTopic(sym))
		}
		if d.opts.Trades {
			topics = append(topics, "publicTrade."+sym)
		}
	}
	return topics
}

func (d *Decoder) bookTopic(sym string) string {
	return "orderbook." + strconv.Itoa(d.depth) + "." + sym
}

type request struct {
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
	ReqID string   `json:"req_id,omitempty"`
}

func (d *Decoder) SubscribeMessages() ([][]byte, error) {
	var msgs [][]byte
	for i, chunk := range reader.Chunk(d.topics(), maxArgsPerRequest) {
		b, err := json.Marshal(request{Op: "subscribe", Args: chunk, ReqID: "sub-" + strconv.Itoa(i)})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, b)
	}
	return msgs, nil
}

func (d *Decoder) PingMessage() []byte {
	return []byte(`{"op":"ping"}`)
}

// ResyncMessages re-subscribes the book topic; Bybit answers with a snapshot.
func (d *Decoder) ResyncMessages(sourceSymbol string) [][]byte {
	topic := d.bookTopic(sourceSymbol)
	unsub, _ := json.Marshal(request{Op: "unsubscribe", Args: []string{topic}})
	sub, _ := json.Marshal(request{Op: "subscribe", Args: []string{topic}})
	return [][]byte{unsub, sub}
}

type envelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type tickerData struct {
	Symbol          string          `json:"symbol"`
	LastPrice       json.RawMessage `json:"lastPrice"`
	Volume24h       json.RawMessage `json:"volume24h"`
	HighPrice24h    json.RawMessage `json:"highPrice24h"`
	LowPrice24h     json.RawMessage `json:"lowPrice24h"`
	Price24hPcnt    json.RawMessage `json:"price24hPcnt"`
	Change24h       json.RawMessage `json:"change24h"`
	MarkPrice       json.RawMessage `json:"markPrice"`
	OpenInterest    json.RawMessage `json:"openInterest"`
	FundingRate     json.RawMessage `json:"fundingRate"`
	NextFundingTime string          `json:"nextFundingTime"`
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

type tradeData struct {
	Time   int64           `json:"T"`
	Symbol string          `json:"s"`
	Side   string          `json:"S"`
	Size   json.RawMessage `json:"v"`
	Price  json.RawMessage `json:"p"`
	ID     string          `json:"i"`
}

func (d *Decoder) Decode(msg []byte, received time.Time) ([]models.Event, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "invalid json", Err: err}
	}
	if env.Topic == "" {
		if env.Success != nil && !*env.Success {
			return nil, &models.DecodeError{Exchange: exchange, Reason: "request rejected: " + env.RetMsg}
		}
		return nil, nil
	}

	switch {
	case strings.HasPrefix(env.Topic, "tickers."):
		return d.decodeTicker(env, received)
	case strings.HasPrefix(env.Topic, "orderbook."):
		return d.decodeBook(env, received)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		return d.decodeTrades(env, received)
	}
	return nil, nil
}

// decodeTicker merges delta frames into the last full ticker so partial
// derivative updates still carry a price.
func (d *Decoder) decodeTicker(env envelope, received time.Time) ([]models.Event, error) {
	var data tickerData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "ticker payload", Err: err}
	}
	if data.Symbol == "" {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "ticker without symbol"}
	}

	st, ok := d.tickers[data.Symbol]
	if !ok || env.Type == "snapshot" {
		st = &tickerState{}
		d.tickers[data.Symbol] = st
	}
	merge(&st.lastPrice, data.LastPrice)
	merge(&st.volume, data.Volume24h)
	merge(&st.high, data.HighPrice24h)
	merge(&st.low, data.LowPrice24h)
	merge(&st.pct, data.Price24hPcnt)
	merge(&st.pct, data.Change24h)
	merge(&st.mark, data.MarkPrice)
	merge(&st.oi, data.OpenInterest)
	merge(&st.funding, data.FundingRate)
	if data.NextFundingTime != "" {
		st.nextFunding = data.NextFundingTime
	}

	price, ok := reader.ParseFloat(st.lastPrice)
	if (!ok || price == 0) && d.opts.Market == "option" {
		// Illiquid strikes may never have traded.
		price, ok = reader.ParseFloat(st.mark)
	}
	if !ok {
		return nil, nil
	}
	raw := models.RawTicker{
		SourceSymbol:       data.Symbol,
		LastPrice:          price,
		Volume24h:          reader.OptFloat(st.volume),
		High24h:            reader.OptFloat(st.high),
		Low24h:             reader.OptFloat(st.low),
		PriceChangePct:     reader.OptFloat(st.pct),
		MarkPrice:          reader.OptFloat(st.mark),
		OpenInterest:       reader.OptFloat(st.oi),
		CurrentFundingRate: reader.OptFloat(st.funding),
		ObservedAt:         reader.MillisTime(env.TS, received),
	}
	if ms, err := strconv.ParseInt(st.nextFunding, 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms)
		raw.FundingTimestamp = &t
	}
	return []models.Event{models.TickerEvent(raw)}, nil
}

func merge(dst *json.RawMessage, v json.RawMessage) {
	if len(v) > 0 && string(v) != `""` && string(v) != "null" {
		*dst = v
	}
}

func (d *Decoder) decodeBook(env envelope, received time.Time) ([]models.Event, error) {
	var data bookData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "orderbook payload", Err: err}
	}
	bids, err := reader.ParseLevels(data.Bids)
	if err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "orderbook bids", Err: err}
	}
	asks, err := reader.ParseLevels(data.Asks)
	if err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "orderbook asks", Err: err}
	}

	kind := models.BookDelta
	switch env.Type {
	case "snapshot":
		kind = models.BookSnapshot
	case "delta":
	default:
		return nil, &models.DecodeError{Exchange: exchange, Reason: "unknown orderbook type " + env.Type}
	}

	return []models.Event{models.BookEvent(models.OrderBookEvent{
		Kind:         kind,
		SourceSymbol: data.Symbol,
		Bids:         bids,
		Asks:         asks,
		UpdateID:     data.Update,
		Timestamp:    reader.MillisTime(env.TS, received),
	})}, nil
}

func (d *Decoder) decodeTrades(env envelope, received time.Time) ([]models.Event, error) {
	var data []tradeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "trade payload", Err: err}
	}

	bySymbol := map[string][]models.Trade{}
	var order []string
	for _, t := range data {
		price, okP := reader.ParseFloat(t.Price)
		qty, okQ := reader.ParseFloat(t.Size)
		if !okP || !okQ {
			continue
		}
		side := models.SideBuy
		if t.Side == "Sell" {
			side = models.SideSell
		}
		if _, seen := bySymbol[t.Symbol]; !seen {
			order = append(order, t.Symbol)
		}
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], models.Trade{
			Price:     price,
			Quantity:  qty,
			Side:      side,
			TradeID:   t.ID,
			Timestamp: reader.MillisTime(t.Time, received),
		})
	}

	events := make([]models.Event, 0, len(order))
	for _, sym := range order {
		events = append(events, models.TradesEvent(models.TradeEvent{SourceSymbol: sym, Trades: bySymbol[sym]}))
	}
	return events, nil
}
