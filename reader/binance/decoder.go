package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pricefeed/internal/symbols"
	"pricefeed/models"
	"pricefeed/reader"
)

const (
	exchange = "binance"

	maxParamsPerRequest = 50
)

// Decoder reads Binance combined streams (/stream?streams= or SUBSCRIBE on
// /stream). Spot and USD-M futures share the payload shapes used here.
type Decoder struct {
	opts    reader.Options
	futures bool
	depth   int
	marks   map[string]markState
	lastPx  map[string]tickerFrame
	nextID  int
}

type markState struct {
	mark, funding json.RawMessage
	nextFunding   int64
}

func New(opts reader.Options) (reader.Decoder, error) {
	if len(opts.Symbols) == 0 {
		return nil, fmt.Errorf("binance: at least one symbol is required")
	}
	var futures bool
	switch strings.ToLower(opts.Market) {
	case "", "spot":
	case "futures", "usdm", "perpetual":
		futures = true
	default:
		return nil, fmt.Errorf("binance: unsupported market %q", opts.Market)
	}
	depth := 20
	switch {
	case opts.Depth > 0 && opts.Depth <= 5:
		depth = 5
	case opts.Depth > 5 && opts.Depth <= 10:
		depth = 10
	}
	return &Decoder{
		opts:    opts,
		futures: futures,
		depth:   depth,
		marks:   map[string]markState{},
		lastPx:  map[string]tickerFrame{},
	}, nil
}

func (d *Decoder) Exchange() string { return exchange }

func (d *Decoder) streams() []string {
	var out []string
	for _, s := range d.opts.Symbols {
		sym := symbols.StreamName(exchange, s)
		if d.opts.Ticker {
			out = append(out, sym+"@ticker")
			if d.futures {
				out = append(out, sym+"@markPrice@1s")
			}
		}
		if d.opts.OrderBook {
			out = append(out, fmt.Sprintf("%s@depth%d@100ms", sym, d.depth))
		}
		if d.opts.Trades {
			out = append(out, sym+"@aggTrade")
		}
	}
	return out
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (d *Decoder) SubscribeMessages() ([][]byte, error) {
	var msgs [][]byte
	for _, chunk := range reader.Chunk(d.streams(), maxParamsPerRequest) {
		d.nextID++
		b, err := json.Marshal(request{Method: "SUBSCRIBE", Params: chunk, ID: d.nextID})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, b)
	}
	return msgs, nil
}

type combined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     *int            `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type tickerFrame struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	Last      json.RawMessage `json:"c"`
	Volume    json.RawMessage `json:"v"`
	High      json.RawMessage `json:"h"`
	Low       json.RawMessage `json:"l"`
	ChangePct json.RawMessage `json:"P"`
}

type markFrame struct {
	EventTime   int64           `json:"E"`
	Symbol      string          `json:"s"`
	MarkPrice   json.RawMessage `json:"p"`
	FundingRate json.RawMessage `json:"r"`
	NextFunding int64           `json:"T"`
}

type depthFrame struct {
	EventTime    int64      `json:"E"`
	Symbol       string     `json:"s"`
	LastUpdateID int64      `json:"lastUpdateId"`
	FinalID      int64      `json:"u"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
	B            [][]string `json:"b"`
	A            [][]string `json:"a"`
}

type aggTradeFrame struct {
	Symbol       string          `json:"s"`
	AggID        int64           `json:"a"`
	Price        json.RawMessage `json:"p"`
	Quantity     json.RawMessage `json:"q"`
	TradeTime    int64           `json:"T"`
	BuyerIsMaker bool            `json:"m"`
}

func (d *Decoder) Decode(msg []byte, received time.Time) ([]models.Event, error) {
	var env combined
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "invalid json", Err: err}
	}
	if env.Error != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: fmt.Sprintf("request %d rejected: %s", env.Error.Code, env.Error.Msg)}
	}
	if env.Stream == "" {
		// subscription ack: {"result":null,"id":1}
		return nil, nil
	}

	name, kind, _ := strings.Cut(env.Stream, "@")
	switch {
	case kind == "ticker":
		return d.decodeTicker(env.Data, received)
	case strings.HasPrefix(kind, "markPrice"):
		return d.decodeMark(env.Data, received)
	case strings.HasPrefix(kind, "depth"):
		return d.decodeDepth(name, env.Data, received)
	case kind == "aggTrade":
		return d.decodeAggTrade(env.Data, received)
	}
	return nil, nil
}

func (d *Decoder) decodeTicker(data json.RawMessage, received time.Time) ([]models.Event, error) {
	var f tickerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "ticker payload", Err: err}
	}
	d.lastPx[f.Symbol] = f
	return d.tickerEvent(f.Symbol, f.EventTime, received)
}

func (d *Decoder) decodeMark(data json.RawMessage, received time.Time) ([]models.Event, error) {
	var f markFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "mark price payload", Err: err}
	}
	d.marks[f.Symbol] = markState{mark: f.MarkPrice, funding: f.FundingRate, nextFunding: f.NextFunding}
	return d.tickerEvent(f.Symbol, f.EventTime, received)
}

// tickerEvent combines the latest 24h ticker and mark price frames. Nothing
// is emitted until a last price has been seen.
func (d *Decoder) tickerEvent(symbol string, eventTime int64, received time.Time) ([]models.Event, error) {
	f, ok := d.lastPx[symbol]
	if !ok {
		return nil, nil
	}
	price, ok := reader.ParseFloat(f.Last)
	if !ok {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "ticker without last price"}
	}
	raw := models.RawTicker{
		SourceSymbol:   symbol,
		LastPrice:      price,
		Volume24h:      reader.OptFloat(f.Volume),
		High24h:        reader.OptFloat(f.High),
		Low24h:         reader.OptFloat(f.Low),
		PriceChangePct: reader.OptFloat(f.ChangePct),
		ObservedAt:     reader.MillisTime(eventTime, received),
	}
	if m, ok := d.marks[symbol]; ok {
		raw.MarkPrice = reader.OptFloat(m.mark)
		raw.CurrentFundingRate = reader.OptFloat(m.funding)
		if m.nextFunding > 0 {
			t := time.UnixMilli(m.nextFunding)
			raw.FundingTimestamp = &t
		}
	}
	return []models.Event{models.TickerEvent(raw)}, nil
}

// decodeDepth handles partial book streams. Spot payloads carry no symbol,
// so it comes from the stream name.
func (d *Decoder) decodeDepth(stream string, data json.RawMessage, received time.Time) ([]models.Event, error) {
	var f depthFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "depth payload", Err: err}
	}
	rawBids, rawAsks := f.Bids, f.Asks
	if rawBids == nil && rawAsks == nil {
		rawBids, rawAsks = f.B, f.A
	}
	bids, err := reader.ParseLevels(rawBids)
	if err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "depth bids", Err: err}
	}
	asks, err := reader.ParseLevels(rawAsks)
	if err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "depth asks", Err: err}
	}

	symbol := f.Symbol
	if symbol == "" {
		symbol = strings.ToUpper(stream)
	}
	id := f.LastUpdateID
	if f.FinalID > 0 {
		id = f.FinalID
	}
	return []models.Event{models.BookEvent(models.OrderBookEvent{
		Kind:         models.BookSnapshot,
		SourceSymbol: symbol,
		Bids:         bids,
		Asks:         asks,
		UpdateID:     id,
		Timestamp:    reader.MillisTime(f.EventTime, received),
	})}, nil
}

func (d *Decoder) decodeAggTrade(data json.RawMessage, received time.Time) ([]models.Event, error) {
	var f aggTradeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "aggTrade payload", Err: err}
	}
	price, okP := reader.ParseFloat(f.Price)
	qty, okQ := reader.ParseFloat(f.Quantity)
	if !okP || !okQ {
		return nil, &models.DecodeError{Exchange: exchange, Reason: "aggTrade price or quantity"}
	}
	// The taker sold into the bid when the buyer was the maker.
	side := models.SideBuy
	if f.BuyerIsMaker {
		side = models.SideSell
	}
	return []models.Event{models.TradesEvent(models.TradeEvent{
		SourceSymbol: f.Symbol,
		Trades: []models.Trade{{
			Price:     price,
			Quantity:  qty,
			Side:      side,
			TradeID:   fmt.Sprintf("%d", f.AggID),
			Timestamp: reader.MillisTime(f.TradeTime, received),
		}},
	})}, nil
}
