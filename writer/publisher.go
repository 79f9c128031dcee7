package writer

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/logger"
	"pricefeed/models"
)

const (
	DefaultTTL = 60 * time.Second

	// TimestampLayout is the UTC layout written to every record's timestamp field.
	TimestampLayout = "2006-01-02T15:04:05.000000Z"
)

// PublisherConfig configures one connector's publisher.
type PublisherConfig struct {
	Connector string
	Prefix    string
	TTL       time.Duration
	// Extra is merged into every ticker record.
	Extra map[string]string
}

// Publisher writes canonical records into a Store. Each write replaces the
// fields it carries and refreshes the key's TTL. Failures are logged, counted
// and returned as *models.PublishError; callers drop the record and continue.
type Publisher struct {
	store Store
	cfg   PublisherConfig
	log   *logger.Log
	now   func() time.Time

	published atomic.Int64
	failed    atomic.Int64
	lastWrite atomic.Int64 // unix nanos
}

func NewPublisher(store Store, cfg PublisherConfig) *Publisher {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Publisher{store: store, cfg: cfg, log: logger.GetLogger(), now: time.Now}
}

// OrderBook is a ranked book ready to publish.
type OrderBook struct {
	Symbol       string
	SourceSymbol string
	Bids         []models.Level
	Asks         []models.Level
	Spread       decimal.Decimal
	MidPrice     decimal.Decimal
	UpdateID     int64
	Timestamp    time.Time
}

type tradeRecord struct {
	P  float64 `json:"p"`
	Q  float64 `json:"q"`
	S  string  `json:"s"`
	T  int64   `json:"t"`
	ID string  `json:"id"`
}

func (p *Publisher) PublishTicker(ctx context.Context, rec models.TickerRecord) error {
	fields := map[string]string{
		"ltp":             formatFloat(rec.LastPrice),
		"timestamp":       formatTime(rec.ObservedAt),
		"original_symbol": rec.SourceSymbol,
	}
	putFloat(fields, "volume_24h", rec.Volume24h)
	putFloat(fields, "high_24h", rec.High24h)
	putFloat(fields, "low_24h", rec.Low24h)
	putFloat(fields, "price_change_percent", rec.PriceChangePct)
	putFloat(fields, "mark_price", rec.MarkPrice)
	putFloat(fields, "open_interest", rec.OpenInterest)
	putFloat(fields, "current_funding_rate", rec.CurrentFundingRate)
	putFloat(fields, "estimated_funding_rate", rec.EstimatedFundingRate)
	if rec.FundingTimestamp != nil {
		fields["funding_timestamp"] = formatTime(*rec.FundingTimestamp)
	}
	for k, v := range p.cfg.Extra {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	return p.write(ctx, TickerKey(p.cfg.Prefix, rec.Symbol), fields, "ticker")
}

// MergeFunding writes only the funding fields of a ticker record, leaving
// ltp and volume untouched. A record that doesn't exist yet gets a zero ltp
// placeholder so readers always find the field; the placeholder is set
// atomically and never replaces a streamed price.
func (p *Publisher) MergeFunding(ctx context.Context, fr models.FundingRate) error {
	key := TickerKey(p.cfg.Prefix, fr.Symbol)
	fields := map[string]string{}
	putFloat(fields, "current_funding_rate", fr.Current)
	putFloat(fields, "estimated_funding_rate", fr.Estimated)
	if fr.FundingTime != nil {
		fields["funding_timestamp"] = formatTime(*fr.FundingTime)
	}
	if len(fields) == 0 {
		return nil
	}

	placeholder := map[string]string{
		"ltp":             "0",
		"original_symbol": fr.SourceSymbol,
		"timestamp":       formatTime(fr.ObservedAt),
	}
	if err := p.store.HSetNX(ctx, key, fields, placeholder, p.cfg.TTL); err != nil {
		return p.fail(key, "funding", err)
	}
	p.succeed()
	return nil
}

func (p *Publisher) PublishOrderBook(ctx context.Context, ob OrderBook) error {
	bids, err := json.Marshal(levelPairs(ob.Bids))
	if err != nil {
		return p.fail(OrderBookKey(p.cfg.Prefix, ob.Symbol), "orderbook", err)
	}
	asks, err := json.Marshal(levelPairs(ob.Asks))
	if err != nil {
		return p.fail(OrderBookKey(p.cfg.Prefix, ob.Symbol), "orderbook", err)
	}
	ts := ob.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	fields := map[string]string{
		"bids":            string(bids),
		"asks":            string(asks),
		"spread":          ob.Spread.String(),
		"mid_price":       ob.MidPrice.String(),
		"update_id":       strconv.FormatInt(ob.UpdateID, 10),
		"timestamp":       formatTime(ts),
		"original_symbol": ob.SourceSymbol,
	}
	return p.write(ctx, OrderBookKey(p.cfg.Prefix, ob.Symbol), fields, "orderbook")
}

// PublishTrades writes the window oldest first together with its size.
func (p *Publisher) PublishTrades(ctx context.Context, symbol, source string, trades []models.Trade) error {
	records := make([]tradeRecord, len(trades))
	for i, tr := range trades {
		records[i] = tradeRecord{P: tr.Price, Q: tr.Quantity, S: string(tr.Side), T: tr.Timestamp.UnixMilli(), ID: tr.TradeID}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return p.fail(TradesKey(p.cfg.Prefix, symbol), "trades", err)
	}
	fields := map[string]string{
		"trades":          string(payload),
		"count":           strconv.Itoa(len(trades)),
		"timestamp":       formatTime(p.now()),
		"original_symbol": source,
	}
	return p.write(ctx, TradesKey(p.cfg.Prefix, symbol), fields, "trades")
}

// Published is the number of successful writes.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Failed is the number of failed writes.
func (p *Publisher) Failed() int64 { return p.failed.Load() }

// LastWrite is the time of the last successful write, zero if none.
func (p *Publisher) LastWrite() time.Time {
	ns := p.lastWrite.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (p *Publisher) write(ctx context.Context, key string, fields map[string]string, kind string) error {
	if err := p.store.HSet(ctx, key, fields, p.cfg.TTL); err != nil {
		return p.fail(key, kind, err)
	}
	p.succeed()
	return nil
}

func (p *Publisher) succeed() {
	p.published.Add(1)
	p.lastWrite.Store(p.now().UnixNano())
}

func (p *Publisher) fail(key, kind string, err error) error {
	p.failed.Add(1)
	p.log.WithComponent("publisher").WithFields(logger.Fields{
		"connector": p.cfg.Connector,
		"key":       key,
		"record":    kind,
	}).WithError(err).Warn("failed to publish record, dropping")
	return &models.PublishError{Key: key, Err: err}
}

func levelPairs(levels []models.Level) [][2]string {
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.Price.String(), l.Quantity.String()}
	}
	return out
}

func putFloat(fields map[string]string, name string, v *float64) {
	if v != nil {
		fields[name] = formatFloat(*v)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
