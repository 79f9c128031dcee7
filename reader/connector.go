package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pricefeed/internal/lifecycle"
	"pricefeed/internal/metrics"
	"pricefeed/logger"
	"pricefeed/models"
	"pricefeed/processor"
	"pricefeed/reader/funding"
	"pricefeed/writer"
)

// Config is the resolved configuration of one streaming connector.
type Config struct {
	ID               string
	Exchange         string
	URL              string
	Symbols          []string
	StripList        []string
	Depth            int
	TradeCapacity    int
	DedupeTrades     bool
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	LocalIP          string
	UserAgent        string
	Backoff          lifecycle.BackoffPolicy
}

// Status is what the orchestrator reports for a connector.
type Status struct {
	ID           string    `json:"id"`
	Exchange     string    `json:"exchange"`
	State        string    `json:"state"`
	DataCount    int64     `json:"data_count"`
	LastUpdate   time.Time `json:"last_update"`
	RetryCount   int       `json:"retry_count"`
	LastError    string    `json:"last_error,omitempty"`
	Messages     int64     `json:"messages"`
	DecodeErrors int64     `json:"decode_errors"`
	Gaps         int64     `json:"sequence_gaps"`
	PublishFails int64     `json:"publish_errors"`
}

// Connector streams one exchange endpoint into the shared store. Book and
// trade state is owned by the session goroutine.
type Connector struct {
	cfg       Config
	decoder   Decoder
	publisher *writer.Publisher
	dialer    *websocket.Dialer
	machine   *lifecycle.Machine
	log       *logger.Log

	normalizer *processor.Normalizer
	books      *processor.BookKeeper
	trades     *processor.TradeWindows

	poller       *funding.Poller
	pollerMu     sync.Mutex
	pollerCancel context.CancelFunc
	pollerDone   chan struct{}

	messages     atomic.Int64
	decodeErrors atomic.Int64
	gaps         atomic.Int64
}

// Option customises a Connector.
type Option func(*Connector)

// WithFundingPoller runs p alongside the stream for the connector's lifetime.
func WithFundingPoller(p *funding.Poller) Option {
	return func(c *Connector) { c.poller = p }
}

// WithDialer replaces the session dialer.
func WithDialer(d lifecycle.Dialer) Option {
	return func(c *Connector) {
		c.machine = c.newMachine(d)
	}
}

func NewConnector(cfg Config, decoder Decoder, publisher *writer.Publisher, opts ...Option) (*Connector, error) {
	if cfg.ID == "" {
		return nil, &models.ConfigError{Field: "id", Reason: "connector id is required"}
	}
	if decoder == nil {
		return nil, &models.ConfigError{Connector: cfg.ID, Field: "exchange", Reason: "no decoder"}
	}
	dialer, err := newDialer(cfg.LocalIP)
	if err != nil {
		return nil, &models.ConfigError{Connector: cfg.ID, Field: "local_ip", Reason: err.Error()}
	}

	c := &Connector{
		cfg:        cfg,
		decoder:    decoder,
		publisher:  publisher,
		dialer:     dialer,
		log:        logger.GetLogger(),
		normalizer: processor.NewNormalizer(cfg.Exchange, cfg.StripList),
		books:      processor.NewBookKeeper(cfg.Depth),
		trades:     processor.NewTradeWindows(cfg.TradeCapacity, cfg.DedupeTrades),
	}
	c.machine = c.newMachine(lifecycle.DialFunc(c.dial))
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Connector) newMachine(d lifecycle.Dialer) *lifecycle.Machine {
	return lifecycle.NewMachine(c.cfg.ID, d, lifecycle.Options{
		Backoff:      c.cfg.Backoff,
		OnTransition: c.onTransition,
		Log:          c.log,
	})
}

func (c *Connector) ID() string { return c.cfg.ID }

func (c *Connector) entry() *logger.Entry {
	return c.log.WithComponent("connector").WithFields(logger.Fields{
		"connector": c.cfg.ID,
		"exchange":  c.cfg.Exchange,
	})
}

// Start launches the stream and, when configured, the funding poller.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.machine.Start(ctx); err != nil {
		return err
	}
	c.entry().WithFields(logger.Fields{"symbols": c.cfg.Symbols, "url": c.cfg.URL}).Info("connector started")

	if c.poller != nil {
		pctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		c.pollerMu.Lock()
		c.pollerCancel, c.pollerDone = cancel, done
		c.pollerMu.Unlock()
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					c.entry().WithFields(logger.Fields{"panic": r}).Error("funding poller panicked")
				}
			}()
			c.poller.Run(pctx)
		}()
	}
	return nil
}

// Stop cancels the stream and poller and waits for both until ctx expires.
func (c *Connector) Stop(ctx context.Context) error {
	c.pollerMu.Lock()
	cancel, done := c.pollerCancel, c.pollerDone
	c.pollerCancel, c.pollerDone = nil, nil
	c.pollerMu.Unlock()
	if cancel != nil {
		cancel()
	}

	err := c.machine.Stop(ctx)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = fmt.Errorf("%s: funding poller: %w", c.cfg.ID, ctx.Err())
			}
		}
	}
	c.entry().Info("connector stopped")
	return err
}

// Done is closed when the stream loop has exited.
func (c *Connector) Done() <-chan struct{} {
	return c.machine.Done()
}

func (c *Connector) Status() Status {
	st := c.machine.State()
	return Status{
		ID:           c.cfg.ID,
		Exchange:     c.cfg.Exchange,
		State:        st.Status.String(),
		DataCount:    c.publisher.Published(),
		LastUpdate:   c.publisher.LastWrite(),
		RetryCount:   st.RetryCount,
		LastError:    st.LastError,
		Messages:     c.messages.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		Gaps:         c.gaps.Load(),
		PublishFails: c.publisher.Failed(),
	}
}

// State exposes the lifecycle state.
func (c *Connector) State() lifecycle.State {
	return c.machine.State()
}

func (c *Connector) onTransition(from, to lifecycle.Status, st lifecycle.State) {
	metrics.SetState(c.cfg.ID, int(to))
	switch to {
	case lifecycle.Backoff:
		metrics.IncReconnect(c.cfg.ID)
	case lifecycle.Streaming:
		c.entry().Info("streaming")
	}
}

// handle processes one inbound frame. send writes back on the same session;
// ctx bounds the publishes so a stop never waits on an unreachable store.
func (c *Connector) handle(ctx context.Context, msg []byte, received time.Time, send func([]byte) error) {
	c.messages.Add(1)
	logger.RecordStreamMessage(c.cfg.ID, len(msg))

	if r, ok := c.decoder.(Responder); ok && send != nil {
		for _, reply := range r.Respond(msg) {
			if err := send(reply); err != nil {
				c.entry().WithError(err).Warn("failed to answer control frame")
				break
			}
		}
	}

	events, err := c.decoder.Decode(msg, received)
	if err != nil {
		c.decodeErrors.Add(1)
		metrics.EmitDropMetric(c.log, metrics.DropDecode, c.cfg.ID, c.cfg.Exchange, "")
		c.entry().WithError(err).Debug("dropping undecodable message")
	}

	for i := range events {
		ev := &events[i]
		metrics.IncMessage(c.cfg.ID, ev.Kind.String())
		switch ev.Kind {
		case models.KindTicker:
			c.handleTicker(ctx, ev.Ticker)
		case models.KindOrderBook:
			c.handleBook(ctx, ev.OrderBook, send)
		case models.KindTrade:
			c.handleTrades(ctx, ev.Trades)
		}
	}
}

func (c *Connector) handleTicker(ctx context.Context, raw *models.RawTicker) {
	rec, err := c.normalizer.Normalize(*raw)
	if err != nil {
		c.decodeErrors.Add(1)
		metrics.EmitDropMetric(c.log, metrics.DropDecode, c.cfg.ID, c.cfg.Exchange, raw.SourceSymbol)
		c.entry().WithError(err).Debug("dropping invalid ticker")
		return
	}
	if err := c.publisher.PublishTicker(ctx, rec); err != nil {
		metrics.EmitDropMetric(c.log, metrics.DropPublish, c.cfg.ID, c.cfg.Exchange, rec.Symbol)
		return
	}
	metrics.IncPublished(c.cfg.ID, "ticker")
}

func (c *Connector) handleBook(ctx context.Context, ev *models.OrderBookEvent, send func([]byte) error) {
	source := ev.SourceSymbol
	err := c.books.Apply(source, ev)

	var gap *models.SequenceGapError
	switch {
	case err == nil:
	case errors.As(err, &gap):
		c.gaps.Add(1)
		metrics.EmitDropMetric(c.log, metrics.DropSequenceGap, c.cfg.ID, c.cfg.Exchange, source)
		c.entry().WithError(err).Warn("sequence gap, awaiting fresh snapshot")
		c.resync(source, send)
		return
	case errors.Is(err, models.ErrNoSnapshot):
		metrics.EmitDropMetric(c.log, metrics.DropNoSnapshot, c.cfg.ID, c.cfg.Exchange, source)
		c.entry().WithFields(logger.Fields{"symbol": source}).Debug("delta before snapshot ignored")
		return
	case errors.Is(err, processor.ErrCrossedBook):
		metrics.EmitDropMetric(c.log, metrics.DropCrossedBook, c.cfg.ID, c.cfg.Exchange, source)
		c.entry().WithFields(logger.Fields{"symbol": source}).Warn("crossed book discarded, awaiting fresh snapshot")
		c.resync(source, send)
		return
	default:
		c.entry().WithError(err).Warn("order book update rejected")
		return
	}

	ranked, ok := c.books.Rank(source, 0)
	if !ok {
		return
	}
	err = c.publisher.PublishOrderBook(ctx, writer.OrderBook{
		Symbol:       c.normalizer.Symbol(source),
		SourceSymbol: source,
		Bids:         ranked.Bids,
		Asks:         ranked.Asks,
		Spread:       ranked.Spread,
		MidPrice:     ranked.MidPrice,
		UpdateID:     ranked.UpdateID,
		Timestamp:    ranked.Timestamp,
	})
	if err != nil {
		metrics.EmitDropMetric(c.log, metrics.DropPublish, c.cfg.ID, c.cfg.Exchange, source)
		return
	}
	metrics.IncPublished(c.cfg.ID, "orderbook")
}

func (c *Connector) resync(source string, send func([]byte) error) {
	r, ok := c.decoder.(Resyncer)
	if !ok || send == nil {
		return
	}
	for _, msg := range r.ResyncMessages(source) {
		if err := send(msg); err != nil {
			c.entry().WithError(err).Warn("failed to request fresh snapshot")
			return
		}
	}
}

func (c *Connector) handleTrades(ctx context.Context, ev *models.TradeEvent) {
	symbol := c.normalizer.Symbol(ev.SourceSymbol)
	valid := make([]models.Trade, 0, len(ev.Trades))
	for _, tr := range ev.Trades {
		if processor.ValidPrice(tr.Price) && tr.Quantity > 0 {
			valid = append(valid, tr)
		}
	}
	if c.trades.Append(symbol, valid...) == 0 {
		return
	}
	window, _ := c.trades.Snapshot(symbol)
	if err := c.publisher.PublishTrades(ctx, symbol, ev.SourceSymbol, window); err != nil {
		metrics.EmitDropMetric(c.log, metrics.DropPublish, c.cfg.ID, c.cfg.Exchange, symbol)
		return
	}
	metrics.IncPublished(c.cfg.ID, "trades")
}
