package orchestrator

import (
	"fmt"
	"strings"

	"pricefeed/config"
	"pricefeed/internal/lifecycle"
	"pricefeed/logger"
	"pricefeed/models"
	"pricefeed/reader"
	"pricefeed/reader/binance"
	"pricefeed/reader/bybit"
	"pricefeed/reader/coindcx"
	"pricefeed/reader/delta"
	"pricefeed/reader/funding"
	"pricefeed/reader/hyperliquid"
	"pricefeed/reader/options"
	"pricefeed/writer"
)

// DefaultDecoders maps exchange names to their stream decoders.
func DefaultDecoders() map[string]reader.DecoderFactory {
	return map[string]reader.DecoderFactory{
		"bybit":       bybit.New,
		"binance":     binance.New,
		"hyperliquid": hyperliquid.New,
		"delta":       delta.New,
		"coindcx":     coindcx.New,
	}
}

// Builder turns connector configuration into services.
type Builder struct {
	Store    writer.Store
	Decoders map[string]reader.DecoderFactory
	// UserAgent is sent on websocket handshakes.
	UserAgent string
	// Options are applied to every streaming connector.
	Options []reader.Option
}

// Build constructs every enabled connector. A connector whose configuration
// or construction fails is left out and its error returned alongside the
// services that did build.
func (b Builder) Build(cfgs []config.ConnectorConfig) ([]Service, []error) {
	log := logger.GetLogger().WithComponent("orchestrator")
	decoders := b.Decoders
	if decoders == nil {
		decoders = DefaultDecoders()
	}

	var (
		services []Service
		errs     []error
	)
	for _, c := range cfgs {
		if !c.IsEnabled() {
			log.WithFields(logger.Fields{"connector": c.ID}).Info("connector disabled")
			continue
		}
		svc, err := b.build(c, decoders)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"connector": c.ID,
				"exchange":  c.Exchange,
			}).Error("connector skipped")
			errs = append(errs, err)
			continue
		}
		services = append(services, svc)
	}
	return services, errs
}

func (b Builder) build(c config.ConnectorConfig, decoders map[string]reader.DecoderFactory) (Service, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	pub := writer.NewPublisher(b.Store, writer.PublisherConfig{
		Connector: c.ID,
		Prefix:    c.StoreKeyPrefix,
		TTL:       c.RecordTTL,
		Extra:     c.Extra,
	})

	var poller *funding.Poller
	if c.Funding != nil {
		source, err := newFundingSource(c, b.UserAgent)
		if err != nil {
			return nil, err
		}
		poller, err = funding.NewPoller(funding.Config{
			Connector: c.ID,
			Exchange:  c.Exchange,
			Symbols:   c.Funding.Symbols,
			StripList: c.QuoteCurrencyStripList,
			Interval:  c.Funding.Interval,
			Timeout:   c.Funding.Timeout,
		}, source, pub)
		if err != nil {
			return nil, err
		}
	}

	if !c.Streams() {
		return newFundingService(c.ID, c.Exchange, poller, pub), nil
	}

	factory, ok := decoders[c.Exchange]
	if !ok {
		return nil, &models.ConfigError{Connector: c.ID, Field: "exchange", Reason: "unsupported exchange " + c.Exchange}
	}
	decOpts := reader.Options{
		Market:    c.Market,
		Symbols:   c.Symbols,
		Depth:     c.Depth,
		Ticker:    c.Ticker(),
		OrderBook: c.OrderbookEnabled,
		Trades:    c.TradesEnabled,
	}
	var dec reader.Decoder
	if c.Discovery != nil {
		lister, err := newOptionLister(c, b.UserAgent)
		if err != nil {
			return nil, err
		}
		dec = options.New(lister, factory, decOpts, options.Selection{
			Underlyings:   c.Discovery.Underlyings,
			PerUnderlying: c.Discovery.PerUnderlying,
			All:           c.Discovery.All,
			Max:           c.Discovery.MaxSymbols,
		}, c.Discovery.Timeout)
	} else {
		var err error
		dec, err = factory(decOpts)
		if err != nil {
			return nil, fmt.Errorf("%s: decoder: %w", c.ID, err)
		}
	}

	opts := append([]reader.Option(nil), b.Options...)
	if poller != nil {
		opts = append(opts, reader.WithFundingPoller(poller))
	}
	conn, err := reader.NewConnector(reader.Config{
		ID:               c.ID,
		Exchange:         c.Exchange,
		URL:              c.TransportURL,
		Symbols:          c.Symbols,
		StripList:        c.QuoteCurrencyStripList,
		Depth:            c.Depth,
		TradeCapacity:    c.TradeWindowCapacity,
		DedupeTrades:     c.DedupeTrades != nil && *c.DedupeTrades,
		HeartbeatTimeout: c.HeartbeatTimeout,
		PingInterval:     c.PingInterval,
		LocalIP:          c.LocalIP,
		UserAgent:        b.UserAgent,
		Backoff: lifecycle.BackoffPolicy{
			Base:   c.ReconnectBaseDelay,
			Max:    c.ReconnectMaxDelay,
			Jitter: c.ReconnectJitter,
		},
	}, dec, pub, opts...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func newFundingSource(c config.ConnectorConfig, userAgent string) (funding.Source, error) {
	opts := funding.HTTPOptions{
		BaseURL:   c.Funding.URL,
		Timeout:   c.Funding.Timeout,
		LocalIP:   c.LocalIP,
		UserAgent: userAgent,
	}
	var (
		source funding.Source
		err    error
	)
	switch strings.ToLower(c.Funding.Source) {
	case "coindcx":
		source, err = funding.NewCoinDCX(opts)
	case "binance":
		source, err = funding.NewBinance(opts)
	case "bybit":
		source, err = funding.NewBybit(opts, c.Funding.Category)
	default:
		return nil, &models.ConfigError{Connector: c.ID, Field: "funding.source", Reason: "unknown source " + c.Funding.Source}
	}
	if err != nil {
		return nil, &models.ConfigError{Connector: c.ID, Field: "funding", Reason: err.Error()}
	}
	return source, nil
}

func newOptionLister(c config.ConnectorConfig, userAgent string) (options.Lister, error) {
	opts := funding.HTTPOptions{
		BaseURL:   c.Discovery.URL,
		Timeout:   c.Discovery.Timeout,
		LocalIP:   c.LocalIP,
		UserAgent: userAgent,
	}
	var (
		lister options.Lister
		err    error
	)
	switch c.Exchange {
	case "bybit":
		lister, err = options.NewBybit(opts, c.Discovery.Underlyings)
	case "delta":
		lister, err = options.NewDelta(opts)
	default:
		return nil, &models.ConfigError{Connector: c.ID, Field: "discovery", Reason: "not supported for exchange " + c.Exchange}
	}
	if err != nil {
		return nil, &models.ConfigError{Connector: c.ID, Field: "discovery", Reason: err.Error()}
	}
	return lister, nil
}
