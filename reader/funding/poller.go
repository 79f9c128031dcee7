package funding

import (
	"context"
	"fmt"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/symbols"
	"pricefeed/logger"
	"pricefeed/models"
)

const (
	DefaultInterval = 30 * time.Minute
	DefaultTimeout  = 10 * time.Second
)

// Source fetches current funding rates for a set of venue symbols.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbols []string) ([]models.FundingRate, error)
}

// Merger receives funding rates keyed by canonical symbol.
type Merger interface {
	MergeFunding(ctx context.Context, fr models.FundingRate) error
}

type Config struct {
	Connector string
	Exchange  string
	Symbols   []string
	StripList []string
	Interval  time.Duration
	Timeout   time.Duration
}

// Poller periodically merges funding rates into published ticker records.
type Poller struct {
	cfg    Config
	source Source
	merger Merger
	base   *logger.Log
	log    *logger.Entry
	now    func() time.Time
}

func NewPoller(cfg Config, source Source, merger Merger) (*Poller, error) {
	if source == nil || merger == nil {
		return nil, &models.ConfigError{Connector: cfg.Connector, Field: "funding", Reason: "source and merger are required"}
	}
	if len(cfg.Symbols) == 0 {
		return nil, &models.ConfigError{Connector: cfg.Connector, Field: "funding.symbols", Reason: "at least one symbol is required"}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	base := logger.GetLogger()
	return &Poller{
		cfg:    cfg,
		source: source,
		merger: merger,
		base:   base,
		log: base.WithComponent("funding_poller").WithFields(logger.Fields{
			"connector": cfg.Connector,
			"source":    source.Name(),
		}),
		now: time.Now,
	}, nil
}

// Run polls immediately and then every interval until ctx is cancelled.
// A failed poll is logged and the cycle skipped; the cadence never changes.
func (p *Poller) Run(ctx context.Context) {
	p.log.WithFields(logger.Fields{
		"symbols":  p.cfg.Symbols,
		"interval": p.cfg.Interval.String(),
	}).Info("funding poller started")
	defer p.log.Info("funding poller stopped")

	for {
		if _, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.WithError(err).Warn("funding poll failed")
			metrics.EmitDropMetric(p.base, metrics.DropFunding, p.cfg.Connector, p.cfg.Exchange, "")
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Poll runs one fetch and merge cycle, returning how many symbols were updated.
// A panic in the source or merger is returned as an error.
func (p *Poller) Poll(ctx context.Context) (updated int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: poll panic: %v", p.source.Name(), r)
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := p.now()
	rates, err := p.source.Fetch(fctx, p.cfg.Symbols)
	if err != nil {
		return 0, fmt.Errorf("%s: fetch: %w", p.source.Name(), err)
	}
	logger.LogPerformanceEntry(p.log, "funding_poller", "fetch", p.now().Sub(start), logger.Fields{"rates": len(rates)})

	for _, fr := range rates {
		if fr.Current == nil {
			continue
		}
		if fr.ObservedAt.IsZero() {
			fr.ObservedAt = p.now().UTC()
		}
		if fr.FundingTime == nil {
			t := fr.ObservedAt
			fr.FundingTime = &t
		}
		fr.Symbol = symbols.Canonical(fr.SourceSymbol, p.cfg.StripList)
		if err := p.merger.MergeFunding(ctx, fr); err != nil {
			p.log.WithError(err).WithFields(logger.Fields{"symbol": fr.Symbol}).Warn("failed to merge funding rate")
			metrics.EmitDropMetric(p.base, metrics.DropFunding, p.cfg.Connector, p.cfg.Exchange, fr.Symbol)
			continue
		}
		updated++
	}
	p.log.WithFields(logger.Fields{"updated": updated}).Info("funding rates updated")
	return updated, nil
}
