package processor

import (
	"math"
	"time"

	"pricefeed/internal/symbols"
	"pricefeed/models"
)

// Normalizer turns decoded tickers into canonical records.
type Normalizer struct {
	exchange string
	strip    []string
	now      func() time.Time
}

func NewNormalizer(exchange string, strip []string) *Normalizer {
	return &Normalizer{exchange: exchange, strip: strip, now: time.Now}
}

// Symbol returns the canonical symbol for an exchange instrument name.
func (n *Normalizer) Symbol(source string) string {
	return symbols.Canonical(source, n.strip)
}

// Normalize validates raw and maps it to a TickerRecord. A missing source
// symbol or a last price that is not a positive finite number yields a
// *models.DecodeError. A zero ObservedAt is filled with the current time.
func (n *Normalizer) Normalize(raw models.RawTicker) (models.TickerRecord, error) {
	if raw.SourceSymbol == "" {
		return models.TickerRecord{}, &models.DecodeError{Exchange: n.exchange, Reason: "missing source symbol"}
	}
	if !ValidPrice(raw.LastPrice) {
		return models.TickerRecord{}, &models.DecodeError{Exchange: n.exchange, Reason: "invalid last price for " + raw.SourceSymbol}
	}
	observed := raw.ObservedAt
	if observed.IsZero() {
		observed = n.now()
	}

	return models.TickerRecord{
		Symbol:               n.Symbol(raw.SourceSymbol),
		SourceSymbol:         raw.SourceSymbol,
		LastPrice:            raw.LastPrice,
		Volume24h:            raw.Volume24h,
		High24h:              raw.High24h,
		Low24h:               raw.Low24h,
		PriceChangePct:       raw.PriceChangePct,
		MarkPrice:            raw.MarkPrice,
		OpenInterest:         raw.OpenInterest,
		CurrentFundingRate:   raw.CurrentFundingRate,
		EstimatedFundingRate: raw.EstimatedFundingRate,
		FundingTimestamp:     raw.FundingTimestamp,
		ObservedAt:           observed.UTC(),
	}, nil
}

// ValidPrice reports whether p is finite and strictly positive.
func ValidPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}
