package models

import "time"

// RawTicker is a ticker as decoded from the wire, before symbol normalisation.
// Nil optional fields were absent in the message.
type RawTicker struct {
	SourceSymbol         string
	LastPrice            float64
	Volume24h            *float64
	High24h              *float64
	Low24h               *float64
	PriceChangePct       *float64
	MarkPrice            *float64
	OpenInterest         *float64
	CurrentFundingRate   *float64
	EstimatedFundingRate *float64
	FundingTimestamp     *time.Time
	ObservedAt           time.Time
}

// TickerRecord is the canonical per-symbol price record.
type TickerRecord struct {
	Symbol               string
	SourceSymbol         string
	LastPrice            float64
	Volume24h            *float64
	High24h              *float64
	Low24h               *float64
	PriceChangePct       *float64
	MarkPrice            *float64
	OpenInterest         *float64
	CurrentFundingRate   *float64
	EstimatedFundingRate *float64
	FundingTimestamp     *time.Time
	ObservedAt           time.Time
}

// FundingRate is one funding observation merged into an existing ticker record.
type FundingRate struct {
	Symbol       string
	SourceSymbol string
	Current      *float64
	Estimated    *float64
	FundingTime  *time.Time
	ObservedAt   time.Time
}

// Float returns a pointer to v. Decoders use it for optional fields.
func Float(v float64) *float64 {
	return &v
}
