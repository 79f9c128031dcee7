package funding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"pricefeed/models"
)

// Binance reads USD-M premium index entries, which carry the last funding
// rate and the next funding time.
type Binance struct {
	client *futures.Client
	now    func() time.Time
}

func NewBinance(opts HTTPOptions) (*Binance, error) {
	httpClient, err := NewHTTPClient(opts)
	if err != nil {
		return nil, err
	}
	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	if opts.BaseURL != "" {
		client.SetApiEndpoint(baseOf(opts.BaseURL))
	}
	return &Binance{client: client, now: time.Now}, nil
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) Fetch(ctx context.Context, symbols []string) ([]models.FundingRate, error) {
	entries, err := b.client.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("premium index: %w", err)
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[strings.ToUpper(strings.TrimSpace(s))] = true
	}

	observed := b.now().UTC()
	var out []models.FundingRate
	for _, e := range entries {
		if e == nil || !wanted[e.Symbol] {
			continue
		}
		rate, ok := finite([]byte(e.LastFundingRate))
		if !ok {
			continue
		}
		fr := models.FundingRate{SourceSymbol: e.Symbol, Current: &rate, ObservedAt: observed}
		if e.NextFundingTime > 0 {
			t := time.UnixMilli(e.NextFundingTime).UTC()
			fr.FundingTime = &t
		}
		out = append(out, fr)
	}
	return out, nil
}
