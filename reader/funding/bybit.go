package funding

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"pricefeed/models"
)

const DefaultBybitURL = "https://api.bybit.com"

// Bybit reads linear tickers, which include the current funding rate.
type Bybit struct {
	client   *bybit.Client
	category string
	now      func() time.Time
}

func NewBybit(opts HTTPOptions, category string) (*Bybit, error) {
	base := DefaultBybitURL
	if opts.BaseURL != "" {
		base = baseOf(opts.BaseURL)
	}
	httpClient, err := NewHTTPClient(opts)
	if err != nil {
		return nil, err
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = httpClient
	if category == "" {
		category = "linear"
	}
	return &Bybit{client: client, category: category, now: time.Now}, nil
}

func (b *Bybit) Name() string { return "bybit" }

type bybitTickers struct {
	List []struct {
		Symbol          string `json:"symbol"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	} `json:"list"`
}

func (b *Bybit) Fetch(ctx context.Context, symbols []string) ([]models.FundingRate, error) {
	params := map[string]interface{}{"category": b.category}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("market tickers: %w", err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("market tickers: %d %s", resp.RetCode, resp.RetMsg)
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal tickers: %w", err)
	}
	var result bybitTickers
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	observed := b.now().UTC()
	var out []models.FundingRate
	for _, t := range result.List {
		if !wanted[t.Symbol] {
			continue
		}
		rate, ok := finite([]byte(t.FundingRate))
		if !ok {
			continue
		}
		fr := models.FundingRate{SourceSymbol: t.Symbol, Current: &rate, ObservedAt: observed}
		if ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64); err == nil && ms > 0 {
			ts := time.UnixMilli(ms).UTC()
			fr.FundingTime = &ts
		}
		out = append(out, fr)
	}
	return out, nil
}
