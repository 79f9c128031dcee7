package options

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"pricefeed/reader/funding"
)

// Bybit lists option instruments per base coin. The listing is paged and
// carries no open interest, so chains keep the venue's order.
type Bybit struct {
	client *bybit.Client
	coins  []string
}

func NewBybit(opts funding.HTTPOptions, coins []string) (*Bybit, error) {
	base := funding.DefaultBybitURL
	if opts.BaseURL != "" {
		base = strings.TrimRight(opts.BaseURL, "/")
	}
	httpClient, err := funding.NewHTTPClient(opts)
	if err != nil {
		return nil, err
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = httpClient
	if len(coins) == 0 {
		coins = []string{"BTC", "ETH"}
	}
	return &Bybit{client: client, coins: coins}, nil
}

func (b *Bybit) Name() string { return "bybit" }

type bybitInstruments struct {
	NextPageCursor string `json:"nextPageCursor"`
	List           []struct {
		Symbol      string `json:"symbol"`
		BaseCoin    string `json:"baseCoin"`
		OptionsType string `json:"optionsType"`
		Status      string `json:"status"`
	} `json:"list"`
}

// maxPages bounds one coin's listing in case the cursor never clears.
const maxPages = 20

func (b *Bybit) List(ctx context.Context) ([]Instrument, error) {
	var out []Instrument
	for _, coin := range b.coins {
		cursor := ""
		for page := 0; page < maxPages; page++ {
			params := map[string]interface{}{
				"category": "option",
				"baseCoin": strings.ToUpper(coin),
				"limit":    1000,
			}
			if cursor != "" {
				params["cursor"] = cursor
			}
			res, err := b.page(ctx, params)
			if err != nil {
				return nil, fmt.Errorf("%s options: %w", coin, err)
			}
			for _, it := range res.List {
				if it.Status != "" && it.Status != "Trading" {
					continue
				}
				out = append(out, Instrument{
					Symbol:     it.Symbol,
					Underlying: it.BaseCoin,
					Put:        strings.EqualFold(it.OptionsType, "Put"),
				})
			}
			cursor = res.NextPageCursor
			if cursor == "" || len(res.List) == 0 {
				break
			}
		}
	}
	return out, nil
}

func (b *Bybit) page(ctx context.Context, params map[string]interface{}) (*bybitInstruments, error) {
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("instruments info: %w", err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("instruments info: %d %s", resp.RetCode, resp.RetMsg)
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal instruments: %w", err)
	}
	var res bybitInstruments
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	return &res, nil
}
