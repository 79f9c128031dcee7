package options

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"pricefeed/reader"
	"pricefeed/reader/funding"
)

const DefaultDeltaURL = "https://api.india.delta.exchange/v2/tickers"

// Delta lists live option tickers, which include open interest.
type Delta struct {
	url    string
	client *http.Client
}

func NewDelta(opts funding.HTTPOptions) (*Delta, error) {
	client, err := funding.NewHTTPClient(opts)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(opts.BaseURL)
	if endpoint == "" {
		endpoint = DefaultDeltaURL
	}
	return &Delta{url: endpoint, client: client}, nil
}

func (d *Delta) Name() string { return "delta" }

type deltaTickers struct {
	Success bool            `json:"success"`
	Error   json.RawMessage `json:"error"`
	Result  []struct {
		Symbol       string          `json:"symbol"`
		Underlying   string          `json:"underlying_asset_symbol"`
		ContractType string          `json:"contract_type"`
		OI           json.RawMessage `json:"oi"`
	} `json:"result"`
}

func (d *Delta) List(ctx context.Context) ([]Instrument, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("contract_types", "call_options,put_options")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var payload deltaTickers
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode delta tickers: %w", err)
	}
	if !payload.Success {
		return nil, fmt.Errorf("delta tickers: %s", strings.TrimSpace(string(payload.Error)))
	}

	out := make([]Instrument, 0, len(payload.Result))
	for _, t := range payload.Result {
		put := t.ContractType == "put_options" || strings.HasPrefix(t.Symbol, "P-")
		if !put && t.ContractType != "call_options" && !strings.HasPrefix(t.Symbol, "C-") {
			continue
		}
		oi, _ := reader.ParseFloat(t.OI)
		out = append(out, Instrument{
			Symbol:       t.Symbol,
			Underlying:   t.Underlying,
			Put:          put,
			OpenInterest: oi,
		})
	}
	return out, nil
}
