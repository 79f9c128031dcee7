package funding

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pricefeed/models"
)

const DefaultCoinDCXURL = "https://futures.coindcx.com/exchange/v1/funding_rate/v2"

// CoinDCX reads the public funding rate table, which lists every
// instrument in one response.
type CoinDCX struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

func NewCoinDCX(opts HTTPOptions) (*CoinDCX, error) {
	client, err := NewHTTPClient(opts)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(opts.BaseURL)
	if endpoint == "" {
		endpoint = DefaultCoinDCXURL
	}
	return &CoinDCX{
		url:     endpoint,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		now:     time.Now,
	}, nil
}

func (c *CoinDCX) Name() string { return "coindcx" }

type coindcxResponse struct {
	Prices map[string]struct {
		FR  json.RawMessage `json:"fr"`
		EFR json.RawMessage `json:"efr"`
	} `json:"prices"`
}

func (c *CoinDCX) Fetch(ctx context.Context, symbols []string) ([]models.FundingRate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var payload coindcxResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode coindcx funding response: %w", err)
	}
	if payload.Prices == nil {
		return nil, fmt.Errorf("coindcx funding response has no prices")
	}

	observed := c.now().UTC()
	var out []models.FundingRate
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		entry, ok := payload.Prices[sym]
		if !ok {
			continue
		}
		current, ok := finite(entry.FR)
		if !ok {
			continue
		}
		fr := models.FundingRate{SourceSymbol: sym, Current: &current, ObservedAt: observed}
		if est, ok := finite(entry.EFR); ok {
			fr.Estimated = &est
		}
		out = append(out, fr)
	}
	return out, nil
}

func finite(raw json.RawMessage) (float64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
