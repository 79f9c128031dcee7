package funding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinDCXFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prices":{"B-BTC_USDT":{"fr":0.0001,"efr":"0.00015"},"B-ETH_USDT":{"fr":"bad"},"B-SOL_USDT":{"fr":0.0003}}}`))
	}))
	defer srv.Close()

	src, err := NewCoinDCX(HTTPOptions{BaseURL: srv.URL})
	require.NoError(t, err)
	rates, err := src.Fetch(context.Background(), []string{"b-btc_usdt", "B-ETH_USDT", "B-XRP_USDT"})
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "B-BTC_USDT", rates[0].SourceSymbol)
	assert.Equal(t, 0.0001, *rates[0].Current)
	assert.Equal(t, 0.00015, *rates[0].Estimated)
}

func TestCoinDCXFetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"status", http.StatusBadGateway, `{}`},
		{"not json", http.StatusOK, `<html>`},
		{"no prices", http.StatusOK, `{"data":[]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			src, err := NewCoinDCX(HTTPOptions{BaseURL: srv.URL})
			require.NoError(t, err)
			_, err = src.Fetch(context.Background(), []string{"B-BTC_USDT"})
			assert.Error(t, err)
		})
	}
}

func TestBinanceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","markPrice":"43000","indexPrice":"42990","lastFundingRate":"0.00010000","nextFundingTime":1700006400000,"interestRate":"0.0001","time":1700000000000},
			{"symbol":"DOGEUSDT","markPrice":"0.08","lastFundingRate":"0.0002","nextFundingTime":1700006400000,"time":1700000000000}
		]`))
	}))
	defer srv.Close()

	src, err := NewBinance(HTTPOptions{BaseURL: srv.URL})
	require.NoError(t, err)
	rates, err := src.Fetch(context.Background(), []string{"btcusdt"})
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, 0.0001, *rates[0].Current)
	require.NotNil(t, rates[0].FundingTime)
	assert.Equal(t, int64(1700006400000), rates[0].FundingTime.UnixMilli())
}

func TestBybitFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/tickers", r.URL.Path)
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"linear","list":[
			{"symbol":"BTCUSDT","lastPrice":"43000","fundingRate":"-0.00005","nextFundingTime":"1700006400000"},
			{"symbol":"ETHUSDT","lastPrice":"2300","fundingRate":"","nextFundingTime":"0"}
		]},"time":1700000000000}`))
	}))
	defer srv.Close()

	src, err := NewBybit(HTTPOptions{BaseURL: srv.URL}, "")
	require.NoError(t, err)
	rates, err := src.Fetch(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, -0.00005, *rates[0].Current)
	assert.Equal(t, int64(1700006400000), rates[0].FundingTime.UnixMilli())
}

func TestNewHTTPClientRejectsBadLocalIP(t *testing.T) {
	_, err := NewHTTPClient(HTTPOptions{LocalIP: "not-an-ip"})
	assert.Error(t, err)
}

func TestBaseOf(t *testing.T) {
	assert.Equal(t, "https://fapi.binance.com", baseOf("https://fapi.binance.com/fapi/v1/premiumIndex"))
	assert.Equal(t, "relative/path", baseOf("relative/path"))
}

func TestHTTPClientSendsUserAgent(t *testing.T) {
	agents := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"prices":{}}`))
	}))
	defer srv.Close()

	src, err := NewCoinDCX(HTTPOptions{BaseURL: srv.URL, UserAgent: "pricefeed/1.0.0"})
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), []string{"B-BTC_USDT"})
	require.NoError(t, err)
	assert.Equal(t, "pricefeed/1.0.0", <-agents)
}
