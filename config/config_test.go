package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pricefeed/models"
)

const minimalConfig = `service:
  name: "pricefeed-test"
redis:
  addr: "localhost:6379"
  ttl: 120s
connectors:
  - id: bybit_spot
    exchange: bybit
    symbols: ["BTCUSDT", "ETHUSDT"]
    quote_currency_strip_list: ["USDT"]
    orderbook_enabled: true
  - id: coindcx_funding
    exchange: coindcx
    store_key_prefix: coindcx_futures
    quote_currency_strip_list: ["B-", "_USDT"]
    funding:
      source: coindcx
      symbols: ["B-BTC_USDT"]
`

// writeTempConfig writes content to a temporary file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Service.Name != "pricefeed-test" {
		t.Errorf("unexpected name: %s", cfg.Service.Name)
	}
	if cfg.Service.ShutdownTimeout != 10*time.Second {
		t.Errorf("unexpected shutdown timeout: %s", cfg.Service.ShutdownTimeout)
	}
	if cfg.Redis.TTL != 120*time.Second {
		t.Errorf("unexpected ttl: %s", cfg.Redis.TTL)
	}
	if len(cfg.Connectors) != 2 {
		t.Fatalf("expected 2 connectors, got %d", len(cfg.Connectors))
	}

	c := cfg.Connectors[0]
	if c.Market != "spot" || c.TransportURL != "wss://stream.bybit.com/v5/public/spot" {
		t.Errorf("unexpected market defaults: %s %s", c.Market, c.TransportURL)
	}
	if c.StoreKeyPrefix != "bybit_spot" || c.RecordTTL != 120*time.Second {
		t.Errorf("unexpected store defaults: %s %s", c.StoreKeyPrefix, c.RecordTTL)
	}
	if c.ReconnectBaseDelay != 5*time.Second || c.ReconnectMaxDelay != 60*time.Second {
		t.Errorf("unexpected backoff defaults: %s %s", c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	}
	if !c.IsEnabled() || !c.Ticker() || *c.DedupeTrades {
		t.Errorf("unexpected flag defaults: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	f := cfg.Connectors[1]
	if f.Streams() {
		t.Errorf("funding-only connector should not stream")
	}
	if f.Funding.Interval != 1800*time.Second || f.Funding.Timeout != 10*time.Second {
		t.Errorf("unexpected funding defaults: %+v", f.Funding)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TTL", "300")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" || cfg.Redis.DB != 3 {
		t.Errorf("unexpected redis settings: %+v", cfg.Redis)
	}
	if cfg.Redis.TTL != 300*time.Second {
		t.Errorf("unexpected ttl: %s", cfg.Redis.TTL)
	}
	// connector record ttl follows the store default when unset
	if cfg.Connectors[0].RecordTTL != 300*time.Second {
		t.Errorf("unexpected record ttl: %s", cfg.Connectors[0].RecordTTL)
	}

	t.Setenv("REDIS_DB", "three")
	if _, err := LoadConfig(writeTempConfig(t, minimalConfig)); err == nil {
		t.Fatal("expected error for invalid REDIS_DB")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad yaml", "service: ["},
		{"unknown driver", "redis:\n  driver: etcd\n"},
		{"duplicate ids", "connectors:\n  - id: a\n    exchange: bybit\n  - id: a\n    exchange: bybit\n"},
		{"cloudwatch without region", "cloudwatch:\n  enabled: true\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv("AWS_REGION", "")
			if _, err := LoadConfig(writeTempConfig(t, c.content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMemoryDriverRejectedInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if _, err := Parse([]byte("redis:\n  driver: memory\n")); err == nil {
		t.Fatal("expected memory driver to be rejected")
	}
	t.Setenv("APP_ENV", "")
	if _, err := Parse([]byte("redis:\n  driver: memory\n")); err != nil {
		t.Fatalf("memory driver in development: %v", err)
	}
}

func TestConnectorValidate(t *testing.T) {
	valid := func() ConnectorConfig {
		c := ConnectorConfig{ID: "bybit_spot", Exchange: "bybit", Symbols: []string{"BTCUSDT"}}
		applyConnectorDefaults(&c, time.Minute)
		return c
	}
	no := false

	cases := []struct {
		name   string
		mutate func(*ConnectorConfig)
		field  string
	}{
		{"ok", func(*ConnectorConfig) {}, ""},
		{"missing id", func(c *ConnectorConfig) { c.ID = "" }, "id"},
		{"bad id", func(c *ConnectorConfig) { c.ID = "bybit spot" }, "id"},
		{"bad url", func(c *ConnectorConfig) { c.TransportURL = "https://example.com" }, "transport_url"},
		{"bad symbol", func(c *ConnectorConfig) { c.Symbols = []string{"BTC USDT"} }, "symbols"},
		{"no symbols", func(c *ConnectorConfig) { c.Symbols = nil }, "symbols"},
		{"nothing enabled", func(c *ConnectorConfig) { c.TickerEnabled = &no }, "ticker_enabled"},
		{"max below base", func(c *ConnectorConfig) { c.ReconnectMaxDelay = time.Second }, "reconnect_max_delay"},
		{"jitter", func(c *ConnectorConfig) { c.ReconnectJitter = 1.5 }, "reconnect_jitter"},
		{"local ip", func(c *ConnectorConfig) { c.LocalIP = "10.0.0" }, "local_ip"},
		{"funding source", func(c *ConnectorConfig) {
			c.Funding = &FundingConfig{Source: "okx", Symbols: []string{"BTCUSDT"}}
		}, "funding.source"},
		{"nothing to run", func(c *ConnectorConfig) { c.TransportURL = "" }, "transport_url"},
		{"same coin twice", func(c *ConnectorConfig) {
			c.Symbols = []string{"BTCUSDT", "BTCUSDC"}
			c.QuoteCurrencyStripList = []string{"USDT", "USDC"}
		}, "symbols"},
		{"funding same coin twice", func(c *ConnectorConfig) {
			c.Funding = &FundingConfig{Source: "coindcx", Symbols: []string{"B-BTC_USDT", "b-btc_usdt"}}
		}, "funding.symbols"},
		{"discovered chain", func(c *ConnectorConfig) {
			c.Symbols = nil
			c.Discovery = &DiscoveryConfig{Underlyings: []string{"BTC"}}
		}, ""},
		{"discovery with symbols", func(c *ConnectorConfig) {
			c.Discovery = &DiscoveryConfig{}
		}, "symbols"},
		{"discovery exchange", func(c *ConnectorConfig) {
			c.Exchange, c.Symbols = "binance", nil
			c.Discovery = &DiscoveryConfig{}
		}, "discovery"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ce *models.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if ce.Field != tc.field {
				t.Errorf("field = %q, want %q", ce.Field, tc.field)
			}
		})
	}
}

func TestDiscoveryDefaults(t *testing.T) {
	c := ConnectorConfig{ID: "delta_options", Exchange: "delta", Market: "options", Discovery: &DiscoveryConfig{}}
	applyConnectorDefaults(&c, time.Minute)
	if c.TransportURL != "wss://socket.india.delta.exchange" {
		t.Errorf("transport_url = %q", c.TransportURL)
	}
	d := c.Discovery
	if len(d.Underlyings) != 2 || d.PerUnderlying != 10 || d.MaxSymbols != 500 || d.Timeout != 30*time.Second {
		t.Errorf("discovery defaults = %+v", *d)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCoinDCXStreamsOverSocketIO(t *testing.T) {
	c := ConnectorConfig{ID: "coindcx_spot", Exchange: "coindcx", Market: "spot", Symbols: []string{"B-BTC_USDT"}}
	applyConnectorDefaults(&c, time.Minute)
	if c.TransportURL != coindcxStream {
		t.Errorf("transport_url = %q", c.TransportURL)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestHyperliquidTickerOnlyNeedsNoSymbols(t *testing.T) {
	c := ConnectorConfig{ID: "hl", Exchange: "hyperliquid"}
	applyConnectorDefaults(&c, time.Minute)
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !*c.DedupeTrades {
		t.Errorf("hyperliquid should dedupe trades by default")
	}
}

func TestExpandShards(t *testing.T) {
	in := []ConnectorConfig{
		{ID: "plain", Exchange: "bybit"},
		{
			ID:       "binance_spot",
			Exchange: "binance",
			Funding:  &FundingConfig{Source: "binance"},
			Shards: []ShardConfig{
				{IP: "10.0.0.1", Symbols: []string{"BTCUSDT"}},
				{IP: "10.0.0.2", Symbols: []string{"ETHUSDT", "SOLUSDT"}},
			},
		},
	}
	out := ExpandShards(in)
	if len(out) != 3 {
		t.Fatalf("expected 3 connectors, got %d", len(out))
	}
	if out[1].ID != "binance_spot_1" || out[1].LocalIP != "10.0.0.1" || out[1].StoreKeyPrefix != "binance_spot" {
		t.Errorf("unexpected first shard: %+v", out[1])
	}
	if out[2].ID != "binance_spot_2" || len(out[2].Symbols) != 2 {
		t.Errorf("unexpected second shard: %+v", out[2])
	}
	if out[1].Funding == nil || len(out[1].Funding.Symbols) != 3 {
		t.Errorf("first shard should poll funding for all symbols: %+v", out[1].Funding)
	}
	if out[2].Funding != nil {
		t.Errorf("second shard should not poll funding")
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	cases := map[string]string{
		"":         EnvironmentDevelopment,
		"PROD":     EnvironmentProduction,
		"stagging": EnvironmentStaging,
		"sandbox":  "sandbox",
	}
	for in, want := range cases {
		t.Setenv("APP_ENV", in)
		if got := AppEnvironment(); got != want {
			t.Errorf("AppEnvironment(%q) = %q, want %q", in, got, want)
		}
	}
	if !IsProductionLike(EnvironmentStaging) || IsProductionLike(EnvironmentDevelopment) {
		t.Error("unexpected IsProductionLike result")
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cfg, err := LoadConfig("config.yml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	ids := make([]string, 0, len(cfg.Connectors))
	for _, c := range cfg.Connectors {
		if err := c.Validate(); err != nil {
			t.Errorf("connector %s: %v", c.ID, err)
		}
		ids = append(ids, c.ID)
	}
	want := []string{
		"bybit_spot", "bybit_linear", "bybit_options", "binance_futures_1", "binance_futures_2",
		"hyperliquid_perp", "delta_futures", "delta_options", "coindcx_spot", "coindcx_futures",
	}
	if len(ids) != len(want) {
		t.Fatalf("connectors = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("connectors = %v, want %v", ids, want)
		}
	}
}
