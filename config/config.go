package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath      = "config/config.yml"
	defaultRecordTTL = 60 * time.Second
)

type Config struct {
	Service    ServiceConfig     `yaml:"service"`
	Logging    LoggingConfig     `yaml:"logging"`
	Redis      RedisConfig       `yaml:"redis"`
	Dashboard  DashboardConfig   `yaml:"dashboard"`
	CloudWatch CloudWatchConfig  `yaml:"cloudwatch"`
	Control    ControlConfig     `yaml:"control"`
	Connectors []ConnectorConfig `yaml:"connectors"`
}

type ServiceConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// RedisConfig selects the shared store. Driver "memory" keeps records in
// process, which is only useful for dry runs.
type RedisConfig struct {
	Driver       string        `yaml:"driver"`
	URL          string        `yaml:"url"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TTL          time.Duration `yaml:"ttl"`
}

// DashboardConfig enables the HTTP control API. History bounds the metric,
// log and resource samples it keeps in memory.
type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	History        int           `yaml:"history"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// ControlConfig drives the Redis command and status keys.
type ControlConfig struct {
	Enabled        bool          `yaml:"enabled"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	StatusInterval time.Duration `yaml:"status_interval"`
	StatusTTL      time.Duration `yaml:"status_ttl"`
}

type ConnectorConfig struct {
	ID                     string            `yaml:"id"`
	Exchange               string            `yaml:"exchange"`
	Market                 string            `yaml:"market"`
	Enabled                *bool             `yaml:"enabled"`
	TransportURL           string            `yaml:"transport_url"`
	Symbols                []string          `yaml:"symbols"`
	Depth                  int               `yaml:"depth"`
	TradeWindowCapacity    int               `yaml:"trade_window_capacity"`
	StoreKeyPrefix         string            `yaml:"store_key_prefix"`
	RecordTTL              time.Duration     `yaml:"record_ttl"`
	ReconnectBaseDelay     time.Duration     `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay      time.Duration     `yaml:"reconnect_max_delay"`
	ReconnectJitter        float64           `yaml:"reconnect_jitter"`
	HeartbeatTimeout       time.Duration     `yaml:"heartbeat_timeout"`
	PingInterval           time.Duration     `yaml:"ping_interval"`
	QuoteCurrencyStripList []string          `yaml:"quote_currency_strip_list"`
	LocalIP                string            `yaml:"local_ip"`
	TickerEnabled          *bool             `yaml:"ticker_enabled"`
	OrderbookEnabled       bool              `yaml:"orderbook_enabled"`
	TradesEnabled          bool              `yaml:"trades_enabled"`
	DedupeTrades           *bool             `yaml:"dedupe_trades"`
	Extra                  map[string]string `yaml:"extra"`
	Funding                *FundingConfig    `yaml:"funding"`
	Discovery              *DiscoveryConfig  `yaml:"discovery"`
	Shards                 []ShardConfig     `yaml:"shards"`
}

// FundingConfig attaches a REST funding poller to a connector. A connector
// without a transport_url runs the poller alone.
type FundingConfig struct {
	Source   string        `yaml:"source"`
	URL      string        `yaml:"url"`
	Category string        `yaml:"category"`
	Symbols  []string      `yaml:"symbols"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DiscoveryConfig lists option contracts over REST before every subscribe
// in place of a fixed symbol list.
type DiscoveryConfig struct {
	URL           string        `yaml:"url"`
	Underlyings   []string      `yaml:"underlyings"`
	PerUnderlying int           `yaml:"per_underlying"`
	MaxSymbols    int           `yaml:"max_symbols"`
	All           bool          `yaml:"all"`
	Timeout       time.Duration `yaml:"timeout"`
}

// IsEnabled defaults to true when the key is absent.
func (c ConnectorConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c ConnectorConfig) Ticker() bool {
	return c.TickerEnabled == nil || *c.TickerEnabled
}

// Streams reports whether the connector opens a websocket at all.
func (c ConnectorConfig) Streams() bool {
	return c.TransportURL != ""
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultPath, map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, applies defaults and environment overrides, and validates
// the service-wide settings. Connector entries are validated separately so
// one bad connector does not stop the others.
func Parse(data []byte) (*Config, error) {
	config := Config{
		Service: ServiceConfig{
			Name:            "pricefeed",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
		Redis: RedisConfig{
			Driver:      "redis",
			Addr:        "localhost:6379",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
			TTL:         defaultRecordTTL,
		},
		Dashboard: DashboardConfig{
			Address:        ":8080",
			SampleInterval: 5 * time.Second,
			History:        200,
		},
		Control: ControlConfig{
			PollInterval:   time.Second,
			StatusInterval: 5 * time.Second,
			StatusTTL:      300 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}
	config.Connectors = ExpandShards(config.Connectors)
	for i := range config.Connectors {
		applyConnectorDefaults(&config.Connectors[i], config.Redis.TTL)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.Redis.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_TTL")); v != "" {
		ttl, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("REDIS_TTL: %w", err)
		}
		cfg.Redis.TTL = ttl
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" && cfg.CloudWatch.Region == "" {
		cfg.CloudWatch.Region = v
	}
	return nil
}

// parseSeconds accepts either a Go duration or a bare number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

var defaultTransportURLs = map[string]string{
	"bybit/spot":       "wss://stream.bybit.com/v5/public/spot",
	"bybit/linear":     "wss://stream.bybit.com/v5/public/linear",
	"bybit/inverse":    "wss://stream.bybit.com/v5/public/inverse",
	"bybit/option":     "wss://stream.bybit.com/v5/public/option",
	"binance/spot":     "wss://stream.binance.com:9443/stream",
	"binance/futures":  "wss://fstream.binance.com/stream",
	"hyperliquid/spot": "wss://api.hyperliquid.xyz/ws",
	"hyperliquid/perp": "wss://api.hyperliquid.xyz/ws",
	"delta/spot":       "wss://socket.india.delta.exchange",
	"delta/futures":    "wss://socket.delta.exchange",
	"delta/perpetual":  "wss://socket.delta.exchange",
	"delta/options":    "wss://socket.india.delta.exchange",
	"coindcx/spot":     coindcxStream,
	"coindcx/futures":  coindcxStream,
}

const coindcxStream = "wss://stream.coindcx.com/socket.io/?EIO=4&transport=websocket"

var defaultMarkets = map[string]string{
	"bybit":       "spot",
	"binance":     "spot",
	"hyperliquid": "perp",
	"delta":       "futures",
}

// DefaultTransportURL returns the public endpoint for a venue and market.
func DefaultTransportURL(exchange, market string) string {
	return defaultTransportURLs[strings.ToLower(exchange)+"/"+strings.ToLower(market)]
}

func applyConnectorDefaults(c *ConnectorConfig, ttl time.Duration) {
	c.ID = strings.TrimSpace(c.ID)
	c.Exchange = strings.ToLower(strings.TrimSpace(c.Exchange))
	c.Market = strings.ToLower(strings.TrimSpace(c.Market))
	if c.Market == "" {
		c.Market = defaultMarkets[c.Exchange]
	}
	if c.TransportURL == "" {
		c.TransportURL = DefaultTransportURL(c.Exchange, c.Market)
	}
	if c.StoreKeyPrefix == "" {
		c.StoreKeyPrefix = c.ID
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = ttl
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = defaultRecordTTL
	}
	if c.Depth <= 0 {
		c.Depth = 50
	}
	if c.TradeWindowCapacity <= 0 {
		c.TradeWindowCapacity = 50
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 5 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.DedupeTrades == nil {
		// Hyperliquid re-sends recent prints on resubscribe.
		dedupe := c.Exchange == "hyperliquid"
		c.DedupeTrades = &dedupe
	}
	if c.Funding != nil {
		if c.Funding.Interval <= 0 {
			c.Funding.Interval = 1800 * time.Second
		}
		if c.Funding.Timeout <= 0 {
			c.Funding.Timeout = 10 * time.Second
		}
		if len(c.Funding.Symbols) == 0 {
			c.Funding.Symbols = c.Symbols
		}
	}
	if d := c.Discovery; d != nil {
		if len(d.Underlyings) == 0 {
			d.Underlyings = []string{"BTC", "ETH"}
		}
		if d.PerUnderlying <= 0 {
			d.PerUnderlying = 10
		}
		if d.MaxSymbols <= 0 {
			d.MaxSymbols = 500
		}
		if d.Timeout <= 0 {
			d.Timeout = 30 * time.Second
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if cfg.Service.ShutdownTimeout <= 0 {
		return fmt.Errorf("service.shutdown_timeout must be greater than 0")
	}

	switch cfg.Redis.Driver {
	case "redis":
		if cfg.Redis.URL == "" && cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr or redis.url is required")
		}
	case "memory":
		if IsProductionLike(getAppEnvironment()) {
			return fmt.Errorf("redis.driver memory is not allowed in %s", getAppEnvironment())
		}
	default:
		return fmt.Errorf("redis.driver %q is not supported", cfg.Redis.Driver)
	}
	if cfg.Redis.TTL <= 0 {
		return fmt.Errorf("redis.ttl must be greater than 0")
	}

	if cfg.Dashboard.Enabled && strings.TrimSpace(cfg.Dashboard.Address) == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}
	if cfg.CloudWatch.Enabled && cfg.CloudWatch.Region == "" {
		return fmt.Errorf("cloudwatch.region is required when CloudWatch is enabled")
	}
	if cfg.Control.Enabled && cfg.Control.PollInterval <= 0 {
		return fmt.Errorf("control.poll_interval must be greater than 0")
	}

	seen := make(map[string]bool, len(cfg.Connectors))
	for _, c := range cfg.Connectors {
		if c.ID == "" {
			continue
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate connector id %q", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}
