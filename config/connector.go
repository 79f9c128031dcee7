package config

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"pricefeed/internal/symbols"
	"pricefeed/models"
)

var (
	connectorIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	symbolRegexp      = regexp.MustCompile(`^[A-Za-z0-9@/_:.\-]+$`)
)

var fundingSources = map[string]bool{
	"coindcx": true,
	"binance": true,
	"bybit":   true,
}

var discoverySources = map[string]bool{
	"bybit": true,
	"delta": true,
}

// Validate checks one connector entry. Errors are *models.ConfigError so
// callers can disable just this connector.
func (c ConnectorConfig) Validate() error {
	fail := func(field, reason string) error {
		return &models.ConfigError{Connector: c.ID, Field: field, Reason: reason}
	}

	if c.ID == "" {
		return fail("id", "is required")
	}
	if !connectorIDRegexp.MatchString(c.ID) {
		return fail("id", "may only contain letters, digits, '_' and '-'")
	}
	if c.Exchange == "" {
		return fail("exchange", "is required")
	}
	if !c.Streams() && c.Funding == nil {
		return fail("transport_url", "is required unless a funding poller is configured")
	}
	for _, s := range c.Symbols {
		if !symbolRegexp.MatchString(s) {
			return fail("symbols", "invalid symbol "+strings.TrimSpace(s))
		}
	}
	if a, b, ok := collision(c.Symbols, c.QuoteCurrencyStripList); ok {
		return fail("symbols", a+" and "+b+" map to the same store key")
	}

	if c.Streams() {
		u, err := url.Parse(c.TransportURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fail("transport_url", "must be a ws:// or wss:// url")
		}
		if !c.Ticker() && !c.OrderbookEnabled && !c.TradesEnabled {
			return fail("ticker_enabled", "at least one of ticker, orderbook or trades must be enabled")
		}
		if len(c.Symbols) == 0 && c.Discovery == nil && (c.Exchange != "hyperliquid" || c.OrderbookEnabled || c.TradesEnabled) {
			return fail("symbols", "at least one symbol is required")
		}
	}

	if c.Depth > 1000 {
		return fail("depth", "must not exceed 1000")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fail("reconnect_max_delay", "must not be below reconnect_base_delay")
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		return fail("reconnect_jitter", "must be in [0, 1)")
	}
	if c.LocalIP != "" && net.ParseIP(c.LocalIP) == nil {
		return fail("local_ip", "is not an IP address")
	}

	if d := c.Discovery; d != nil {
		if !discoverySources[c.Exchange] {
			return fail("discovery", "not supported for exchange "+c.Exchange)
		}
		if !c.Streams() {
			return fail("discovery", "requires a transport_url")
		}
		if len(c.Symbols) > 0 {
			return fail("symbols", "must be empty when discovery lists the instruments")
		}
	}

	if f := c.Funding; f != nil {
		if !fundingSources[strings.ToLower(f.Source)] {
			return fail("funding.source", "unknown source "+f.Source)
		}
		if len(f.Symbols) == 0 {
			return fail("funding.symbols", "at least one symbol is required")
		}
		if a, b, ok := collision(f.Symbols, c.QuoteCurrencyStripList); ok {
			return fail("funding.symbols", a+" and "+b+" map to the same store key")
		}
	}
	return nil
}

// collision finds two instruments that canonicalize to the same coin and
// would share one record and trade window.
func collision(syms, strip []string) (string, string, bool) {
	seen := make(map[string]string, len(syms))
	for _, s := range syms {
		key := symbols.Canonical(s, strip)
		if prev, ok := seen[key]; ok {
			return prev, s, true
		}
		seen[key] = s
	}
	return "", "", false
}
