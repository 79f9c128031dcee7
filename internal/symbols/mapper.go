package symbols

import "strings"

const separators = "-_/"

// Canonical reduces an exchange instrument name to its base coin by stripping
// quote-currency affixes. Entries that end with a separator ("B-") are
// prefixes, everything else is a suffix ("USDT", "_USDT", "-PERP"). The first
// matching prefix and the first matching suffix are removed, in list order,
// and separators left dangling are trimmed.
//
//	Canonical("BTCUSDT", []string{"USDT"})              == "BTC"
//	Canonical("B-BTC_USDT", []string{"B-", "USDT"})     == "BTC"
func Canonical(source string, strip []string) string {
	sym := strings.ToUpper(strings.TrimSpace(source))

	for _, p := range strip {
		p = strings.ToUpper(p)
		if !isPrefix(p) {
			continue
		}
		if strings.HasPrefix(sym, p) && len(sym) > len(p) {
			sym = sym[len(p):]
			break
		}
	}

	for _, s := range strip {
		s = strings.ToUpper(s)
		if s == "" || isPrefix(s) {
			continue
		}
		if strings.HasSuffix(sym, s) && len(sym) > len(s) {
			sym = sym[:len(sym)-len(s)]
			break
		}
	}

	return strings.Trim(sym, separators)
}

func isPrefix(entry string) bool {
	return entry != "" && strings.ContainsAny(entry[len(entry)-1:], separators)
}

// StreamName returns the instrument name as an exchange expects it inside a
// subscription topic.
func StreamName(exchange, sym string) string {
	switch strings.ToLower(exchange) {
	case "binance":
		return strings.ToLower(sym)
	case "hyperliquid":
		return sym
	default:
		return strings.ToUpper(sym)
	}
}
