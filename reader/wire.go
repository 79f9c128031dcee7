package reader

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/models"
)

// ParseFloat accepts the numeric encodings venues use: JSON strings and numbers.
func ParseFloat(raw json.RawMessage) (float64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// OptFloat is ParseFloat returning nil when the value is absent or malformed.
func OptFloat(raw json.RawMessage) *float64 {
	if v, ok := ParseFloat(raw); ok {
		return &v
	}
	return nil
}

// ParseLevels converts [price, qty] string pairs. Entries that are short or
// not numeric are rejected as a whole.
func ParseLevels(pairs [][]string) ([]models.Level, error) {
	levels := make([]models.Level, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(pair))
		}
		lvl, err := ParseLevel(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

// ParseLevel parses one price level. Prices must be positive, quantities non-negative.
func ParseLevel(price, qty string) (models.Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return models.Level{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return models.Level{}, fmt.Errorf("quantity %q: %w", qty, err)
	}
	if !p.IsPositive() || q.IsNegative() {
		return models.Level{}, fmt.Errorf("invalid level %s@%s", qty, price)
	}
	return models.Level{Price: p, Quantity: q}, nil
}

// MillisTime converts a unix millisecond timestamp, falling back when zero.
func MillisTime(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms)
}

// Chunk splits topics into groups of at most n.
func Chunk(topics []string, n int) [][]string {
	if n <= 0 {
		n = len(topics)
	}
	var out [][]string
	for len(topics) > 0 {
		end := min(n, len(topics))
		out = append(out, topics[:end])
		topics = topics[end:]
	}
	return out
}
