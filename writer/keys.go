package writer

// TickerKey is the hash holding a symbol's last price record.
func TickerKey(prefix, symbol string) string {
	return prefix + ":" + symbol
}

// OrderBookKey is the hash holding a symbol's ranked book.
func OrderBookKey(prefix, symbol string) string {
	return prefix + "_ob:" + symbol
}

// TradesKey is the hash holding a symbol's recent trades.
func TradesKey(prefix, symbol string) string {
	return prefix + "_trades:" + symbol
}
