package exchange

import "strings"

// knownQuotes are the quote suffixes recognized when splitting a bare
// pair like BTCUSDT. Longer suffixes are checked first.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "TUSD", "USD", "BTC", "ETH", "BNB"}

// UnknownSymbol is returned when a bare string cannot be resolved into
// a pair; the execution engine refuses it.
const UnknownSymbol = "UNKNOWN/USDT"

// NormalizeSymbol canonicalizes user input into BASE/QUOTE form.
// "btc-usdt", "BTC_USDT" and "BTCUSDT" all map to "BTC/USDT".
func NormalizeSymbol(input string) string {
	s := strings.ToUpper(strings.TrimSpace(input))
	if s == "" {
		return UnknownSymbol
	}

	s = strings.ReplaceAll(s, "-", "/")
	s = strings.ReplaceAll(s, "_", "/")

	if strings.Contains(s, "/") {
		parts := strings.SplitN(s, "/", 2)
		if parts[0] == "" || parts[1] == "" {
			return UnknownSymbol
		}
		return parts[0] + "/" + parts[1]
	}

	for _, quote := range knownQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "/" + quote
		}
	}

	return UnknownSymbol
}

// IsKnownSymbol reports whether normalization produced a usable pair.
func IsKnownSymbol(symbol string) bool {
	return symbol != UnknownSymbol && strings.Contains(symbol, "/")
}
