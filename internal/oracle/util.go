package oracle

import (
	"strings"

	"github.com/shopspring/decimal"
)

// symbolKey normalizes a feed payload symbol like "btc/usd" to "btc",
// grounded on rtds.rs's payload_symbol_to_key.
func symbolKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func decimalFromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
