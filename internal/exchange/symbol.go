package exchange

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

var quoteAssets = []string{"USDT", "USDC", "USD"}

// Canonical normalizes user input such as "btc/usdt", "BTC-USDT",
// "BTC_USDT" or "BTC/USDT:USDT" to the internal form "BTCUSDT".
func Canonical(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, "-SWAP")
	s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
	if _, _, err := SplitSymbol(s); err != nil {
		return "", err
	}
	return s, nil
}

// SplitSymbol splits a canonical symbol into base and quote assets.
func SplitSymbol(symbol string) (base, quote string, err error) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, nil
		}
	}
	return "", "", fmt.Errorf("%w: %q", domain.ErrInvalidSymbol, symbol)
}

// JoinNative builds base+sep+quote+suffix, the shape most venues use.
func JoinNative(symbol, sep, suffix string) (string, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + sep + quote + suffix, nil
}
