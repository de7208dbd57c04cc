package bybit

import (
	"strings"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

// codeLeverageNotModified is returned when the requested leverage is
// already set.
const codeLeverageNotModified = 110043

type errorClass struct {
	kind      error
	retryable bool
}

var errorCodes = map[int]errorClass{
	10002:  {domain.ErrExchangeInternal, true},
	10003:  {domain.ErrUnauthorized, false},
	10004:  {domain.ErrUnauthorized, false},
	10005:  {domain.ErrUnauthorized, false},
	10006:  {domain.ErrRateLimited, true},
	10016:  {domain.ErrExchangeInternal, true},
	110001: {domain.ErrNotFound, false},
	110007: {domain.ErrInsufficientFunds, false},
	110092: {domain.ErrImmediateTrigger, false},
	110093: {domain.ErrImmediateTrigger, false},
	10029:  {domain.ErrInvalidSymbol, false},
	110017: {domain.ErrInvalidQuantity, false},
}

func mapError(op string, code int, msg string) error {
	class, ok := errorCodes[code]
	if code == 10001 {
		// Generic parameter error; only the position-index variant means
		// the account is in the other mode.
		class, ok = errorClass{domain.ErrInvalidQuantity, false}, true
		if strings.Contains(strings.ToLower(msg), "position idx") {
			class.kind = domain.ErrModeMismatch
		}
	}
	if !ok {
		class = errorClass{domain.ErrExchangeInternal, false}
	}
	return exchange.APIError(domain.ExchangeBybit, op, class.kind, class.retryable, "%s (code %d)", msg, code)
}
