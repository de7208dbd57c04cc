package okx

import (
	"strings"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

type errorClass struct {
	kind      error
	retryable bool
}

var errorCodes = map[string]errorClass{
	"50001": {domain.ErrExchangeInternal, true},
	"50004": {domain.ErrTimeout, true},
	"50013": {domain.ErrExchangeInternal, true},
	"50011": {domain.ErrRateLimited, true},
	"50111": {domain.ErrUnauthorized, false},
	"50113": {domain.ErrUnauthorized, false},
	"51001": {domain.ErrInvalidSymbol, false},
	"51008": {domain.ErrInsufficientFunds, false},
	"51121": {domain.ErrInvalidQuantity, false},
	"51279": {domain.ErrImmediateTrigger, false},
	"51280": {domain.ErrImmediateTrigger, false},
	"51603": {domain.ErrNotFound, false},
}

func mapError(op string, status int, code, msg string) error {
	class, ok := errorCodes[code]
	switch {
	case code == "51000" && strings.Contains(msg, "posSide"):
		// Parameter posSide error: the account is in the other position mode.
		class, ok = errorClass{domain.ErrModeMismatch, false}, true
	case code == "51000":
		class, ok = errorClass{domain.ErrInvalidQuantity, false}, true
	}
	if !ok {
		class = errorClass{domain.ErrExchangeInternal, status >= 500}
	}
	return exchange.APIError(domain.ExchangeOKX, op, class.kind, class.retryable, "%s (code %s)", msg, code)
}
