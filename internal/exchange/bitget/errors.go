package bitget

import (
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

type errorClass struct {
	kind      error
	retryable bool
}

var errorCodes = map[string]errorClass{
	"40006": {domain.ErrUnauthorized, false},
	"40009": {domain.ErrUnauthorized, false},
	"40012": {domain.ErrUnauthorized, false},
	"40037": {domain.ErrUnauthorized, false},
	"429":   {domain.ErrRateLimited, true},
	"40010": {domain.ErrTimeout, true},
	"40034": {domain.ErrInvalidSymbol, false},
	"45110": {domain.ErrInvalidQuantity, false},
	"40808": {domain.ErrInvalidQuantity, false},
	"40762": {domain.ErrInsufficientFunds, false},
	"40774": {domain.ErrModeMismatch, false},
	"40915": {domain.ErrImmediateTrigger, false},
	"40917": {domain.ErrImmediateTrigger, false},
	"40109": {domain.ErrNotFound, false},
	"43001": {domain.ErrNotFound, false},
	"40015": {domain.ErrExchangeInternal, true},
}

func mapError(op string, status int, code, msg string) error {
	class, ok := errorCodes[code]
	if !ok {
		class = errorClass{domain.ErrExchangeInternal, status >= 500}
	}
	return exchange.APIError(domain.ExchangeBitget, op, class.kind, class.retryable, "%s (code %s)", msg, code)
}
