package binance

import (
	"encoding/json"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

type errorClass struct {
	kind      error
	retryable bool
}

// errorCodes maps USDⓈ-M futures error codes to normalized kinds.
var errorCodes = map[int]errorClass{
	-1000: {domain.ErrExchangeInternal, true},
	-1001: {domain.ErrExchangeInternal, true},
	-1003: {domain.ErrRateLimited, true},
	-1007: {domain.ErrTimeout, true},
	-1021: {domain.ErrExchangeInternal, true},
	-1022: {domain.ErrUnauthorized, false},
	-2014: {domain.ErrUnauthorized, false},
	-2015: {domain.ErrUnauthorized, false},
	-1121: {domain.ErrInvalidSymbol, false},
	-1111: {domain.ErrInvalidQuantity, false},
	-4003: {domain.ErrInvalidQuantity, false},
	-4164: {domain.ErrInvalidQuantity, false},
	-1013: {domain.ErrInvalidPrice, false},
	-4014: {domain.ErrInvalidPrice, false},
	-2019: {domain.ErrInsufficientFunds, false},
	-2021: {domain.ErrImmediateTrigger, false},
	-4061: {domain.ErrModeMismatch, false},
	-2011: {domain.ErrNotFound, false},
	-2013: {domain.ErrNotFound, false},
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func mapError(op string, status int, body []byte) error {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || e.Code == 0 {
		return exchange.StatusError(domain.ExchangeBinance, op, status, body)
	}
	class, ok := errorCodes[e.Code]
	if !ok {
		class = errorClass{domain.ErrExchangeInternal, status >= 500}
	}
	return exchange.APIError(domain.ExchangeBinance, op, class.kind, class.retryable, "%s (code %d)", e.Msg, e.Code)
}
