package gate

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

type errorClass struct {
	kind      error
	retryable bool
}

var errorLabels = map[string]errorClass{
	"INVALID_KEY":            {domain.ErrUnauthorized, false},
	"INVALID_SIGNATURE":      {domain.ErrUnauthorized, false},
	"FORBIDDEN":              {domain.ErrUnauthorized, false},
	"TOO_MANY_REQUESTS":      {domain.ErrRateLimited, true},
	"CONTRACT_NOT_FOUND":     {domain.ErrInvalidSymbol, false},
	"INSUFFICIENT_AVAILABLE": {domain.ErrInsufficientFunds, false},
	"ORDER_NOT_FOUND":        {domain.ErrNotFound, false},
	"POSITION_NOT_FOUND":     {domain.ErrNotFound, false},
	"SIZE_TOO_SMALL":         {domain.ErrInvalidQuantity, false},
	"INVALID_PARAM_VALUE":    {domain.ErrInvalidQuantity, false},
	"SERVER_ERROR":           {domain.ErrExchangeInternal, true},
	"INTERNAL":               {domain.ErrExchangeInternal, true},
}

type apiError struct {
	Label   string `json:"label"`
	Message string `json:"message"`
}

func classify(label string, status int) errorClass {
	if class, ok := errorLabels[label]; ok {
		return class
	}
	switch {
	case strings.Contains(label, "DUAL_MODE"), strings.Contains(label, "SINGLE_MODE"):
		return errorClass{domain.ErrModeMismatch, false}
	case strings.HasPrefix(label, "AUTO_TRIGGER_PRICE"):
		return errorClass{domain.ErrImmediateTrigger, false}
	case status == http.StatusTooManyRequests:
		return errorClass{domain.ErrRateLimited, true}
	}
	return errorClass{domain.ErrExchangeInternal, status >= 500}
}

func mapError(op string, status int, body []byte) error {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || e.Label == "" {
		return exchange.StatusError(domain.ExchangeGate, op, status, body)
	}
	class := classify(e.Label, status)
	return exchange.APIError(domain.ExchangeGate, op, class.kind, class.retryable, "%s: %s", e.Label, e.Message)
}
