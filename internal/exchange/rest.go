// Package exchange holds the plumbing shared by the venue adapters: the
// rate-limited REST transport, contract sizing, position-mode resolution and
// error normalization.
package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Request is one outbound call. Signing hooks fill in Header or Query before
// the request is sent.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// RawQuery is sent verbatim instead of Query when set, for venues that
	// sign the exact query string.
	RawQuery string
	Body     []byte
	Header   http.Header
}

// Response is the raw reply.
type Response struct {
	Status int
	Body   []byte
}

// RESTClient sends requests to one venue under a client-side rate limit.
type RESTClient struct {
	exchange domain.ExchangeID
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewRESTClient creates a RESTClient. A zero RequestsPerSecond disables the
// limiter.
func NewRESTClient(exchange domain.ExchangeID, cfg RESTConfig, logger *slog.Logger) *RESTClient {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &RESTClient{
		exchange: exchange,
		baseURL:  cfg.BaseURL,
		http:     hc,
		limiter:  limiter,
		logger:   logger.With(slog.String("component", "rest"), slog.String("exchange", string(exchange))),
	}
}

// Exchange returns the venue this client talks to.
func (c *RESTClient) Exchange() domain.ExchangeID { return c.exchange }

// Do sends req. Transport failures come back as *domain.ExchangeAPIError;
// HTTP error statuses are returned in the Response for the adapter to map.
func (c *RESTClient) Do(ctx context.Context, op string, req Request) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, TransportError(c.exchange, op, err)
	}

	u := c.baseURL + req.Path
	switch {
	case req.RawQuery != "":
		u += "?" + req.RawQuery
	case len(req.Query) > 0:
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return Response{}, fmt.Errorf("%s: build request %s: %w", c.exchange, op, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, TransportError(c.exchange, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, TransportError(c.exchange, op, err)
	}

	c.logger.DebugContext(ctx, "request done",
		slog.String("op", op),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)
	return Response{Status: resp.StatusCode, Body: data}, nil
}

// TransportError normalizes a failure that happened before a venue reply
// was read. Timeouts are flagged because the request may still have been
// executed remotely.
func TransportError(exchange domain.ExchangeID, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return &domain.ExchangeAPIError{
			Exchange:  exchange,
			Operation: op,
			Message:   "request timed out, outcome unknown",
			Retryable: true,
			Kind:      domain.ErrTimeout,
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", exchange, op, err)
	}
	return &domain.ExchangeAPIError{
		Exchange:  exchange,
		Operation: op,
		Message:   "network error: " + err.Error(),
		Retryable: true,
		Kind:      domain.ErrExchangeInternal,
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// StatusError maps a bare HTTP status when the body carried no usable code.
func StatusError(exchange domain.ExchangeID, op string, status int, body []byte) error {
	msg := fmt.Sprintf("http %d", status)
	if len(body) > 0 {
		snippet := body
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		msg += ": " + string(snippet)
	}
	e := &domain.ExchangeAPIError{Exchange: exchange, Operation: op, Message: msg}
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		e.Kind, e.Retryable = domain.ErrRateLimited, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = domain.ErrUnauthorized
	case status >= 500:
		e.Kind, e.Retryable = domain.ErrExchangeInternal, true
	default:
		e.Kind = domain.ErrExchangeInternal
	}
	return e
}

// APIError builds a normalized error for a venue-reported failure.
func APIError(exchange domain.ExchangeID, op string, kind error, retryable bool, format string, args ...any) error {
	return &domain.ExchangeAPIError{
		Exchange:  exchange,
		Operation: op,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		Kind:      kind,
	}
}

// NowMillis is the request timestamp source; tests may replace it.
var NowMillis = func() int64 { return time.Now().UnixMilli() }
