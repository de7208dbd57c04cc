package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// Opener is satisfied by *Saga.
type Opener interface {
	OpenPosition(ctx context.Context, params domain.OpenPositionParams) (domain.Position, error)
}

// OpenRequest is the JSON payload of one stream entry. Decimal fields accept
// strings or numbers.
type OpenRequest struct {
	RequestID         string          `json:"request_id"`
	UserID            string          `json:"user_id"`
	Symbol            string          `json:"symbol"`
	LongExchange      string          `json:"long_exchange"`
	ShortExchange     string          `json:"short_exchange"`
	Quantity          decimal.Decimal `json:"quantity"`
	Leverage          int             `json:"leverage"`
	StopLossEnabled   bool            `json:"stop_loss_enabled,omitempty"`
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent,omitempty"`
	TakeProfitEnabled bool            `json:"take_profit_enabled,omitempty"`
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent,omitempty"`
}

// Params converts the request into saga input.
func (r OpenRequest) Params() domain.OpenPositionParams {
	return domain.OpenPositionParams{
		UserID:            r.UserID,
		Symbol:            r.Symbol,
		LongExchange:      domain.ExchangeID(r.LongExchange),
		ShortExchange:     domain.ExchangeID(r.ShortExchange),
		Quantity:          r.Quantity,
		Leverage:          r.Leverage,
		StopLossEnabled:   r.StopLossEnabled,
		StopLossPercent:   r.StopLossPercent,
		TakeProfitEnabled: r.TakeProfitEnabled,
		TakeProfitPercent: r.TakeProfitPercent,
	}
}

// Outcome values of OpenResult.
const (
	OutcomeDone        = "done"
	OutcomeDuplicate   = "duplicate"
	OutcomeRateLimited = "rate_limited"
	OutcomeRejected    = "rejected"
)

// OpenResult is published to the result stream for every request.
type OpenResult struct {
	RequestID  string `json:"request_id"`
	UserID     string `json:"user_id,omitempty"`
	Outcome    string `json:"outcome"`
	PositionID string `json:"position_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Stream       string
	ResultStream string
	// StartID is where reading begins; "$" means only new entries.
	StartID     string
	BatchSize   int
	Block       time.Duration
	Concurrency int
	DedupTTL    time.Duration

	// PerUserLimit open requests are allowed per PerUserWindow.
	PerUserLimit  int
	PerUserWindow time.Duration
}

// Worker consumes open requests from a stream and runs them through the
// saga. Requests are idempotent by request id and rate limited per user.
type Worker struct {
	bus     domain.RequestBus
	opener  Opener
	limiter domain.RateLimiter
	dedup   *Dedup
	cfg     WorkerConfig
	logger  *slog.Logger
}

// NewWorker creates a Worker. limiter may be nil to disable rate limiting.
func NewWorker(bus domain.RequestBus, opener Opener, limiter domain.RateLimiter, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Stream == "" {
		cfg.Stream = "open_requests"
	}
	if cfg.StartID == "" {
		cfg.StartID = "$"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.PerUserWindow <= 0 {
		cfg.PerUserWindow = time.Minute
	}
	return &Worker{
		bus:     bus,
		opener:  opener,
		limiter: limiter,
		dedup:   NewDedup(cfg.DedupTTL),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "worker")),
	}
}

// Run reads the stream until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started", slog.String("stream", w.cfg.Stream))
	defer w.logger.Info("worker stopped")

	cleanup := time.NewTicker(w.cfg.DedupTTL)
	defer cleanup.Stop()

	lastID := w.cfg.StartID
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cleanup.C:
			w.dedup.Cleanup()
		default:
		}

		msgs, err := w.bus.StreamRead(ctx, w.cfg.Stream, lastID, w.cfg.BatchSize, w.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.WarnContext(ctx, "stream read failed", slog.String("error", err.Error()))
			if err := sleepContext(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		lastID = msgs[len(msgs)-1].ID
		w.handleBatch(ctx, msgs)
	}
}

func (w *Worker) handleBatch(ctx context.Context, msgs []domain.StreamMessage) {
	var eg errgroup.Group
	eg.SetLimit(w.cfg.Concurrency)
	for _, msg := range msgs {
		eg.Go(func() error {
			res := w.Handle(ctx, msg)
			w.publish(ctx, res)
			return nil
		})
	}
	_ = eg.Wait()
}

// Handle processes one stream entry and reports what happened to it.
func (w *Worker) Handle(ctx context.Context, msg domain.StreamMessage) OpenResult {
	var req OpenRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.WarnContext(ctx, "malformed open request",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return OpenResult{RequestID: msg.ID, Outcome: OutcomeRejected, Error: "malformed request: " + err.Error()}
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}
	res := OpenResult{RequestID: req.RequestID, UserID: req.UserID}
	log := w.logger.With(
		slog.String("request_id", req.RequestID),
		slog.String("user_id", req.UserID),
		slog.String("symbol", req.Symbol),
	)

	if w.dedup.IsDuplicate(req.RequestID) {
		log.InfoContext(ctx, "duplicate open request ignored")
		res.Outcome = OutcomeDuplicate
		return res
	}

	if w.limiter != nil && w.cfg.PerUserLimit > 0 {
		ok, err := w.limiter.Allow(ctx, "open:"+req.UserID, w.cfg.PerUserLimit, w.cfg.PerUserWindow)
		if err != nil {
			w.dedup.Forget(req.RequestID)
			log.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
			res.Outcome = OutcomeRejected
			res.Error = fmt.Sprintf("rate limiter: %v", err)
			return res
		}
		if !ok {
			w.dedup.Forget(req.RequestID)
			log.WarnContext(ctx, "open request rate limited")
			res.Outcome = OutcomeRateLimited
			res.Error = domain.ErrRateLimited.Error()
			return res
		}
	}

	pos, err := w.opener.OpenPosition(ctx, req.Params())
	res.Outcome = OutcomeDone
	res.PositionID = pos.ID
	res.Status = string(pos.Status)
	if err != nil {
		res.Error = err.Error()
		var ve *domain.ValidationError
		var busy *domain.LockBusyError
		if errors.As(err, &ve) || errors.As(err, &busy) {
			// Nothing happened on any venue, so the same id may be retried.
			w.dedup.Forget(req.RequestID)
			res.Outcome = OutcomeRejected
		}
		log.WarnContext(ctx, "open request finished with error",
			slog.String("position_id", pos.ID),
			slog.String("status", res.Status),
			slog.String("error", err.Error()),
		)
		return res
	}
	log.InfoContext(ctx, "open request finished",
		slog.String("position_id", pos.ID),
		slog.String("status", res.Status),
	)
	return res
}

func (w *Worker) publish(ctx context.Context, res OpenResult) {
	if w.cfg.ResultStream == "" {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		w.logger.ErrorContext(ctx, "encode open result", slog.String("error", err.Error()))
		return
	}
	if err := w.bus.StreamAppend(context.WithoutCancel(ctx), w.cfg.ResultStream, data); err != nil {
		w.logger.WarnContext(ctx, "publish open result failed",
			slog.String("request_id", res.RequestID),
			slog.String("error", err.Error()),
		)
	}
}
