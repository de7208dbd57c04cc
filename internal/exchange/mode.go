package exchange

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// PositionMode is how an account addresses positions.
type PositionMode int

const (
	// ModeOneWay nets long and short into one position per symbol.
	ModeOneWay PositionMode = iota
	// ModeHedge keeps separate long and short positions.
	ModeHedge
)

func (m PositionMode) String() string {
	if m == ModeHedge {
		return "hedge"
	}
	return "one_way"
}

// Opposite returns the other mode.
func (m PositionMode) Opposite() PositionMode {
	if m == ModeHedge {
		return ModeOneWay
	}
	return ModeHedge
}

// ModeDetector queries the venue for the account's position mode.
type ModeDetector func(ctx context.Context, symbol string) (PositionMode, error)

// ModeResolver caches the detected mode per symbol, falling back to a fixed
// per-venue default when detection fails.
type ModeResolver struct {
	exchange domain.ExchangeID
	fallback PositionMode
	detect   ModeDetector
	logger   *slog.Logger

	mu    sync.Mutex
	modes map[string]PositionMode
}

// NewModeResolver creates a resolver.
func NewModeResolver(exchange domain.ExchangeID, fallback PositionMode, detect ModeDetector, logger *slog.Logger) *ModeResolver {
	return &ModeResolver{
		exchange: exchange,
		fallback: fallback,
		detect:   detect,
		logger:   logger.With(slog.String("component", "mode_resolver"), slog.String("exchange", string(exchange))),
		modes:    make(map[string]PositionMode),
	}
}

// Mode returns the cached mode, detecting it on first use.
func (r *ModeResolver) Mode(ctx context.Context, symbol string) PositionMode {
	r.mu.Lock()
	m, ok := r.modes[symbol]
	r.mu.Unlock()
	if ok {
		return m
	}

	m, err := r.detect(ctx, symbol)
	if err != nil {
		r.logger.WarnContext(ctx, "position mode detection failed, using fallback",
			slog.String("symbol", symbol),
			slog.String("fallback", r.fallback.String()),
			slog.String("error", err.Error()),
		)
		// Not cached so the next call detects again.
		return r.fallback
	}

	r.mu.Lock()
	r.modes[symbol] = m
	r.mu.Unlock()
	return m
}

func (r *ModeResolver) set(symbol string, m PositionMode) {
	r.mu.Lock()
	r.modes[symbol] = m
	r.mu.Unlock()
}

// Do runs fn with the resolved mode. If the venue rejects the call with
// domain.ErrModeMismatch, fn runs exactly once more with the opposite mode,
// and on success that mode is cached.
func Do[T any](ctx context.Context, r *ModeResolver, symbol string, fn func(PositionMode) (T, error)) (T, error) {
	mode := r.Mode(ctx, symbol)
	out, err := fn(mode)
	if err == nil || !errors.Is(err, domain.ErrModeMismatch) {
		return out, err
	}

	alt := mode.Opposite()
	r.logger.InfoContext(ctx, "position mode mismatch, retrying with opposite addressing",
		slog.String("symbol", symbol),
		slog.String("tried", mode.String()),
		slog.String("retry", alt.String()),
	)
	out, err = fn(alt)
	if err == nil {
		r.set(symbol, alt)
	}
	return out, err
}
