// Package notify pages operators about positions that need a human: live
// single-sided exposure and exposure that disagrees with the stored row.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// Sender delivers one message to one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Options configures a Notifier.
type Options struct {
	// Events limits delivery to these event names. Empty allows all.
	Events []string
	// Cooldown suppresses a repeat of the same event and message within
	// the window. Zero disables suppression.
	Cooldown time.Duration
	// Environment is prefixed to every title, e.g. "testnet".
	Environment string
}

// Notifier fans an alert out to every Sender. It implements domain.Alerter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	opts    Options
	logger  *slog.Logger

	mu   sync.Mutex
	sent map[string]time.Time
	now  func() time.Time
}

// NewNotifier creates a Notifier over senders.
func NewNotifier(senders []Sender, opts Options, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(opts.Events))
	for _, e := range opts.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		opts:    opts,
		logger:  logger.With(slog.String("component", "notifier")),
		sent:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// Alert delivers to all senders unless the event is filtered or was sent
// within the cooldown. One failing sender does not stop the others.
func (n *Notifier) Alert(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.suppressed(event + "\x00" + message) {
		n.logger.DebugContext(ctx, "repeat alert suppressed", slog.String("event", event))
		return nil
	}
	if n.opts.Environment != "" {
		title = fmt.Sprintf("[%s] %s", n.opts.Environment, title)
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d of %d senders failed: %w", len(errs), len(n.senders), errors.Join(errs...))
	}
	return nil
}

func (n *Notifier) suppressed(key string) bool {
	if n.opts.Cooldown <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	for k, at := range n.sent {
		if now.Sub(at) >= n.opts.Cooldown {
			delete(n.sent, k)
		}
	}
	if _, ok := n.sent[key]; ok {
		return true
	}
	n.sent[key] = now
	return false
}

var _ domain.Alerter = (*Notifier)(nil)
