// Package notify alerts operators about deal outcomes over chat webhooks.
// Alerts go to every registered sender and can be filtered by event so
// operators receive only what they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// Deal events a Notifier can be configured to forward.
const (
	EventDealOpened   = "deal_opened"
	EventDealClosed   = "deal_closed"
	EventDealRejected = "deal_rejected"
	EventDealTimeout  = "deal_timeout"
	EventDealFailed   = "deal_failed"
	EventStreamDown   = "stream_down"
)

// Sender is one notification channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender in logs, e.g. "telegram".
	Name() string
}

// Notifier dispatches notifications to its Senders. Notify forwards only the
// configured events; NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders. An empty events list allows
// every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.senders) > 0 }

// Notify sends to all senders if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyDeal reports the outcome of a deal operation. The event is derived
// from err and the confirmation status.
func (n *Notifier) NotifyDeal(ctx context.Context, broker string, op domain.DealOperation, conf domain.DealConfirmation, err error) error {
	event := DealEvent(op, conf, err)
	title := fmt.Sprintf("%s %s %s", strings.ToUpper(broker), op, strings.ReplaceAll(event, "_", " "))
	return n.Notify(ctx, event, title, FormatDeal(conf, err))
}

// DealEvent classifies a deal outcome.
func DealEvent(op domain.DealOperation, conf domain.DealConfirmation, err error) string {
	switch {
	case errors.Is(err, domain.ErrDealRejected) || conf.Status == domain.DealRejected:
		return EventDealRejected
	case errors.Is(err, domain.ErrConfirmationTimeout):
		return EventDealTimeout
	case err != nil:
		return EventDealFailed
	case op == domain.OperationClose:
		return EventDealClosed
	}
	return EventDealOpened
}

// FormatDeal renders a confirmation as a short plain-text body.
func FormatDeal(conf domain.DealConfirmation, err error) string {
	var b strings.Builder
	if conf.Epic != "" {
		fmt.Fprintf(&b, "Epic: %s\n", conf.Epic)
	}
	if conf.Direction != "" {
		fmt.Fprintf(&b, "Direction: %s\n", conf.Direction)
	}
	if conf.Size > 0 {
		fmt.Fprintf(&b, "Size: %s\n", strconv.FormatFloat(conf.Size, 'f', -1, 64))
	}
	if conf.Level > 0 {
		fmt.Fprintf(&b, "Level: %s\n", strconv.FormatFloat(conf.Level, 'f', -1, 64))
	}
	if conf.Profit != nil {
		fmt.Fprintf(&b, "Profit: %s\n", strconv.FormatFloat(*conf.Profit, 'f', 2, 64))
	}
	if conf.DealReference != "" {
		fmt.Fprintf(&b, "Reference: %s\n", conf.DealReference)
	}
	if conf.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", conf.Reason)
	}
	if err != nil {
		fmt.Fprintf(&b, "Error: %s\n", err)
	}
	return strings.TrimRight(b.String(), "\n")
}

// dispatch sends to every sender. A failing sender does not stop delivery
// to the rest; the failures are joined.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
