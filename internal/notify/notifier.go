// Package notify pushes operator alerts for trade-cycle events. Alerts are
// dispatched to every registered channel (Telegram, Discord) and filtered by
// event kind so operators only receive the classes of alert they opted into.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Event classifies an alert. Filters match on these values.
type Event string

const (
	EventPositionClosed    Event = "position_closed"
	EventSizingUnavailable Event = "sizing_unavailable"
	EventExecutionFailed   Event = "execution_failed"
)

var eventTitles = map[Event]string{
	EventPositionClosed:    "Position closed",
	EventSizingUnavailable: "Entry sizing unavailable",
	EventExecutionFailed:   "Order execution failed",
}

// Sender is one delivery channel.
type Sender interface {
	// Send delivers an alert with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel ("telegram", "discord").
	Name() string
}

// Notifier fans alerts out to its senders. An empty event filter lets every
// event through. Delivery is best effort: a failing channel never blocks the
// trade cycle, failures are logged and the remaining channels still receive
// the alert.
type Notifier struct {
	senders []Sender
	events  map[Event]bool
	logger  *slog.Logger
}

// NewNotifier builds a Notifier delivering to the given senders. Only event
// kinds listed in events pass the filter; an empty list allows all.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[Event]bool, len(events))
	for _, e := range events {
		allowed[Event(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Send dispatches an alert for the event if it passes the filter. Errors are
// swallowed after logging; callers do not branch on delivery outcome.
func (n *Notifier) Send(ctx context.Context, event Event, userID, symbol, message string) {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", string(event)))
		return
	}

	title, ok := eventTitles[event]
	if !ok {
		title = string(event)
	}
	body := fmt.Sprintf("user=%s symbol=%s\n%s", userID, symbol, message)
	n.dispatch(ctx, title, body)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
}
