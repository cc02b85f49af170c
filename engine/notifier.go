package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aurigraph/quorum-engine/logger"
)

// Notification describes one committed status transition.
type Notification struct {
	EntityID   string
	Category   string
	FromStatus string
	ToStatus   string
	Reason     string
	At         time.Time
}

// Notifier receives transition notifications after the transition has been
// committed. Implementations must not block: a slow consumer cannot be
// allowed to stall the write path.
type Notifier interface {
	Notify(n Notification)
}

// ChannelNotifier delivers notifications over a buffered channel, dropping
// when the buffer is full. Delivery is best-effort; the database history is
// the source of truth.
type ChannelNotifier struct {
	ch     chan Notification
	logger zerolog.Logger
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(buffer int, log zerolog.Logger) *ChannelNotifier {
	return &ChannelNotifier{
		ch:     make(chan Notification, buffer),
		logger: logger.Component(log, "notifier"),
	}
}

// Notify enqueues the notification, dropping it if the buffer is full.
func (c *ChannelNotifier) Notify(n Notification) {
	select {
	case c.ch <- n:
	default:
		c.logger.Warn().
			Str("entity_id", n.EntityID).
			Str("to_status", n.ToStatus).
			Msg("notification buffer full, dropping")
	}
}

// C returns the receive side of the notification channel.
func (c *ChannelNotifier) C() <-chan Notification {
	return c.ch
}
