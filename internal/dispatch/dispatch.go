package dispatch

import (
	"context"
	"log/slog"
)

// Realtime event names shared with the mobile clients.
const (
	EventTowingRequest  = "towing:request"
	EventOfferWithdrawn = "towing:offer_withdrawn"
	EventAccepted       = "towing:accepted"
	EventNoMechanic     = "towing:no_mechanic"
	EventCancelled      = "towing:cancelled"
	EventCompleted      = "towing:completed"
)

// Notification is a store-and-forward push for devices that may be offline.
type Notification struct {
	To    string
	Title string
	Body  string
	Data  map[string]any
}

type Pusher interface {
	Push(ctx context.Context, n Notification) error
}

// LogPusher only logs; used when no push provider is configured.
type LogPusher struct {
	Logger *slog.Logger
}

func (l *LogPusher) Push(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("push notification", "to", n.To, "title", n.Title, "type", n.Data["type"], "request_id", n.Data["request_id"])
	return nil
}
