// Package events publishes towing request lifecycle events for downstream
// consumers such as billing and analytics.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/example/towing-dispatch/internal/models"
)

// Event types double as RabbitMQ routing keys.
const (
	TypeCreated      = "towing.request.created"
	TypeRedispatched = "towing.request.redispatched"
	TypeAccepted     = "towing.request.accepted"
	TypeDeclined     = "towing.response.declined"
	TypeRejected     = "towing.request.rejected"
	TypeCancelled    = "towing.request.cancelled"
	TypeCompleted    = "towing.request.completed"
)

type Event struct {
	Type       string        `json:"type"`
	RequestID  string        `json:"request_id"`
	MechanicID string        `json:"mechanic_id,omitempty"`
	Status     models.Status `json:"status"`
	Candidates int           `json:"candidates,omitempty"`
	At         time.Time     `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
