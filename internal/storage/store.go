package storage

import (
	"context"
	"sync"

	"github.com/example/towing-dispatch/internal/models"
)

// RequestStore is the authoritative record of towing requests.
//
// TransitionStatus must be a single compare-and-swap: the write happens only
// if the stored status is still one the target may be entered from. That is
// what keeps two concurrent accepts from both winning.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.TowingRequest) error
	GetRequest(ctx context.Context, id string) (*models.TowingRequest, error)
	TransitionStatus(ctx context.Context, id string, to models.Status, meta models.TransitionMeta) (*models.TowingRequest, error)
	AppendRejection(ctx context.Context, id, mechanicID string) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.TowingRequest
}

var _ RequestStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.TowingRequest)}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.TowingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := r.Clone()
	if c.RejectedBy == nil {
		c.RejectedBy = []string{}
	}
	m.requests[r.ID] = c
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.TowingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, id string, to models.Status, meta models.TransitionMeta) (*models.TowingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !models.CanTransition(r.Status, to) {
		return nil, models.ErrInvalidTransition
	}
	applyTransition(r, to, meta)
	return r.Clone(), nil
}

func (m *MemoryStore) AppendRejection(_ context.Context, id, mechanicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ErrNotFound
	}
	if r.HasRejected(mechanicID) {
		return nil
	}
	r.RejectedBy = append(r.RejectedBy, mechanicID)
	return nil
}

// applyTransition writes the status and its side fields. Callers have already
// checked the transition table.
func applyTransition(r *models.TowingRequest, to models.Status, meta models.TransitionMeta) {
	at := meta.At.UTC()
	r.Status = to
	r.UpdatedAt = at
	switch to {
	case models.StatusAccepted:
		r.AcceptedBy = meta.AcceptedBy
		r.AcceptedAt = &at
		if meta.EstimatedArrival != nil {
			eta := meta.EstimatedArrival.UTC()
			r.EstimatedArrival = &eta
		}
	case models.StatusCompleted:
		r.CompletedAt = &at
	case models.StatusCancelled:
		r.CancelledAt = &at
		r.AcceptedBy = ""
	}
}
