// Package queue tracks, per towing request, which mechanics hold an
// outstanding offer and how each of them answered.
package queue

import (
	"context"
	"sort"
	"sync"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryAccepted  EntryStatus = "accepted"
	EntryRejected  EntryStatus = "rejected"
	EntryWithdrawn EntryStatus = "withdrawn"
)

type Queue interface {
	// Add records mechanics as pending. Existing entries are overwritten.
	Add(ctx context.Context, requestID string, mechanicIDs ...string) error
	Mark(ctx context.Context, requestID, mechanicID string, st EntryStatus) error
	Entries(ctx context.Context, requestID string) (map[string]EntryStatus, error)
}

// Outstanding returns the mechanics whose offer is still unanswered, sorted.
func Outstanding(ctx context.Context, q Queue, requestID string) ([]string, error) {
	return withStatus(ctx, q, requestID, EntryPending)
}

// Accepted returns the mechanic holding the accepted offer, if any.
func Accepted(ctx context.Context, q Queue, requestID string) ([]string, error) {
	return withStatus(ctx, q, requestID, EntryAccepted)
}

// Release withdraws the offer from every listed mechanic.
func Release(ctx context.Context, q Queue, requestID string, mechanicIDs []string) error {
	for _, id := range mechanicIDs {
		if err := q.Mark(ctx, requestID, id, EntryWithdrawn); err != nil {
			return err
		}
	}
	return nil
}

func withStatus(ctx context.Context, q Queue, requestID string, want ...EntryStatus) ([]string, error) {
	entries, err := q.Entries(ctx, requestID)
	if err != nil {
		return nil, err
	}
	var out []string
	for id, st := range entries {
		for _, w := range want {
			if st == w {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]map[string]EntryStatus
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]map[string]EntryStatus)}
}

func (m *MemoryQueue) Add(_ context.Context, requestID string, mechanicIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.bucket(requestID)
	for _, id := range mechanicIDs {
		e[id] = EntryPending
	}
	return nil
}

func (m *MemoryQueue) Mark(_ context.Context, requestID, mechanicID string, st EntryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(requestID)[mechanicID] = st
	return nil
}

func (m *MemoryQueue) Entries(_ context.Context, requestID string) (map[string]EntryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]EntryStatus, len(m.entries[requestID]))
	for k, v := range m.entries[requestID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryQueue) bucket(requestID string) map[string]EntryStatus {
	e, ok := m.entries[requestID]
	if !ok {
		e = make(map[string]EntryStatus)
		m.entries[requestID] = e
	}
	return e
}
