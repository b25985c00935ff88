package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/towing-dispatch/internal/models"
)

// fakeHash mimics the redis hash commands in memory.
type fakeHash struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	expires map[string]time.Duration
	failSet bool
}

func newFakeHash() *fakeHash {
	return &fakeHash{hashes: map[string]map[string]string{}, expires: map[string]time.Duration{}}
}

func (f *fakeHash) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return redis.NewIntResult(0, errors.New("connection refused"))
	}
	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	m := values[0].(map[string]interface{})
	for k, v := range m {
		h[k] = fmt.Sprint(v)
	}
	return redis.NewIntResult(int64(len(m)), nil)
}

func (f *fakeHash) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeHash) Expire(_ context.Context, key string, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = exp
	return redis.NewBoolResult(true, nil)
}

func queues() map[string]Queue {
	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"redis":  NewRedisQueue(newFakeHash(), time.Hour),
	}
}

func TestQueueLifecycle(t *testing.T) {
	for name, q := range queues() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := q.Add(ctx, "r1", "m3", "m1", "m2"); err != nil {
				t.Fatalf("add: %v", err)
			}
			out, _ := Outstanding(ctx, q, "r1")
			if fmt.Sprint(out) != "[m1 m2 m3]" {
				t.Fatalf("unexpected outstanding %v", out)
			}

			_ = q.Mark(ctx, "r1", "m1", EntryRejected)
			_ = q.Mark(ctx, "r1", "m2", EntryAccepted)
			out, _ = Outstanding(ctx, q, "r1")
			if fmt.Sprint(out) != "[m3]" {
				t.Fatalf("unexpected outstanding after responses %v", out)
			}
			accepted, _ := Accepted(ctx, q, "r1")
			if fmt.Sprint(accepted) != "[m2]" {
				t.Fatalf("unexpected accepted %v", accepted)
			}

			if err := Release(ctx, q, "r1", out); err != nil {
				t.Fatalf("release: %v", err)
			}
			out, _ = Outstanding(ctx, q, "r1")
			if len(out) != 0 {
				t.Fatalf("expected nothing outstanding, got %v", out)
			}
			entries, _ := q.Entries(ctx, "r1")
			if entries["m3"] != EntryWithdrawn || entries["m1"] != EntryRejected {
				t.Fatalf("unexpected entries %v", entries)
			}

			other, _ := Outstanding(ctx, q, "r2")
			if len(other) != 0 {
				t.Fatalf("requests must not share entries, got %v", other)
			}
		})
	}
}

func TestRedisQueueSetsTTLAndWrapsErrors(t *testing.T) {
	ctx := context.Background()
	h := newFakeHash()
	q := NewRedisQueue(h, 2*time.Hour)
	_ = q.Add(ctx, "r1", "m1")
	if h.expires["towing:queue:r1"] != 2*time.Hour {
		t.Fatalf("expected ttl on queue key, got %v", h.expires)
	}
	h.failSet = true
	if err := q.Mark(ctx, "r1", "m1", EntryRejected); !errors.Is(err, models.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
