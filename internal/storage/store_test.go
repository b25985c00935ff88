package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/towing-dispatch/internal/models"
)

var created = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newRequest(t *testing.T) *models.TowingRequest {
	t.Helper()
	r, err := models.NewTowingRequest("u1",
		models.Contact{Name: "Ayse", Phone: "555", PushToken: "ExponentPushToken[abc]"},
		models.VehicleInfo{Type: "car", Brand: "Fiat", Model: "Egea", Year: 2020, Plate: "34 ABC 123"},
		models.PickupLocation{Latitude: 41.0, Longitude: 29.0, Address: "Kadikoy", Accuracy: 8},
		models.EmergencyDetails{Reason: "breakdown", Description: "engine", Severity: models.SeverityCritical},
		created)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return r
}

// stores returns every RequestStore implementation backed by fresh state.
func stores(t *testing.T) map[string]RequestStore {
	t.Helper()
	ctx := context.Background()
	sq, err := Open(ctx, SQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	if err := sq.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return map[string]RequestStore{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestCreateAndGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newRequest(t)
			if err := s.CreateRequest(ctx, r); err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := s.GetRequest(ctx, r.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != models.StatusPending || got.Vehicle.Plate != "34 ABC 123" || got.Location.Latitude != 41.0 {
				t.Fatalf("unexpected request %+v", got)
			}
			if got.Requester.PushToken != r.Requester.PushToken || got.Emergency.Severity != models.SeverityCritical {
				t.Fatalf("requester/emergency not persisted: %+v", got)
			}
			if !got.CreatedAt.Equal(created) || got.AcceptedAt != nil || len(got.RejectedBy) != 0 {
				t.Fatalf("unexpected timestamps/rejections %+v", got)
			}
			if _, err := s.GetRequest(ctx, "TOW-missing"); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestTransitionLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newRequest(t)
			_ = s.CreateRequest(ctx, r)
			at := created.Add(time.Minute)
			eta := at.Add(20 * time.Minute)

			got, err := s.TransitionStatus(ctx, r.ID, models.StatusAccepted, models.TransitionMeta{AcceptedBy: "m1", EstimatedArrival: &eta, At: at})
			if err != nil {
				t.Fatalf("accept: %v", err)
			}
			if got.AcceptedBy != "m1" || got.AcceptedAt == nil || !got.AcceptedAt.Equal(at) || got.EstimatedArrival == nil || !got.EstimatedArrival.Equal(eta) {
				t.Fatalf("acceptance metadata not written: %+v", got)
			}
			if _, err := s.TransitionStatus(ctx, r.ID, models.StatusAccepted, models.TransitionMeta{AcceptedBy: "m2", At: at}); !errors.Is(err, models.ErrInvalidTransition) {
				t.Fatalf("second accept: expected ErrInvalidTransition, got %v", err)
			}
			if _, err := s.TransitionStatus(ctx, r.ID, models.StatusPending, models.TransitionMeta{At: at}); !errors.Is(err, models.ErrInvalidTransition) {
				t.Fatalf("re-enter pending: expected ErrInvalidTransition, got %v", err)
			}

			got, err = s.TransitionStatus(ctx, r.ID, models.StatusCancelled, models.TransitionMeta{At: at})
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if got.Status != models.StatusCancelled || got.AcceptedBy != "" || got.CancelledAt == nil {
				t.Fatalf("unexpected cancelled request %+v", got)
			}
			for _, to := range []models.Status{models.StatusAccepted, models.StatusCompleted, models.StatusRejected, models.StatusCancelled} {
				if _, err := s.TransitionStatus(ctx, r.ID, to, models.TransitionMeta{At: at}); !errors.Is(err, models.ErrInvalidTransition) {
					t.Fatalf("terminal -> %s: expected ErrInvalidTransition, got %v", to, err)
				}
			}
			if _, err := s.TransitionStatus(ctx, "TOW-missing", models.StatusAccepted, models.TransitionMeta{At: at}); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newRequest(t)
			_ = s.CreateRequest(ctx, r)

			const n = 20
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners []string
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					_, err := s.TransitionStatus(ctx, r.ID, models.StatusAccepted, models.TransitionMeta{AcceptedBy: id, At: time.Now()})
					if err == nil {
						mu.Lock()
						winners = append(winners, id)
						mu.Unlock()
						return
					}
					if !errors.Is(err, models.ErrInvalidTransition) {
						t.Errorf("unexpected error: %v", err)
					}
				}(fmt.Sprintf("m%d", i))
			}
			wg.Wait()
			if len(winners) != 1 {
				t.Fatalf("expected exactly one winner, got %v", winners)
			}
			got, _ := s.GetRequest(ctx, r.ID)
			if got.AcceptedBy != winners[0] {
				t.Fatalf("acceptedBy %s, winner %s", got.AcceptedBy, winners[0])
			}
		})
	}
}

func TestAppendRejectionIdempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newRequest(t)
			_ = s.CreateRequest(ctx, r)
			for _, m := range []string{"m1", "m2", "m1", "m2", "m3"} {
				if err := s.AppendRejection(ctx, r.ID, m); err != nil {
					t.Fatalf("append %s: %v", m, err)
				}
			}
			got, _ := s.GetRequest(ctx, r.ID)
			if fmt.Sprint(got.RejectedBy) != "[m1 m2 m3]" {
				t.Fatalf("unexpected rejection set %v", got.RejectedBy)
			}
			if err := s.AppendRejection(ctx, "TOW-missing", "m1"); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, SQLite, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	for i := 0; i < 2; i++ {
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ? WHERE b = ? AND c IN (?,?)"
	if got := Postgres.rebind(q); got != "UPDATE t SET a = $1 WHERE b = $2 AND c IN ($3,$4)" {
		t.Fatalf("unexpected postgres query %q", got)
	}
	if got := SQLite.rebind(q); got != q {
		t.Fatalf("sqlite query must be unchanged, got %q", got)
	}
}
