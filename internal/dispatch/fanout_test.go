package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/example/towing-dispatch/internal/models"
	"github.com/example/towing-dispatch/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type sent struct {
	to, event string
	payload   any
}

// fakeRealtime delivers to ids in online, fails for ids in broken and
// panics for ids in explode.
type fakeRealtime struct {
	mu      sync.Mutex
	online  map[string]bool
	broken  map[string]bool
	explode map[string]bool
	sent    []sent
}

func (f *fakeRealtime) Emit(id, event string, payload any) error {
	if f.explode[id] {
		panic("socket closed underneath writer")
	}
	if f.broken[id] {
		return errors.New("write: broken pipe")
	}
	if !f.online[id] {
		return ErrNoSession
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{id, event, payload})
	return nil
}

func (f *fakeRealtime) to(id string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if s.to == id {
			out = append(out, s)
		}
	}
	return out
}

type fakePusher struct {
	mu   sync.Mutex
	fail map[string]bool
	got  []Notification
}

func (f *fakePusher) Push(_ context.Context, n Notification) error {
	if f.fail[n.To] {
		return errors.New("provider rejected token")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func candidate(id, token string, km float64) models.MechanicCandidate {
	return models.MechanicCandidate{Mechanic: models.Mechanic{ID: id, PushToken: token, Available: true}, DistanceKm: km}
}

func towRequest() *models.TowingRequest {
	return &models.TowingRequest{
		ID:          "TOW-1",
		RequesterID: "u1",
		Requester:   models.Contact{Name: "Ayşe", Phone: "+905551112233", PushToken: "tok-u1"},
		Vehicle:     models.VehicleInfo{Type: "sedan", Plate: "34ABC123"},
		Location:    models.PickupLocation{Latitude: 41.0, Longitude: 29.0},
		Emergency:   models.EmergencyDetails{Reason: "engine failure", Severity: models.SeverityHigh},
		Status:      models.StatusPending,
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	rt := &fakeRealtime{
		online:  map[string]bool{"m1": true, "m2": true},
		broken:  map[string]bool{"m3": true},
		explode: map[string]bool{"m4": true},
	}
	p := &fakePusher{fail: map[string]bool{"tok-m2": true}}
	q := queue.NewMemoryQueue()
	f := NewFanout(rt, p, q, time.Minute, quietLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return fixed }

	cands := []models.MechanicCandidate{
		candidate("m1", "tok-m1", 1),
		candidate("m2", "tok-m2", 2),
		candidate("m3", "tok-m3", 3),
		candidate("m4", "", 4),
		candidate("m5", "", 5),
	}
	rep, err := f.Dispatch(context.Background(), towRequest(), cands)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// m1 both channels, m2 realtime only, m3 push only, m4 panics, m5 unreachable
	want := Report{Candidates: 5, Realtime: 2, Push: 2, Failed: 2}
	if rep != want {
		t.Fatalf("got %+v want %+v", rep, want)
	}

	out, _ := queue.Outstanding(context.Background(), q, "TOW-1")
	if len(out) != 5 {
		t.Fatalf("every candidate must hold an offer, got %v", out)
	}
	msgs := rt.to("m1")
	if len(msgs) != 1 || msgs[0].event != EventTowingRequest {
		t.Fatalf("unexpected realtime messages %+v", msgs)
	}
	offer := msgs[0].payload.(Offer)
	if offer.DistanceKm != 1 || !offer.ExpiresAt.Equal(fixed.Add(time.Minute)) || offer.Requester.Phone != "+905551112233" {
		t.Fatalf("unexpected offer %+v", offer)
	}
}

func TestDispatchWithoutCandidates(t *testing.T) {
	q := queue.NewMemoryQueue()
	f := NewFanout(&fakeRealtime{}, &fakePusher{}, q, 0, quietLogger())
	rep, err := f.Dispatch(context.Background(), towRequest(), nil)
	if err != nil || rep.Candidates != 0 {
		t.Fatalf("unexpected %+v %v", rep, err)
	}
	if f.OfferTTL != DefaultOfferTTL {
		t.Fatalf("expected default ttl, got %v", f.OfferTTL)
	}
}

type failingQueue struct{ queue.Queue }

func (failingQueue) Add(context.Context, string, ...string) error {
	return errors.New("redis down")
}

func TestDispatchStopsWhenOffersCannotBeRecorded(t *testing.T) {
	rt := &fakeRealtime{online: map[string]bool{"m1": true}}
	f := NewFanout(rt, &fakePusher{}, failingQueue{}, time.Minute, quietLogger())
	if _, err := f.Dispatch(context.Background(), towRequest(), []models.MechanicCandidate{candidate("m1", "", 1)}); err == nil {
		t.Fatal("expected error")
	}
	if len(rt.to("m1")) != 0 {
		t.Fatal("no offer may be sent before it is recorded")
	}
}

func TestWithdrawReleasesOffers(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRealtime{online: map[string]bool{"m1": true, "m2": true}}
	q := queue.NewMemoryQueue()
	_ = q.Add(ctx, "TOW-1", "m1", "m2")
	f := NewFanout(rt, nil, q, time.Minute, quietLogger())

	f.Withdraw(ctx, "TOW-1", []string{"m1", "m2"}, "accepted")

	out, _ := queue.Outstanding(ctx, q, "TOW-1")
	if len(out) != 0 {
		t.Fatalf("expected offers withdrawn, got %v", out)
	}
	for _, id := range []string{"m1", "m2"} {
		msgs := rt.to(id)
		if len(msgs) != 1 || msgs[0].event != EventOfferWithdrawn {
			t.Fatalf("%s: unexpected messages %+v", id, msgs)
		}
	}
}

func TestNotifyFallsBackToPush(t *testing.T) {
	rt := &fakeRealtime{}
	p := &fakePusher{}
	f := NewFanout(rt, p, queue.NewMemoryQueue(), time.Minute, quietLogger())

	ok := f.Notify(context.Background(), Message{RequestID: "TOW-1", To: "u1", PushToken: "tok-u1", Event: EventAccepted, Title: "Çekici", Body: "talebiniz kabul edildi"})
	if !ok {
		t.Fatal("expected push delivery")
	}
	if len(p.got) != 1 || p.got[0].Data["request_id"] != "TOW-1" || p.got[0].Data["type"] != EventAccepted {
		t.Fatalf("unexpected push %+v", p.got)
	}
	if f.Notify(context.Background(), Message{To: "nobody", Event: EventAccepted}) {
		t.Fatal("expected no delivery without session or token")
	}
}
