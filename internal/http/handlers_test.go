package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/towing-dispatch/internal/dispatch"
	"github.com/example/towing-dispatch/internal/geo"
	"github.com/example/towing-dispatch/internal/models"
	"github.com/example/towing-dispatch/internal/queue"
	"github.com/example/towing-dispatch/internal/storage"
	"github.com/example/towing-dispatch/internal/towing"
)

type fakeLocations struct{ got []models.Mechanic }

func (f *fakeLocations) PublishLocation(_ context.Context, m models.Mechanic) error {
	f.got = append(f.got, m)
	return nil
}

type testEnv struct {
	srv       *httptest.Server
	presence  *dispatch.WSRegistry
	locations *fakeLocations
}

func newTestEnv(t *testing.T, checks ...Check) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := geo.NewIndex()
	q := queue.NewMemoryQueue()
	presence := dispatch.NewWSRegistry()
	svc := &towing.Service{
		Store:     storage.NewMemoryStore(),
		Mechanics: dir,
		Finder:    geo.NewFinder(dir, 50, 10),
		Fanout:    dispatch.NewFanout(presence, &dispatch.LogPusher{Logger: logger}, q, 5*time.Minute, logger),
		Queue:     q,
		Logger:    logger,
	}
	env := &testEnv{presence: presence, locations: &fakeLocations{}}
	env.srv = httptest.NewServer(NewServer(svc, dir, presence, env.locations, logger, checks...))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) addMechanic(t *testing.T, id string, lat float64) {
	t.Helper()
	resp, _ := e.do(t, http.MethodPost, "/internal/mechanics/locations", map[string]any{
		"id":        id,
		"name":      "Usta " + id,
		"loc":       map[string]float64{"lat": lat, "lon": 29.0},
		"available": true,
		"services":  []string{"towing"},
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("location update for %s: %d", id, resp.StatusCode)
	}
}

var createBody = map[string]any{
	"requester_id": "u1",
	"requester":    map[string]any{"name": "Ayşe", "phone": "+905551112233"},
	"vehicle":      map[string]any{"type": "sedan", "plate": "34ABC123"},
	"location":     map[string]any{"latitude": 41.0, "longitude": 29.0, "address": "D-100"},
	"emergency":    map[string]any{"reason": "flat tyre", "severity": "high"},
}

func TestTowingFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.addMechanic(t, "near", 41.045)
	env.addMechanic(t, "far", 41.36)
	if len(env.locations.got) != 2 {
		t.Fatalf("locations should be forwarded, got %d", len(env.locations.got))
	}

	resp, created := env.do(t, http.MethodPost, "/api/v1/towing/requests", createBody)
	if resp.StatusCode != http.StatusCreated || created["status"] != "pending" || created["candidates"] != float64(2) {
		t.Fatalf("create: %d %v", resp.StatusCode, created)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
	id := created["request_id"].(string)
	if !strings.HasPrefix(id, "TOW-") {
		t.Fatalf("unexpected id %q", id)
	}

	resp, out := env.do(t, http.MethodPost, "/api/v1/towing/responses", map[string]any{"request_id": id, "mechanic_id": "far", "response": "accept", "estimated_arrival_minutes": 30})
	if resp.StatusCode != http.StatusOK || out["applied"] != true || out["status"] != "accepted" {
		t.Fatalf("accept: %d %v", resp.StatusCode, out)
	}
	resp, out = env.do(t, http.MethodPost, "/api/v1/towing/responses", map[string]any{"request_id": id, "mechanic_id": "near", "response": "accept"})
	if resp.StatusCode != http.StatusConflict || out["applied"] != false {
		t.Fatalf("late accept: %d %v", resp.StatusCode, out)
	}

	resp, got := env.do(t, http.MethodGet, "/api/v1/towing/requests/"+id, nil)
	if resp.StatusCode != http.StatusOK || got["accepted_by"] != "far" || got["estimated_arrival"] == nil {
		t.Fatalf("get: %d %v", resp.StatusCode, got)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/v1/towing/requests/"+id+"/complete", map[string]any{"mechanic_id": "near"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("complete by other mechanic: %d", resp.StatusCode)
	}
	resp, got = env.do(t, http.MethodPost, "/api/v1/towing/requests/"+id+"/complete", map[string]any{"mechanic_id": "far"})
	if resp.StatusCode != http.StatusOK || got["status"] != "completed" {
		t.Fatalf("complete: %d %v", resp.StatusCode, got)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/towing/requests/"+id+"/cancel", map[string]any{"requester_id": "u1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel completed request: %d", resp.StatusCode)
	}
}

func TestCreateWithoutMechanicsReportsRejection(t *testing.T) {
	env := newTestEnv(t)
	resp, out := env.do(t, http.MethodPost, "/api/v1/towing/requests", createBody)
	if resp.StatusCode != http.StatusCreated || out["status"] != "rejected" || out["message"] != towing.MsgNoMechanic {
		t.Fatalf("create: %d %v", resp.StatusCode, out)
	}
}

func TestErrorStatusCodes(t *testing.T) {
	env := newTestEnv(t)
	env.addMechanic(t, "m1", 41.01)
	_, created := env.do(t, http.MethodPost, "/api/v1/towing/requests", createBody)
	id := created["request_id"].(string)

	invalid := map[string]any{}
	for k, v := range createBody {
		invalid[k] = v
	}
	invalid["location"] = map[string]any{"latitude": 0, "longitude": 0}

	cases := []struct {
		name, method, path string
		body               any
		want               int
	}{
		{"missing coordinates", http.MethodPost, "/api/v1/towing/requests", invalid, http.StatusBadRequest},
		{"unknown request", http.MethodGet, "/api/v1/towing/requests/TOW-0-missing", nil, http.StatusNotFound},
		{"unknown mechanic", http.MethodPost, "/api/v1/towing/responses", map[string]any{"request_id": id, "mechanic_id": "ghost", "response": "accept"}, http.StatusNotFound},
		{"bad outcome", http.MethodPost, "/api/v1/towing/responses", map[string]any{"request_id": id, "mechanic_id": "m1", "response": "maybe"}, http.StatusBadRequest},
		{"missing ids", http.MethodPost, "/api/v1/towing/responses", map[string]any{"response": "accept"}, http.StatusBadRequest},
		{"not the requester", http.MethodPost, "/api/v1/towing/requests/" + id + "/cancel", map[string]any{"requester_id": "u2"}, http.StatusForbidden},
		{"location without id", http.MethodPost, "/internal/mechanics/locations", map[string]any{"loc": map[string]float64{"lat": 1}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, out := env.do(t, tc.method, tc.path, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("got %d want %d (%v)", resp.StatusCode, tc.want, out)
			}
			if out["error"] == nil {
				t.Fatalf("expected json error body, got %v", out)
			}
		})
	}
}

func TestReadyReportsFailingCheck(t *testing.T) {
	env := newTestEnv(t, Check{Name: "database", Fn: func(context.Context) error { return io.ErrUnexpectedEOF }})
	resp, err := http.Get(env.srv.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	resp, err = http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestWebsocketReceivesOffer(t *testing.T) {
	env := newTestEnv(t)
	env.addMechanic(t, "m1", 41.02)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/m1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !env.presence.Connected("m1") {
		if time.Now().After(deadline) {
			t.Fatal("mechanic never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, created := env.do(t, http.MethodPost, "/api/v1/towing/requests", createBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env0 struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&env0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env0.Event != dispatch.EventTowingRequest || env0.Data["request_id"] != created["request_id"] || env0.Data["expires_at"] == nil {
		t.Fatalf("unexpected frame %+v", env0)
	}

	_ = conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for env.presence.Connected("m1") {
		if time.Now().After(deadline) {
			t.Fatal("closed socket was not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
