package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/towing-dispatch/internal/dispatch"
	"github.com/example/towing-dispatch/internal/geo"
	"github.com/example/towing-dispatch/internal/models"
	"github.com/example/towing-dispatch/internal/towing"
)

// LocationPublisher forwards mechanic location updates to the stream consumer.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, m models.Mechanic) error
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Server struct {
	Towing    *towing.Service
	Directory geo.Directory
	Presence  dispatch.Presence
	Locations LocationPublisher // optional
	Checks    []Check

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc *towing.Service, dir geo.Directory, presence dispatch.Presence, locations LocationPublisher, logger *slog.Logger, checks ...Check) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Towing:    svc,
		Directory: dir,
		Presence:  presence,
		Locations: locations,
		Checks:    checks,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.registerMiddleware()
	api := s.mux.PathPrefix("/api/v1/towing").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/responses", s.handleResponse).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/mechanics/locations", s.handleMechanicLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createResponse struct {
	RequestID  string        `json:"request_id"`
	Status     models.Status `json:"status"`
	Candidates int           `json:"candidates"`
	Message    string        `json:"message,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in towing.CreateInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, rep, err := s.Towing.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := createResponse{RequestID: req.ID, Status: req.Status, Candidates: rep.Candidates}
	if req.Status == models.StatusRejected {
		out.Message = towing.MsgNoMechanic
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Towing.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var resp models.MechanicResponse
	if err := decode(r, &resp); err != nil {
		s.writeError(w, r, err)
		return
	}
	if resp.RequestID == "" || resp.MechanicID == "" {
		s.writeError(w, r, fmt.Errorf("%w: request_id and mechanic_id are required", models.ErrValidation))
		return
	}
	res, err := s.Towing.Respond(r.Context(), resp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if !res.Applied {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequesterID string `json:"requester_id"`
		Reason      string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.Towing.Cancel(r.Context(), mux.Vars(r)["id"], body.RequesterID, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MechanicID string `json:"mechanic_id"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.Towing.Complete(r.Context(), mux.Vars(r)["id"], body.MechanicID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleMechanicLocation(w http.ResponseWriter, r *http.Request) {
	var m models.Mechanic
	if err := decode(r, &m); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(m.ID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: id is required", models.ErrValidation))
		return
	}
	if m.Loc.Lat < -90 || m.Loc.Lat > 90 || m.Loc.Lon < -180 || m.Loc.Lon > 180 {
		s.writeError(w, r, fmt.Errorf("%w: coordinates out of range", models.ErrValidation))
		return
	}
	m.Updated = time.Now().UTC()
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), m); err != nil {
			s.logger.Warn("publish mechanic location failed", "mechanic_id", m.ID, "err", err)
		}
	}
	if err := s.Directory.Upsert(r.Context(), m); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", models.ErrUnavailable, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.Checks {
		if err := c.Fn(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", c.Name, "err", err)
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// mobile clients do not send a browser Origin
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS keeps the socket registered for as long as the client holds it.
// Inbound frames are only read to notice the close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", id, "err", err)
		return
	}
	s.Presence.Connect(id, conn)
	defer func() {
		s.Presence.Disconnect(id, conn)
		_ = conn.Close()
	}()
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInvalidOutcome):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrUnknownMechanic):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
