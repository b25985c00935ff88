package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/towing-dispatch/internal/models"
	"github.com/example/towing-dispatch/internal/observability"
	"github.com/example/towing-dispatch/internal/queue"
)

const DefaultOfferTTL = 5 * time.Minute

// RequesterInfo is the part of the requester a mechanic gets to see.
type RequesterInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Offer is the payload of a towing:request event.
type Offer struct {
	RequestID  string                  `json:"request_id"`
	Requester  RequesterInfo           `json:"requester"`
	Vehicle    models.VehicleInfo      `json:"vehicle"`
	Location   models.PickupLocation   `json:"location"`
	Emergency  models.EmergencyDetails `json:"emergency"`
	DistanceKm float64                 `json:"distance_km"`
	ExpiresAt  time.Time               `json:"expires_at"`
}

// Report summarises one fan-out. A candidate reached on both channels counts
// once in each of Realtime and Push; Failed counts candidates reached on neither.
type Report struct {
	Candidates int
	Realtime   int
	Push       int
	Failed     int
}

type delivery struct {
	realtime, push, failed bool
}

// Fanout notifies candidate mechanics concurrently over the realtime channel
// and push. A failure for one candidate never affects the others.
type Fanout struct {
	Realtime Realtime
	Pusher   Pusher
	Queue    queue.Queue
	OfferTTL time.Duration
	Logger   *slog.Logger

	now func() time.Time
}

func NewFanout(rt Realtime, p Pusher, q queue.Queue, offerTTL time.Duration, logger *slog.Logger) *Fanout {
	if offerTTL <= 0 {
		offerTTL = DefaultOfferTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{Realtime: rt, Pusher: p, Queue: q, OfferTTL: offerTTL, Logger: logger, now: time.Now}
}

// Dispatch records every candidate as outstanding and then delivers the
// offer to all of them, returning once each delivery has finished.
func (f *Fanout) Dispatch(ctx context.Context, req *models.TowingRequest, cands []models.MechanicCandidate) (Report, error) {
	rep := Report{Candidates: len(cands)}
	observability.FanoutCandidates.Observe(float64(len(cands)))
	if len(cands) == 0 {
		return rep, nil
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.ID
	}
	// offers are recorded before any mechanic can answer them
	if err := f.Queue.Add(ctx, req.ID, ids...); err != nil {
		return Report{}, fmt.Errorf("record offers: %w", err)
	}

	expires := f.now().Add(f.OfferTTL).UTC()
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range cands {
		wg.Add(1)
		go func(c models.MechanicCandidate) {
			defer wg.Done()
			d := f.deliver(ctx, req, c, expires)
			mu.Lock()
			defer mu.Unlock()
			if d.realtime {
				rep.Realtime++
			}
			if d.push {
				rep.Push++
			}
			if d.failed {
				rep.Failed++
			}
		}(c)
	}
	wg.Wait()
	f.Logger.Info("fanout complete", "request_id", req.ID, "candidates", rep.Candidates, "realtime", rep.Realtime, "push", rep.Push, "failed", rep.Failed)
	return rep, nil
}

func (f *Fanout) deliver(ctx context.Context, req *models.TowingRequest, c models.MechanicCandidate, expires time.Time) (d delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			f.Logger.Error("notify panic", "request_id", req.ID, "mechanic_id", c.ID, "panic", rec)
			d.failed = true
		}
	}()
	offer := Offer{
		RequestID:  req.ID,
		Requester:  RequesterInfo{ID: req.RequesterID, Name: req.Requester.Name, Phone: req.Requester.Phone},
		Vehicle:    req.Vehicle,
		Location:   req.Location,
		Emergency:  req.Emergency,
		DistanceKm: c.DistanceKm,
		ExpiresAt:  expires,
	}
	d.realtime = f.emit(req.ID, c.ID, EventTowingRequest, offer)
	d.push = f.push(ctx, req.ID, c.ID, Notification{
		To:    c.PushToken,
		Title: "Acil çekici talebi",
		Body:  fmt.Sprintf("%s, %.1f km uzakta: %s", req.Vehicle.Type, c.DistanceKm, req.Emergency.Reason),
		Data:  map[string]any{"type": EventTowingRequest, "request_id": req.ID},
	})
	d.failed = !d.realtime && !d.push
	if d.failed {
		f.Logger.Warn("mechanic unreachable", "request_id", req.ID, "mechanic_id", c.ID)
	}
	return d
}

func (f *Fanout) emit(requestID, id, event string, payload any) bool {
	if f.Realtime == nil {
		return false
	}
	err := f.Realtime.Emit(id, event, payload)
	switch {
	case err == nil:
		observability.Notifications.WithLabelValues("realtime", "sent").Inc()
		return true
	case errors.Is(err, ErrNoSession):
		observability.Notifications.WithLabelValues("realtime", "offline").Inc()
	default:
		observability.Notifications.WithLabelValues("realtime", "failed").Inc()
		f.Logger.Warn("realtime delivery failed", "request_id", requestID, "recipient", id, "event", event, "err", err)
	}
	return false
}

func (f *Fanout) push(ctx context.Context, requestID, id string, n Notification) bool {
	if f.Pusher == nil || n.To == "" {
		return false
	}
	if err := f.Pusher.Push(ctx, n); err != nil {
		observability.Notifications.WithLabelValues("push", "failed").Inc()
		f.Logger.Warn("push delivery failed", "request_id", requestID, "recipient", id, "err", err)
		return false
	}
	observability.Notifications.WithLabelValues("push", "sent").Inc()
	return true
}

// Withdraw tells mechanics that an offer they hold is no longer open.
func (f *Fanout) Withdraw(ctx context.Context, requestID string, mechanicIDs []string, reason string) {
	if len(mechanicIDs) == 0 {
		return
	}
	if err := queue.Release(ctx, f.Queue, requestID, mechanicIDs); err != nil {
		f.Logger.Warn("release offers failed", "request_id", requestID, "err", err)
	}
	payload := map[string]any{"request_id": requestID, "reason": reason}
	for _, id := range mechanicIDs {
		f.emit(requestID, id, EventOfferWithdrawn, payload)
	}
}

// Message is a notification addressed to one user or mechanic.
type Message struct {
	RequestID string
	To        string
	PushToken string
	Event     string
	Payload   any
	Title     string
	Body      string
}

// Notify sends m over realtime and, when a token is known, push. Delivery
// failures are logged only; it reports whether any channel succeeded.
func (f *Fanout) Notify(ctx context.Context, m Message) bool {
	rt := f.emit(m.RequestID, m.To, m.Event, m.Payload)
	p := f.push(ctx, m.RequestID, m.To, Notification{
		To:    m.PushToken,
		Title: m.Title,
		Body:  m.Body,
		Data:  map[string]any{"type": m.Event, "request_id": m.RequestID},
	})
	return rt || p
}
