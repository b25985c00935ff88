// Package towing runs the emergency towing flow: intake, dispatch to nearby
// mechanics, first-accept-wins arbitration and the decline bookkeeping that
// either widens the search or gives up.
package towing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/towing-dispatch/internal/dispatch"
	"github.com/example/towing-dispatch/internal/eta"
	"github.com/example/towing-dispatch/internal/events"
	"github.com/example/towing-dispatch/internal/geo"
	"github.com/example/towing-dispatch/internal/models"
	"github.com/example/towing-dispatch/internal/observability"
	"github.com/example/towing-dispatch/internal/payments"
	"github.com/example/towing-dispatch/internal/queue"
	"github.com/example/towing-dispatch/internal/storage"
)

// Requester-facing messages.
const (
	MsgAccepted   = "talebiniz kabul edildi"
	MsgNoMechanic = "çekici bulunamadı"
	MsgCompleted  = "çekici hizmeti tamamlandı"
	MsgCancelled  = "talep iptal edildi"
)

type Service struct {
	Store     storage.RequestStore
	Mechanics geo.Directory
	Finder    *geo.Finder
	Fanout    *dispatch.Fanout
	Queue     queue.Queue
	ETA       *eta.Estimator   // optional
	Events    events.Publisher // optional
	Payments  payments.Holder  // optional
	Fee       Fee
	Logger    *slog.Logger

	now func() time.Time
}

// Fee is the call-out amount held on the requester's card while a tow is open.
type Fee struct {
	AmountCents int64
	Currency    string
}

type CreateInput struct {
	RequesterID string                  `json:"requester_id"`
	Requester   models.Contact          `json:"requester"`
	Vehicle     models.VehicleInfo      `json:"vehicle"`
	Location    models.PickupLocation   `json:"location"`
	Emergency   models.EmergencyDetails `json:"emergency"`
}

// Result reports the request status after a mechanic response. Applied is
// false for late or duplicate arrivals, which change nothing.
type Result struct {
	RequestID string        `json:"request_id"`
	Status    models.Status `json:"status"`
	Applied   bool          `json:"applied"`
}

type MechanicInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Notice is the payload of requester and mechanic status events.
type Notice struct {
	RequestID        string        `json:"request_id"`
	Status           models.Status `json:"status"`
	Message          string        `json:"message"`
	Mechanic         *MechanicInfo `json:"mechanic,omitempty"`
	EstimatedArrival *time.Time    `json:"estimated_arrival,omitempty"`
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Create validates and persists a request, then dispatches it to the nearest
// eligible mechanics. With no one in range the request is rejected at once.
// When the candidate search or offer bookkeeping fails the request is
// cancelled so it never lingers in pending without anyone notified.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.TowingRequest, dispatch.Report, error) {
	req, err := models.NewTowingRequest(in.RequesterID, in.Requester, in.Vehicle, in.Location, in.Emergency, s.clock())
	if err != nil {
		return nil, dispatch.Report{}, err
	}
	// dispatch side effects must outlive a client that hangs up
	ctx = context.WithoutCancel(ctx)

	s.hold(ctx, req)
	if err := s.Store.CreateRequest(ctx, req); err != nil {
		s.releaseHold(ctx, req)
		return nil, dispatch.Report{}, fmt.Errorf("create request: %w", err)
	}
	observability.RequestsCreated.Inc()
	s.logger().Info("towing request created", "request_id", req.ID, "requester_id", req.RequesterID, "severity", req.Emergency.Severity)
	s.publish(ctx, events.Event{Type: events.TypeCreated, RequestID: req.ID, Status: req.Status, At: req.CreatedAt})

	cands, err := s.Finder.Find(ctx, req.Location.Coord(), nil)
	if err != nil {
		return nil, dispatch.Report{}, s.abort(ctx, req, fmt.Errorf("find mechanics: %w", err))
	}
	if len(cands) == 0 {
		updated, err := s.giveUp(ctx, req)
		return updated, dispatch.Report{}, err
	}
	rep, err := s.Fanout.Dispatch(ctx, req, cands)
	if err != nil {
		return nil, dispatch.Report{}, s.abort(ctx, req, err)
	}
	return req, rep, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.TowingRequest, error) {
	return s.Store.GetRequest(ctx, id)
}

// Respond applies a mechanic's answer. Responses that arrive after the
// request left pending are no-ops reported with Applied=false.
func (s *Service) Respond(ctx context.Context, resp models.MechanicResponse) (Result, error) {
	if resp.Outcome != models.OutcomeAccept && resp.Outcome != models.OutcomeReject {
		return Result{}, models.ErrInvalidOutcome
	}
	ctx = context.WithoutCancel(ctx)
	req, err := s.Store.GetRequest(ctx, resp.RequestID)
	if err != nil {
		return Result{}, err
	}
	mech, err := s.Mechanics.Get(ctx, resp.MechanicID)
	if err != nil {
		return Result{}, err
	}
	entries, err := s.Queue.Entries(ctx, req.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load offers: %w", err)
	}
	entry, offered := entries[mech.ID]
	if !offered {
		return Result{}, fmt.Errorf("%w: mechanic %s holds no offer for %s", models.ErrForbidden, mech.ID, req.ID)
	}
	if req.Status != models.StatusPending {
		return s.late(req, resp), nil
	}

	if resp.Outcome == models.OutcomeAccept {
		if entry != queue.EntryPending {
			return s.late(req, resp), nil
		}
		return s.accept(ctx, req, mech, resp)
	}
	return s.reject(ctx, req, mech)
}

func (s *Service) late(req *models.TowingRequest, resp models.MechanicResponse) Result {
	observability.Responses.WithLabelValues(string(resp.Outcome), "late").Inc()
	s.logger().Info("late response ignored", "request_id", req.ID, "mechanic_id", resp.MechanicID, "response", resp.Outcome, "status", req.Status)
	return Result{RequestID: req.ID, Status: req.Status, Applied: false}
}

func (s *Service) accept(ctx context.Context, req *models.TowingRequest, mech models.Mechanic, resp models.MechanicResponse) (Result, error) {
	now := s.clock()
	meta := models.TransitionMeta{AcceptedBy: mech.ID, At: now}
	switch {
	case s.ETA != nil:
		arrival := s.ETA.Arrival(ctx, mech.Loc, req.Location.Coord(), now, resp.EstimatedArrivalMinutes)
		meta.EstimatedArrival = &arrival
	case resp.EstimatedArrivalMinutes > 0:
		arrival := now.Add(time.Duration(resp.EstimatedArrivalMinutes) * time.Minute)
		meta.EstimatedArrival = &arrival
	}

	updated, err := s.Store.TransitionStatus(ctx, req.ID, models.StatusAccepted, meta)
	if errors.Is(err, models.ErrInvalidTransition) {
		// someone else won the race
		cur, gerr := s.Store.GetRequest(ctx, req.ID)
		if gerr != nil {
			return Result{}, gerr
		}
		return s.late(cur, resp), nil
	}
	if err != nil {
		observability.Responses.WithLabelValues(string(resp.Outcome), "error").Inc()
		return Result{}, fmt.Errorf("accept request: %w", err)
	}
	observability.Responses.WithLabelValues(string(resp.Outcome), "applied").Inc()
	observability.RequestOutcomes.WithLabelValues(string(models.StatusAccepted)).Inc()
	observability.AcceptLatency.Observe(now.Sub(updated.CreatedAt).Seconds())
	s.logger().Info("towing request accepted", "request_id", req.ID, "mechanic_id", mech.ID)

	if err := s.Queue.Mark(ctx, req.ID, mech.ID, queue.EntryAccepted); err != nil {
		s.logger().Warn("mark accepted offer failed", "request_id", req.ID, "mechanic_id", mech.ID, "err", err)
	}
	others, err := queue.Outstanding(ctx, s.Queue, req.ID)
	if err != nil {
		s.logger().Warn("load outstanding offers failed", "request_id", req.ID, "err", err)
	}
	s.Fanout.Withdraw(ctx, req.ID, others, "accepted")

	s.Fanout.Notify(ctx, dispatch.Message{
		RequestID: req.ID,
		To:        updated.RequesterID,
		PushToken: updated.Requester.PushToken,
		Event:     dispatch.EventAccepted,
		Payload: Notice{
			RequestID:        req.ID,
			Status:           updated.Status,
			Message:          MsgAccepted,
			Mechanic:         &MechanicInfo{ID: mech.ID, Name: mech.Name, Phone: mech.Phone},
			EstimatedArrival: updated.EstimatedArrival,
		},
		Title: "Çekici yolda",
		Body:  MsgAccepted,
	})
	s.publish(ctx, events.Event{Type: events.TypeAccepted, RequestID: req.ID, MechanicID: mech.ID, Status: updated.Status, At: now})
	return Result{RequestID: req.ID, Status: updated.Status, Applied: true}, nil
}

// reject records the decline and, once nobody contacted is still deciding,
// searches again without the decliners or gives up.
func (s *Service) reject(ctx context.Context, req *models.TowingRequest, mech models.Mechanic) (Result, error) {
	if err := s.Store.AppendRejection(ctx, req.ID, mech.ID); err != nil {
		return Result{}, fmt.Errorf("record rejection: %w", err)
	}
	if err := s.Queue.Mark(ctx, req.ID, mech.ID, queue.EntryRejected); err != nil {
		return Result{}, fmt.Errorf("mark rejection: %w", err)
	}
	observability.Responses.WithLabelValues(string(models.OutcomeReject), "applied").Inc()
	s.publish(ctx, events.Event{Type: events.TypeDeclined, RequestID: req.ID, MechanicID: mech.ID, Status: req.Status, At: s.clock()})

	outstanding, err := queue.Outstanding(ctx, s.Queue, req.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load outstanding offers: %w", err)
	}
	if len(outstanding) > 0 {
		return Result{RequestID: req.ID, Status: models.StatusPending, Applied: true}, nil
	}
	return s.redispatch(ctx, req.ID)
}

// redispatch is safe to repeat: a retried decline lands here again with the
// same rejection set.
func (s *Service) redispatch(ctx context.Context, id string) (Result, error) {
	cur, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if cur.Status != models.StatusPending {
		return Result{RequestID: id, Status: cur.Status, Applied: true}, nil
	}
	cands, err := s.Finder.Find(ctx, cur.Location.Coord(), cur.RejectedBy)
	if err != nil {
		return Result{}, fmt.Errorf("find mechanics: %w", err)
	}
	if len(cands) == 0 {
		updated, err := s.giveUp(ctx, cur)
		if err != nil {
			return Result{}, err
		}
		return Result{RequestID: id, Status: updated.Status, Applied: true}, nil
	}
	rep, err := s.Fanout.Dispatch(ctx, cur, cands)
	if err != nil {
		return Result{}, err
	}
	s.logger().Info("towing request redispatched", "request_id", id, "candidates", rep.Candidates, "excluded", len(cur.RejectedBy))
	s.publish(ctx, events.Event{Type: events.TypeRedispatched, RequestID: id, Status: cur.Status, Candidates: rep.Candidates, At: s.clock()})
	return Result{RequestID: id, Status: models.StatusPending, Applied: true}, nil
}

// giveUp moves a pending request to rejected and tells the requester. If the
// request left pending meanwhile, its current state is returned unchanged.
func (s *Service) giveUp(ctx context.Context, req *models.TowingRequest) (*models.TowingRequest, error) {
	now := s.clock()
	updated, err := s.Store.TransitionStatus(ctx, req.ID, models.StatusRejected, models.TransitionMeta{At: now})
	if errors.Is(err, models.ErrInvalidTransition) {
		return s.Store.GetRequest(ctx, req.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("reject request: %w", err)
	}
	observability.RequestOutcomes.WithLabelValues(string(models.StatusRejected)).Inc()
	s.logger().Info("no mechanic available", "request_id", req.ID, "declined", len(updated.RejectedBy))
	s.releaseHold(ctx, updated)
	s.Fanout.Notify(ctx, dispatch.Message{
		RequestID: req.ID,
		To:        updated.RequesterID,
		PushToken: updated.Requester.PushToken,
		Event:     dispatch.EventNoMechanic,
		Payload:   Notice{RequestID: req.ID, Status: updated.Status, Message: MsgNoMechanic},
		Title:     "Çekici talebi",
		Body:      MsgNoMechanic,
	})
	s.publish(ctx, events.Event{Type: events.TypeRejected, RequestID: req.ID, Status: updated.Status, At: now})
	return updated, nil
}

// abort cancels a request whose dispatch could not run and returns cause
// marked unavailable.
func (s *Service) abort(ctx context.Context, req *models.TowingRequest, cause error) error {
	s.logger().Error("dispatch failed, cancelling request", "request_id", req.ID, "err", cause)
	if _, err := s.Store.TransitionStatus(ctx, req.ID, models.StatusCancelled, models.TransitionMeta{At: s.clock()}); err != nil {
		s.logger().Error("cancel after failed dispatch", "request_id", req.ID, "err", err)
	}
	s.releaseHold(ctx, req)
	if errors.Is(cause, models.ErrUnavailable) {
		return cause
	}
	return fmt.Errorf("%w: %w", models.ErrUnavailable, cause)
}

// Cancel lets the requester call off a pending or accepted tow. Mechanics
// still deciding lose the offer; an accepted mechanic is told to stand down.
func (s *Service) Cancel(ctx context.Context, id, requesterID, reason string) (*models.TowingRequest, error) {
	ctx = context.WithoutCancel(ctx)
	req, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != requesterID {
		return nil, fmt.Errorf("%w: only the requester may cancel", models.ErrForbidden)
	}
	now := s.clock()
	updated, err := s.Store.TransitionStatus(ctx, id, models.StatusCancelled, models.TransitionMeta{At: now})
	if err != nil {
		return nil, err
	}
	observability.RequestOutcomes.WithLabelValues(string(models.StatusCancelled)).Inc()
	s.logger().Info("towing request cancelled", "request_id", id, "previous_status", req.Status, "reason", reason)

	pending, err := queue.Outstanding(ctx, s.Queue, id)
	if err != nil {
		s.logger().Warn("load outstanding offers failed", "request_id", id, "err", err)
	}
	accepted, err := queue.Accepted(ctx, s.Queue, id)
	if err != nil {
		s.logger().Warn("load accepted offer failed", "request_id", id, "err", err)
	}
	for _, mid := range accepted {
		s.notifyMechanic(ctx, mid, dispatch.Message{
			RequestID: id,
			Event:     dispatch.EventCancelled,
			Payload:   Notice{RequestID: id, Status: updated.Status, Message: MsgCancelled},
			Title:     "Çekici talebi",
			Body:      MsgCancelled,
		})
	}
	s.Fanout.Withdraw(ctx, id, pending, "cancelled")
	s.releaseHold(ctx, updated)
	s.publish(ctx, events.Event{Type: events.TypeCancelled, RequestID: id, Status: updated.Status, At: now})
	return updated, nil
}

// Complete closes an accepted tow. Only the mechanic who accepted may do so.
func (s *Service) Complete(ctx context.Context, id, mechanicID string) (*models.TowingRequest, error) {
	ctx = context.WithoutCancel(ctx)
	req, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == models.StatusAccepted && req.AcceptedBy != mechanicID {
		return nil, fmt.Errorf("%w: request was accepted by another mechanic", models.ErrForbidden)
	}
	now := s.clock()
	updated, err := s.Store.TransitionStatus(ctx, id, models.StatusCompleted, models.TransitionMeta{At: now})
	if err != nil {
		return nil, err
	}
	observability.RequestOutcomes.WithLabelValues(string(models.StatusCompleted)).Inc()
	s.logger().Info("towing request completed", "request_id", id, "mechanic_id", mechanicID)

	if s.Payments != nil && updated.PaymentIntentID != "" {
		if err := s.Payments.Capture(ctx, updated.PaymentIntentID); err != nil {
			s.logger().Error("capture call-out fee failed", "request_id", id, "payment_intent", updated.PaymentIntentID, "err", err)
		}
	}
	s.Fanout.Notify(ctx, dispatch.Message{
		RequestID: id,
		To:        updated.RequesterID,
		PushToken: updated.Requester.PushToken,
		Event:     dispatch.EventCompleted,
		Payload:   Notice{RequestID: id, Status: updated.Status, Message: MsgCompleted},
		Title:     "Çekici talebi",
		Body:      MsgCompleted,
	})
	s.publish(ctx, events.Event{Type: events.TypeCompleted, RequestID: id, MechanicID: mechanicID, Status: updated.Status, At: now})
	return updated, nil
}

func (s *Service) notifyMechanic(ctx context.Context, mechanicID string, m dispatch.Message) {
	m.To = mechanicID
	if mech, err := s.Mechanics.Get(ctx, mechanicID); err == nil {
		m.PushToken = mech.PushToken
	}
	s.Fanout.Notify(ctx, m)
}

func (s *Service) hold(ctx context.Context, req *models.TowingRequest) {
	if s.Payments == nil || req.Requester.StripeCustomerID == "" || s.Fee.AmountCents <= 0 {
		return
	}
	id, err := s.Payments.Hold(ctx, s.Fee.AmountCents, s.Fee.Currency, req.Requester.StripeCustomerID, req.ID)
	if err != nil {
		// dispatch goes ahead without a hold
		s.logger().Warn("call-out fee hold failed", "request_id", req.ID, "err", err)
		return
	}
	req.PaymentIntentID = id
}

func (s *Service) releaseHold(ctx context.Context, req *models.TowingRequest) {
	if s.Payments == nil || req.PaymentIntentID == "" {
		return
	}
	if err := s.Payments.Cancel(ctx, req.PaymentIntentID); err != nil {
		s.logger().Warn("release call-out fee failed", "request_id", req.ID, "payment_intent", req.PaymentIntentID, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, e); err != nil {
		s.logger().Warn("publish lifecycle event failed", "type", e.Type, "request_id", e.RequestID, "err", err)
	}
}
