package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Contact is the requester projection copied onto a towing request so that
// notifications do not need a user lookup.
type Contact struct {
	Name             string `json:"name"`
	Phone            string `json:"phone"`
	PushToken        string `json:"push_token,omitempty"`
	StripeCustomerID string `json:"stripe_customer_id,omitempty"`
}

type VehicleInfo struct {
	Type  string `json:"type" validate:"required"`
	Brand string `json:"brand"`
	Model string `json:"model"`
	Year  int    `json:"year" validate:"omitempty,gte=1900,lte=2100"`
	Plate string `json:"plate" validate:"required"`
}

type PickupLocation struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Address   string  `json:"address"`
	Accuracy  float64 `json:"accuracy" validate:"gte=0"` // metres
}

func (p PickupLocation) Coord() Coord { return Coord{Lat: p.Latitude, Lon: p.Longitude} }

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

type EmergencyDetails struct {
	Reason      string   `json:"reason" validate:"required"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity" validate:"required,oneof=critical high medium"`
}

type TowingRequest struct {
	ID               string           `json:"request_id"`
	RequesterID      string           `json:"requester_id"`
	Requester        Contact          `json:"requester"`
	Vehicle          VehicleInfo      `json:"vehicle"`
	Location         PickupLocation   `json:"location"`
	Emergency        EmergencyDetails `json:"emergency"`
	Status           Status           `json:"status"`
	AcceptedBy       string           `json:"accepted_by,omitempty"`
	EstimatedArrival *time.Time       `json:"estimated_arrival,omitempty"`
	AcceptedAt       *time.Time       `json:"accepted_at,omitempty"`
	RejectedBy       []string         `json:"rejected_by"`
	PaymentIntentID  string           `json:"payment_intent_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	CancelledAt      *time.Time       `json:"cancelled_at,omitempty"`
}

// HasRejected reports whether mechanicID already declined the request.
func (r *TowingRequest) HasRejected(mechanicID string) bool {
	for _, id := range r.RejectedBy {
		if id == mechanicID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *TowingRequest) Clone() *TowingRequest {
	c := *r
	c.RejectedBy = append([]string(nil), r.RejectedBy...)
	c.EstimatedArrival = cloneTime(r.EstimatedArrival)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TransitionMeta carries the fields written alongside a status change.
type TransitionMeta struct {
	AcceptedBy       string
	EstimatedArrival *time.Time
	At               time.Time
}

const ServiceTowing = "towing"

type Mechanic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	PushToken string    `json:"push_token,omitempty"`
	Loc       Coord     `json:"loc"`
	Available bool      `json:"available"`
	Services  []string  `json:"services"`
	Updated   time.Time `json:"updated"`
}

func (m Mechanic) Offers(service string) bool {
	for _, s := range m.Services {
		if s == service {
			return true
		}
	}
	return false
}

// MechanicCandidate is a query-time view; DistanceKm is recomputed per request.
type MechanicCandidate struct {
	Mechanic
	DistanceKm float64 `json:"distance_km"`
}

type Outcome string

const (
	OutcomeAccept Outcome = "accept"
	OutcomeReject Outcome = "reject"
)

type MechanicResponse struct {
	RequestID               string  `json:"request_id"`
	MechanicID              string  `json:"mechanic_id"`
	Outcome                 Outcome `json:"response"`
	EstimatedArrivalMinutes int     `json:"estimated_arrival_minutes,omitempty"`
	Message                 string  `json:"message,omitempty"`
}
