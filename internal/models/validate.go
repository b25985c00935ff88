package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewTowingRequest validates the intake fields and returns a pending request
// with a freshly generated identifier. The identifier never comes from the
// storage layer so it survives any change of backend.
func NewTowingRequest(requesterID string, requester Contact, vehicle VehicleInfo, loc PickupLocation, emergency EmergencyDetails, now time.Time) (*TowingRequest, error) {
	if strings.TrimSpace(requesterID) == "" {
		return nil, fmt.Errorf("%w: requester id is required", ErrValidation)
	}
	// (0,0) is what a client sends when it has no fix at all.
	if loc.Latitude == 0 && loc.Longitude == 0 {
		return nil, fmt.Errorf("%w: pickup coordinates are required", ErrValidation)
	}
	if err := Validate(loc); err != nil {
		return nil, err
	}
	if err := Validate(vehicle); err != nil {
		return nil, err
	}
	if err := Validate(emergency); err != nil {
		return nil, err
	}
	now = now.UTC()
	return &TowingRequest{
		ID:          NewRequestID(now),
		RequesterID: requesterID,
		Requester:   requester,
		Vehicle:     vehicle,
		Location:    loc,
		Emergency:   emergency,
		Status:      StatusPending,
		RejectedBy:  []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewRequestID builds "TOW-<unix millis>-<random suffix>".
func NewRequestID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("TOW-%d-%s", now.UnixMilli(), suffix)
}

// Validate runs struct tag validation and folds the result into ErrValidation.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}
