// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve.
type ErrCampaignNotFound struct {
	CampaignID uuid.UUID
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

func NewCampaignNotFound(id uuid.UUID) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrNotFound is the generic lookup miss for leads, templates and senders.
var ErrNotFound = errors.New("not found")

// ValidationError is bad caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NoRecipientsError means recipient resolution produced an empty set.
type NoRecipientsError struct {
	CampaignID uuid.UUID
}

func (e *NoRecipientsError) Error() string {
	return fmt.Sprintf("campaign %s has no eligible recipients", e.CampaignID)
}

// As lets errors.As(err, **ValidationError) match a NoRecipientsError.
func (e *NoRecipientsError) As(target any) bool {
	if v, ok := target.(**ValidationError); ok {
		*v = &ValidationError{Field: "recipients", Reason: e.Error()}
		return true
	}
	return false
}

// TransportError is a failed send of one message. Permanent marks a hard bounce. Unknown marks a send
// that was abandoned after it may already have been delivered; it must not be retried.
type TransportError struct {
	Reason    string
	Permanent bool
	Unknown   bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
	}
	return "transport: " + e.Reason
}

func (e *TransportError) Unwrap() error { return e.Err }

func NewTransport(reason string, permanent bool, err error) error {
	return &TransportError{Reason: reason, Permanent: permanent, Err: err}
}

func NewTransportUnknown(reason string, err error) error {
	return &TransportError{Reason: reason, Unknown: true, Err: err}
}

// SetupError means no mail transport could be established for the tenant.
// It fails the whole campaign.
type SetupError struct {
	Reason string
	Err    error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mail transport setup failed: %s: %v", e.Reason, e.Err)
	}
	return "mail transport setup failed: " + e.Reason
}

func (e *SetupError) Unwrap() error { return e.Err }

func NewSetup(reason string, err error) error {
	return &SetupError{Reason: reason, Err: err}
}

// InvalidTransitionError rejects a status change the lifecycle does not allow.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid campaign transition from %s to %s", e.From, e.To)
}

// CampaignLockedError rejects edits once a campaign left the editable states.
type CampaignLockedError struct {
	Status string
}

func (e *CampaignLockedError) Error() string {
	return fmt.Sprintf("campaign is locked in status %s", e.Status)
}

// ConcurrencyConflict is returned to the loser of two racing transitions.
type ConcurrencyConflict struct {
	CampaignID uuid.UUID
	Expected   string
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("campaign %s changed concurrently (expected status %s)", e.CampaignID, e.Expected)
}

func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf) || errors.Is(err, ErrNotFound)
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		transition *InvalidTransitionError
		locked     *CampaignLockedError
		conflict   *ConcurrencyConflict
		setup      *SetupError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &transition), errors.As(err, &locked), errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &setup):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
