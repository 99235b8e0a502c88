package session

import (
	"fmt"

	"shop-monitor-backend/internal/apperr"
)

// DenyReason explains a refused login.
type DenyReason string

const (
	DenyUserNotFound     DenyReason = "user_not_found"
	DenyMachineNotFound  DenyReason = "machine_not_found"
	DenyUserInactive     DenyReason = "user_inactive"
	DenyNotAuthorized    DenyReason = "not_authorized"
	DenyExclusiveInUse   DenyReason = "exclusive_in_use"
	DenyCapacityExceeded DenyReason = "capacity_exceeded"
	DenyNotLeadEligible  DenyReason = "not_lead_eligible"
)

var denyMessages = map[DenyReason]string{
	DenyUserNotFound:     "user not found",
	DenyMachineNotFound:  "machine not found",
	DenyUserInactive:     "user is inactive",
	DenyNotAuthorized:    "user is not authorized for this machine",
	DenyExclusiveInUse:   "machine in exclusive use",
	DenyCapacityExceeded: "capacity exceeded",
	DenyNotLeadEligible:  "not eligible for lead",
}

// DeniedError is a reported, non-retried login refusal.
type DeniedError struct {
	Reason DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("login denied: %s", denyMessages[e.Reason])
}

// Message is the human readable reason.
func (e *DeniedError) Message() string { return denyMessages[e.Reason] }

// Kind classifies the denial for HTTP mapping.
func (e *DeniedError) Kind() apperr.Kind {
	switch e.Reason {
	case DenyUserNotFound, DenyMachineNotFound:
		return apperr.KindNotFound
	case DenyCapacityExceeded:
		return apperr.KindCapacity
	default:
		return apperr.KindAuthorization
	}
}

func deny(r DenyReason) error { return &DeniedError{Reason: r} }

var (
	ErrNoActiveSession = apperr.New(apperr.KindValidation, "user does not have an active session")
	ErrNegativeQty     = apperr.New(apperr.KindValidation, "quantities must be non-negative")
)
