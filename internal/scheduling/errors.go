package scheduling

import (
	"errors"
	"fmt"

	"github.com/hackgods/healthhub-scheduler/internal/appointment"
	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/lock"
	"github.com/hackgods/healthhub-scheduler/internal/slots"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a request the engine rejected before touching any
// state.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Code is the stable identifier of an error class exposed to clients.
type Code string

const (
	CodeValidation        Code = "validation"
	CodeInvalidRule       Code = "invalid_rule"
	CodeInvalidWindow     Code = "invalid_window"
	CodeInvalidInterval   Code = "invalid_interval"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeStaleAvailability Code = "stale_availability"
	CodeVersionConflict   Code = "version_conflict"
	CodeExpired           Code = "expired"
	CodeLockNotAcquired   Code = "lock_not_acquired"
	CodeInternal          Code = "internal"
)

func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation),
		errors.Is(err, availability.ErrInvalidProvider),
		errors.Is(err, appointment.ErrInvalidTransition),
		errors.Is(err, appointment.ErrSameCalendar):
		return CodeValidation
	case errors.Is(err, availability.ErrInvalidRule):
		return CodeInvalidRule
	case errors.Is(err, slots.ErrInvalidWindow):
		return CodeInvalidWindow
	case errors.Is(err, slots.ErrInvalidInterval):
		return CodeInvalidInterval
	case errors.Is(err, availability.ErrNotFound),
		errors.Is(err, appointment.ErrAppointmentNotFound),
		errors.Is(err, appointment.ErrProviderNotFound):
		return CodeNotFound
	case errors.Is(err, appointment.ErrConflict),
		errors.Is(err, slots.ErrSlotUnavailable):
		return CodeConflict
	case errors.Is(err, appointment.ErrStaleAvailability):
		return CodeStaleAvailability
	case errors.Is(err, appointment.ErrVersionConflict):
		return CodeVersionConflict
	case errors.Is(err, appointment.ErrExpired):
		return CodeExpired
	case errors.Is(err, lock.ErrNotAcquired):
		return CodeLockNotAcquired
	default:
		return CodeInternal
	}
}
