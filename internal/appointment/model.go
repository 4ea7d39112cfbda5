package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/healthhub-scheduler/internal/interval"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

// Active statuses hold their interval on the provider's calendar.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

// Cancel reasons set by the scheduler itself. Callers may pass any other string.
const (
	ReasonExpired       = "expired"
	ReasonPaymentFailed = "payment_failed"
)

// transitions lists the statuses each status may move to.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted, StatusNoShow},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns the statuses from which to is reachable.
func sourcesOf(to Status) []Status {
	var out []Status
	for from, targets := range transitions {
		for _, s := range targets {
			if s == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// Appointment is one patient's hold on a provider's calendar. A translator,
// when present, is booked for the same interval on their own calendar.
type Appointment struct {
	ID           uuid.UUID  `json:"id"`
	ProviderID   uuid.UUID  `json:"provider_id"`
	TranslatorID *uuid.UUID `json:"translator_id,omitempty"`
	PatientID    uuid.UUID  `json:"patient_id"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Status       Status     `json:"status"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
}

func (a Appointment) Interval() interval.Interval {
	return interval.New(a.Start, a.End)
}

// Calendars lists the calendars the appointment occupies, provider first.
func (a Appointment) Calendars() []uuid.UUID {
	if a.TranslatorID == nil {
		return []uuid.UUID{a.ProviderID}
	}
	return []uuid.UUID{a.ProviderID, *a.TranslatorID}
}

// PastDeadline reports whether a pending reservation outlived its TTL at now.
func (a Appointment) PastDeadline(now time.Time) bool {
	return a.Status == StatusPending && a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}

// Revision is the interval an appointment held before a reschedule.
type Revision struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Version       int64     `json:"version"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	CreatedAt     time.Time `json:"created_at"`
}
