package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/healthhub-scheduler/internal/appointment"
)

type Type string

const (
	TypeReserved         Type = "reserved"
	TypeConfirmed        Type = "confirmed"
	TypeCancelled        Type = "cancelled"
	TypeExpired          Type = "expired"
	TypeRescheduled      Type = "rescheduled"
	TypeCompleted        Type = "completed"
	TypeNoShow           Type = "no_show"
	TypePaymentRequested Type = "payment_requested"
)

// PaymentRequest asks the payment collaborator to authorize an amount before
// Deadline. Amount is in minor currency units.
type PaymentRequest struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Deadline      time.Time `json:"deadline"`
}

type Event struct {
	ID            uuid.UUID                `json:"id"`
	Type          Type                     `json:"type"`
	AppointmentID uuid.UUID                `json:"appointment_id"`
	OccurredAt    time.Time                `json:"occurred_at"`
	Appointment   *appointment.Appointment `json:"appointment,omitempty"`
	Payment       *PaymentRequest          `json:"payment,omitempty"`
	Previous      *appointment.Revision    `json:"previous,omitempty"`
}

// New builds an event carrying a snapshot of a.
func New(t Type, a appointment.Appointment, at time.Time) Event {
	snap := a
	return Event{
		ID:            uuid.New(),
		Type:          t,
		AppointmentID: a.ID,
		OccurredAt:    at.UTC(),
		Appointment:   &snap,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
