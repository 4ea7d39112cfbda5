package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/healthhub-scheduler/internal/appointment"
	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/slots"
)

type CreateProviderRequest struct {
	Role        availability.Role `json:"role"`
	DisplayName string            `json:"display_name"`
	TimeZone    string            `json:"time_zone"`
	HourlyRate  int64             `json:"hourly_rate"`
	Currency    string            `json:"currency"`
}

// Dates are calendar dates in the provider's zone, formatted YYYY-MM-DD.
type PutRuleRequest struct {
	Weekdays           []int16                `json:"weekdays"`
	Start              availability.TimeOfDay `json:"start"`
	End                availability.TimeOfDay `json:"end"`
	ValidFrom          string                 `json:"valid_from"`
	ValidUntil         *string                `json:"valid_until,omitempty"`
	GranularityMinutes int                    `json:"granularity_minutes"`
	Supersedes         *uuid.UUID             `json:"supersedes,omitempty"`
}

type PutExceptionRequest struct {
	Date               string                     `json:"date"`
	Start              availability.TimeOfDay     `json:"start"`
	End                availability.TimeOfDay     `json:"end"`
	Kind               availability.ExceptionKind `json:"kind"`
	GranularityMinutes int                        `json:"granularity_minutes,omitempty"`
}

type AvailabilityResponse struct {
	ProviderID  uuid.UUID    `json:"provider_id"`
	Fingerprint int64        `json:"fingerprint"`
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	Slots       []slots.Slot `json:"slots"`
}

type CreateAppointmentRequest struct {
	ProviderID            string    `json:"provider_id"`
	PatientID             string    `json:"patient_id"`
	TranslatorID          *string   `json:"translator_id,omitempty"`
	Start                 time.Time `json:"start"`
	End                   time.Time `json:"end"`
	Fingerprint           *int64    `json:"fingerprint,omitempty"`
	TranslatorFingerprint *int64    `json:"translator_fingerprint,omitempty"`
}

type CancelRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason,omitempty"`
}

type RescheduleRequest struct {
	ExpectedVersion       int64     `json:"expected_version"`
	Start                 time.Time `json:"start"`
	End                   time.Time `json:"end"`
	Fingerprint           *int64    `json:"fingerprint,omitempty"`
	TranslatorFingerprint *int64    `json:"translator_fingerprint,omitempty"`
}

type PaymentResultRequest struct {
	Outcome string `json:"outcome"`
}

type VersionedRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type AppointmentListResponse struct {
	Appointments []appointment.Appointment `json:"appointments"`
	Limit        int                       `json:"limit"`
	Offset       int                       `json:"offset"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
