package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/healthhub-scheduler/internal/interval"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrConflict            = errors.New("interval overlaps an active appointment")
	ErrStaleAvailability   = errors.New("availability changed since it was read")
	ErrVersionConflict     = errors.New("appointment was modified concurrently")
	ErrExpired             = errors.New("reservation expired")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrSameCalendar        = errors.New("translator and provider must differ")
)

// VersionSource reports a provider's current availability version.
type VersionSource interface {
	Version(ctx context.Context, providerID uuid.UUID) (int64, error)
}

// ReserveRequest holds a pending appointment. When TranslatorID is set the
// translator's calendar is checked against TranslatorFingerprint and reserved
// in the same step as the provider's.
type ReserveRequest struct {
	ProviderID            uuid.UUID
	PatientID             uuid.UUID
	TranslatorID          *uuid.UUID
	Interval              interval.Interval
	Fingerprint           int64
	TranslatorFingerprint int64
	ExpiresAt             time.Time
}

// RescheduleRequest moves an appointment. A pending appointment whose
// deadline passed before At is rejected with ErrExpired.
type RescheduleRequest struct {
	ID                    uuid.UUID
	ExpectedVersion       int64
	Interval              interval.Interval
	Fingerprint           int64
	TranslatorFingerprint int64
	At                    time.Time
}

// Ledger is the authoritative record of appointments. Reserve and Reschedule
// serialize per calendar so that no two active appointments holding the same
// provider or translator overlap. Every mutation bumps the appointment
// version and is guarded by the version the caller last saw.
type Ledger interface {
	Reserve(ctx context.Context, req ReserveRequest) (Appointment, error)
	// Confirm fails with ErrExpired, without mutating, when the reservation
	// outlived its TTL at the given instant.
	Confirm(ctx context.Context, id uuid.UUID, expectedVersion int64, at time.Time) (Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, expectedVersion int64, reason string) (Appointment, error)
	Transition(ctx context.Context, id uuid.UUID, expectedVersion int64, to Status) (Appointment, error)
	Reschedule(ctx context.Context, req RescheduleRequest) (Appointment, error)
	ExpireStalePending(ctx context.Context, now time.Time) ([]Appointment, error)

	Get(ctx context.Context, id uuid.UUID) (Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID, window interval.Interval) ([]Appointment, error)
	Revisions(ctx context.Context, id uuid.UUID) ([]Revision, error)
	BusyIntervals(ctx context.Context, providerID uuid.UUID, window interval.Interval, exclude uuid.UUID) ([]interval.Interval, error)
}
