package appointment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/healthhub-scheduler/internal/interval"
)

const appointmentColumns = `id, provider_id, patient_id, start_time, end_time, status, version, created_at, updated_at, expires_at, cancel_reason, translator_id`

// Exclusion constraints on active appointment ranges, per provider and per
// translator.
const (
	overlapConstraint           = "appointments_no_overlap"
	translatorOverlapConstraint = "appointments_translator_no_overlap"
)

// PgLedger is the Postgres Ledger. Writers on one calendar are serialized by
// a transaction-scoped advisory lock; the exclusion constraints back it up.
type PgLedger struct {
	pool *pgxpool.Pool
}

// NewPgLedger returns a ledger over pool. The schema is expected to be
// migrated.
func NewPgLedger(pool *pgxpool.Pool) *PgLedger {
	return &PgLedger{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.PatientID,
		&a.Start,
		&a.End,
		&a.Status,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ExpiresAt,
		&a.CancelReason,
		&a.TranslatorID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, ErrAppointmentNotFound
		}
		return Appointment{}, err
	}
	return a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	result := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isOverlapViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23P01" {
		return false
	}
	return pgErr.ConstraintName == overlapConstraint || pgErr.ConstraintName == translatorOverlapConstraint
}

// calendar is one calendar a write touches, with the availability version
// the caller resolved it at.
type calendar struct {
	id          uuid.UUID
	fingerprint int64
}

func calendarsFor(providerID uuid.UUID, fingerprint int64, translatorID *uuid.UUID, translatorFingerprint int64) []calendar {
	out := []calendar{{id: providerID, fingerprint: fingerprint}}
	if translatorID != nil {
		out = append(out, calendar{id: *translatorID, fingerprint: translatorFingerprint})
	}
	return out
}

// lockCalendars locks every calendar in ascending id order, so two writers
// that share a pair of calendars cannot deadlock, and checks each fingerprint.
func lockCalendars(ctx context.Context, tx pgx.Tx, calendars []calendar) error {
	ordered := slices.Clone(calendars)
	slices.SortFunc(ordered, func(a, b calendar) int { return strings.Compare(a.id.String(), b.id.String()) })
	for _, c := range ordered {
		if err := lockProvider(ctx, tx, c.id, c.fingerprint); err != nil {
			return err
		}
	}
	return nil
}

// claimCalendars fails with ErrConflict when iv is taken on any calendar.
func claimCalendars(ctx context.Context, tx pgx.Tx, calendars []calendar, iv interval.Interval, exclude uuid.UUID) error {
	for _, c := range calendars {
		taken, err := overlapExists(ctx, tx, c.id, iv, exclude)
		if err != nil {
			return err
		}
		if taken {
			return ErrConflict
		}
	}
	return nil
}

// lockProvider serializes writers on one calendar for the lifetime of tx,
// then checks the caller's fingerprint against the current availability
// version. FOR SHARE holds off availability writes until commit.
func lockProvider(ctx context.Context, tx pgx.Tx, providerID uuid.UUID, fingerprint int64) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, providerID.String()); err != nil {
		return fmt.Errorf("lock provider calendar: %w", err)
	}

	var current int64
	err := tx.QueryRow(ctx, `
		SELECT availability_version
		FROM providers
		WHERE id = $1
		FOR SHARE
	`, providerID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProviderNotFound
		}
		return fmt.Errorf("read availability version: %w", err)
	}
	if current != fingerprint {
		return ErrStaleAvailability
	}
	return nil
}

func overlapExists(ctx context.Context, tx pgx.Tx, providerID uuid.UUID, iv interval.Interval, exclude uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE (provider_id = $1 OR translator_id = $1)
			  AND status IN ('pending', 'confirmed')
			  AND start_time < $3
			  AND end_time > $2
			  AND id <> $4
		)
	`, providerID, iv.Start, iv.End, exclude).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check overlap: %w", err)
	}
	return exists, nil
}

// Interface methods

// Reserve inserts a pending appointment after locking and checking every
// calendar it occupies.
func (l *PgLedger) Reserve(ctx context.Context, req ReserveRequest) (Appointment, error) {
	iv := req.Interval.UTC()
	if !iv.Valid() {
		return Appointment{}, fmt.Errorf("reserve: empty interval")
	}

	if req.TranslatorID != nil && *req.TranslatorID == req.ProviderID {
		return Appointment{}, ErrSameCalendar
	}
	calendars := calendarsFor(req.ProviderID, req.Fingerprint, req.TranslatorID, req.TranslatorFingerprint)

	var created Appointment
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := lockCalendars(ctx, tx, calendars); err != nil {
			return err
		}
		if err := claimCalendars(ctx, tx, calendars, iv, uuid.Nil); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO appointments (id, provider_id, patient_id, translator_id, start_time, end_time, status, version, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', 1, now(), now(), $7)
			RETURNING `+appointmentColumns,
			uuid.New(), req.ProviderID, req.PatientID, req.TranslatorID, iv.Start, iv.End, req.ExpiresAt.UTC())

		var err error
		created, err = scanAppointment(row)
		return err
	})
	if err != nil {
		if isOverlapViolation(err) {
			return Appointment{}, ErrConflict
		}
		return Appointment{}, err
	}
	return created, nil
}

// transition is the conditional update behind every status change. When no
// row matches it loads the appointment to report why.
func (l *PgLedger) transition(ctx context.Context, id uuid.UUID, expectedVersion int64, to Status, reason *string, at *time.Time) (Appointment, error) {
	from := sourcesOf(to)
	fromText := make([]string, len(from))
	for i, s := range from {
		fromText[i] = string(s)
	}

	row := l.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
		    version = version + 1,
		    updated_at = now(),
		    expires_at = NULL,
		    cancel_reason = COALESCE($4, cancel_reason)
		WHERE id = $1
		  AND version = $2
		  AND status = ANY($5)
		  AND ($6::timestamptz IS NULL OR expires_at IS NULL OR expires_at >= $6)
		RETURNING `+appointmentColumns,
		id, expectedVersion, to, reason, fromText, at)

	updated, err := scanAppointment(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return Appointment{}, fmt.Errorf("update appointment status: %w", err)
	}

	current, err := l.Get(ctx, id)
	if err != nil {
		return Appointment{}, err
	}
	switch {
	case current.Version != expectedVersion:
		return Appointment{}, fmt.Errorf("%w: version is %d, expected %d", ErrVersionConflict, current.Version, expectedVersion)
	case !CanTransition(current.Status, to):
		return Appointment{}, fmt.Errorf("%w: appointment is %s", ErrVersionConflict, current.Status)
	case at != nil && current.PastDeadline(*at):
		return Appointment{}, ErrExpired
	default:
		return Appointment{}, ErrVersionConflict
	}
}

// Confirm fails with ErrExpired when at is past the reservation deadline.
func (l *PgLedger) Confirm(ctx context.Context, id uuid.UUID, expectedVersion int64, at time.Time) (Appointment, error) {
	at = at.UTC()
	return l.transition(ctx, id, expectedVersion, StatusConfirmed, nil, &at)
}

func (l *PgLedger) Cancel(ctx context.Context, id uuid.UUID, expectedVersion int64, reason string) (Appointment, error) {
	return l.transition(ctx, id, expectedVersion, StatusCancelled, &reason, nil)
}

func (l *PgLedger) Transition(ctx context.Context, id uuid.UUID, expectedVersion int64, to Status) (Appointment, error) {
	if to != StatusCompleted && to != StatusNoShow {
		return Appointment{}, fmt.Errorf("%w: to %s", ErrInvalidTransition, to)
	}
	return l.transition(ctx, id, expectedVersion, to, nil, nil)
}

// Reschedule moves an active appointment and records the interval it held as
// a revision, all in one transaction.
func (l *PgLedger) Reschedule(ctx context.Context, req RescheduleRequest) (Appointment, error) {
	iv := req.Interval.UTC()
	if !iv.Valid() {
		return Appointment{}, fmt.Errorf("reschedule: empty interval")
	}

	current, err := l.Get(ctx, req.ID)
	if err != nil {
		return Appointment{}, err
	}

	calendars := calendarsFor(current.ProviderID, req.Fingerprint, current.TranslatorID, req.TranslatorFingerprint)

	var moved Appointment
	err = pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := lockCalendars(ctx, tx, calendars); err != nil {
			return err
		}

		a, err := scanAppointment(tx.QueryRow(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE id = $1
			FOR UPDATE
		`, req.ID))
		if err != nil {
			return err
		}
		if a.Version != req.ExpectedVersion {
			return fmt.Errorf("%w: version is %d, expected %d", ErrVersionConflict, a.Version, req.ExpectedVersion)
		}
		if !a.Status.Active() {
			return fmt.Errorf("%w: appointment is %s", ErrVersionConflict, a.Status)
		}
		if a.PastDeadline(req.At) {
			return ErrExpired
		}
		if err := claimCalendars(ctx, tx, calendars, iv, a.ID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO appointment_revisions (appointment_id, version, start_time, end_time, created_at)
			VALUES ($1, $2, $3, $4, now())
		`, a.ID, a.Version, a.Start, a.End); err != nil {
			return fmt.Errorf("insert revision: %w", err)
		}

		moved, err = scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointments
			SET start_time = $2,
			    end_time = $3,
			    version = version + 1,
			    updated_at = now()
			WHERE id = $1
			RETURNING `+appointmentColumns,
			a.ID, iv.Start, iv.End))
		return err
	})
	if err != nil {
		if isOverlapViolation(err) {
			return Appointment{}, ErrConflict
		}
		return Appointment{}, err
	}
	return moved, nil
}

func (l *PgLedger) findExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY start_time
	`, now)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// ExpireStalePending cancels pending reservations past their TTL. A row
// another writer changed first is skipped.
func (l *PgLedger) ExpireStalePending(ctx context.Context, now time.Time) ([]Appointment, error) {
	candidates, err := l.findExpiredPending(ctx, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("find expired pending appointments: %w", err)
	}

	expired := make([]Appointment, 0, len(candidates))
	for _, c := range candidates {
		a, err := l.Cancel(ctx, c.ID, c.Version, ReasonExpired)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return expired, fmt.Errorf("expire appointment %s: %w", c.ID, err)
		}
		expired = append(expired, a)
	}
	return expired, nil
}

func (l *PgLedger) Get(ctx context.Context, id uuid.UUID) (Appointment, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (l *PgLedger) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_time, id
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return collectAppointments(rows)
}

func (l *PgLedger) ListByProvider(ctx context.Context, providerID uuid.UUID, window interval.Interval) ([]Appointment, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE (provider_id = $1 OR translator_id = $1)
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time, id
	`, providerID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("list appointments by provider: %w", err)
	}
	return collectAppointments(rows)
}

func (l *PgLedger) Revisions(ctx context.Context, id uuid.UUID) ([]Revision, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT appointment_id, version, start_time, end_time, created_at
		FROM appointment_revisions
		WHERE appointment_id = $1
		ORDER BY version
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	out := make([]Revision, 0)
	for rows.Next() {
		var r Revision
		if err := rows.Scan(&r.AppointmentID, &r.Version, &r.Start, &r.End, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *PgLedger) BusyIntervals(ctx context.Context, providerID uuid.UUID, window interval.Interval, exclude uuid.UUID) ([]interval.Interval, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT start_time, end_time
		FROM appointments
		WHERE (provider_id = $1 OR translator_id = $1)
		  AND status IN ('pending', 'confirmed')
		  AND start_time < $3
		  AND end_time > $2
		  AND id <> $4
		ORDER BY start_time
	`, providerID, window.Start, window.End, exclude)
	if err != nil {
		return nil, fmt.Errorf("load busy intervals: %w", err)
	}
	defer rows.Close()

	var out []interval.Interval
	for rows.Next() {
		var iv interval.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}
