package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/healthhub-scheduler/internal/appointment"
	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/events"
	"github.com/hackgods/healthhub-scheduler/internal/interval"
	"github.com/hackgods/healthhub-scheduler/internal/slots"
)

type Config struct {
	AppointmentTTL     time.Duration
	BookingHorizon     time.Duration
	MinLeadTime        time.Duration
	PlatformFeePercent int64
}

// Engine runs the booking lifecycle on top of the availability store, the
// slot resolver and the appointment ledger, and announces every state change.
type Engine struct {
	providers availability.Store
	resolver  *slots.Resolver
	ledger    appointment.Ledger
	events    events.Publisher
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger
}

// NewEngine wires an engine. The clock defaults to time.Now.
func NewEngine(providers availability.Store, resolver *slots.Resolver, ledger appointment.Ledger, pub events.Publisher, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		providers: providers,
		resolver:  resolver,
		ledger:    ledger,
		events:    pub,
		cfg:       cfg,
		now:       time.Now,
		log:       log.With().Str("component", "scheduling").Logger(),
	}
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type BookRequest struct {
	ProviderID uuid.UUID `json:"provider_id"`
	PatientID  uuid.UUID `json:"patient_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	// Fingerprint pins the availability the client chose from. When nil the
	// engine uses the one it resolves itself.
	Fingerprint *int64 `json:"fingerprint,omitempty"`
	// TranslatorID books a translator for the same interval. Their calendar
	// is reserved in the same ledger step and their rate is added to the
	// payment.
	TranslatorID          *uuid.UUID `json:"translator_id,omitempty"`
	TranslatorFingerprint *int64     `json:"translator_fingerprint,omitempty"`
}

type BookingResult struct {
	Appointment appointment.Appointment `json:"appointment"`
	Deadline    time.Time               `json:"deadline"`
	Payment     events.PaymentRequest   `json:"payment"`
}

type PaymentOutcome string

const (
	PaymentSuccess PaymentOutcome = "success"
	PaymentFailure PaymentOutcome = "failure"
	PaymentTimeout PaymentOutcome = "timeout"
)

// Book reserves an interval for a patient and asks the payment collaborator
// to authorize it. Races with other bookings come back as Conflict or
// StaleAvailability and are never retried here.
func (e *Engine) Book(ctx context.Context, req BookRequest) (BookingResult, error) {
	if req.ProviderID == uuid.Nil {
		return BookingResult{}, invalid("provider_id", "is required")
	}
	if req.PatientID == uuid.Nil {
		return BookingResult{}, invalid("patient_id", "is required")
	}
	iv := interval.New(req.Start.UTC(), req.End.UTC())
	now := e.now()
	if err := e.validateInterval(iv, now); err != nil {
		return BookingResult{}, err
	}

	provider, err := e.providers.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return BookingResult{}, err
	}

	if err := e.checkPatientFree(ctx, req.PatientID, req.ProviderID, iv); err != nil {
		return BookingResult{}, err
	}

	rates := []int64{provider.HourlyRate}
	var translator *availability.Provider
	if req.TranslatorID != nil {
		t, err := e.translatorFor(ctx, provider, *req.TranslatorID)
		if err != nil {
			return BookingResult{}, err
		}
		translator = &t
		rates = append(rates, t.HourlyRate)
	}

	fingerprint, err := e.fingerprint(ctx, req.ProviderID, iv, uuid.Nil, req.Fingerprint)
	if err != nil {
		return BookingResult{}, err
	}
	reserve := appointment.ReserveRequest{
		ProviderID:  req.ProviderID,
		PatientID:   req.PatientID,
		Interval:    iv,
		Fingerprint: fingerprint,
		ExpiresAt:   now.Add(e.cfg.AppointmentTTL).UTC(),
	}
	if translator != nil {
		reserve.TranslatorID = &translator.ID
		reserve.TranslatorFingerprint, err = e.fingerprint(ctx, translator.ID, iv, uuid.Nil, req.TranslatorFingerprint)
		if err != nil {
			return BookingResult{}, err
		}
	}

	deadline := reserve.ExpiresAt
	appt, err := e.ledger.Reserve(ctx, reserve)
	if err != nil {
		return BookingResult{}, err
	}

	payment := events.PaymentRequest{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Amount:        PaymentAmount(iv.Duration(), e.cfg.PlatformFeePercent, rates...),
		Currency:      provider.Currency,
		Deadline:      deadline,
	}
	paymentEvent := events.New(events.TypePaymentRequested, appt, now)
	paymentEvent.Payment = &payment
	e.emit(ctx, paymentEvent)
	e.emit(ctx, events.New(events.TypeReserved, appt, now))

	logEvent := e.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("provider_id", appt.ProviderID.String()).
		Time("start", appt.Start).
		Time("deadline", deadline)
	if appt.TranslatorID != nil {
		logEvent = logEvent.Str("translator_id", appt.TranslatorID.String())
	}
	logEvent.Msg("appointment reserved")

	return BookingResult{Appointment: appt, Deadline: deadline, Payment: payment}, nil
}

// PaymentAmount prices a booking: each hourly rate pro rata by minute, summed,
// plus the platform fee on the total. All amounts are minor currency units,
// rounded down.
func PaymentAmount(d time.Duration, feePercent int64, hourlyRates ...int64) int64 {
	minutes := int64(d / time.Minute)
	var base int64
	for _, rate := range hourlyRates {
		base += rate * minutes / 60
	}
	return base + base*feePercent/100
}

// translatorFor loads the translator for a booking with provider and checks
// it can be billed alongside them.
func (e *Engine) translatorFor(ctx context.Context, provider availability.Provider, id uuid.UUID) (availability.Provider, error) {
	if id == provider.ID {
		return availability.Provider{}, invalid("translator_id", "must differ from provider_id")
	}
	t, err := e.providers.GetProvider(ctx, id)
	if err != nil {
		return availability.Provider{}, err
	}
	if t.Role != availability.RoleTranslator {
		return availability.Provider{}, invalid("translator_id", "provider %s is a %s, not a translator", id, t.Role)
	}
	if t.Currency != provider.Currency {
		return availability.Provider{}, invalid("translator_id", "translator bills in %s, provider bills in %s", t.Currency, provider.Currency)
	}
	return t, nil
}

// fingerprint checks iv against a calendar's resolved availability and
// returns the version to reserve against: pinned when the caller gave one.
func (e *Engine) fingerprint(ctx context.Context, calendarID uuid.UUID, iv interval.Interval, exclude uuid.UUID, pinned *int64) (int64, error) {
	fp, err := e.resolver.Check(ctx, calendarID, iv, exclude)
	if err != nil {
		return 0, asConflict(err)
	}
	if pinned != nil {
		return *pinned, nil
	}
	return int64(fp), nil
}

func (e *Engine) validateInterval(iv interval.Interval, now time.Time) error {
	if iv.Start.IsZero() || iv.End.IsZero() {
		return invalid("interval", "start and end are required")
	}
	if !iv.Valid() {
		return invalid("interval", "end must be after start")
	}
	if earliest := now.Add(e.cfg.MinLeadTime); iv.Start.Before(earliest) {
		return invalid("start", "must not be before %s", earliest.UTC().Format(time.RFC3339))
	}
	if e.cfg.BookingHorizon > 0 {
		if latest := now.Add(e.cfg.BookingHorizon); iv.Start.After(latest) {
			return invalid("start", "is beyond the booking horizon %s", latest.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// asConflict reports a taken interval as a ledger conflict so callers see
// one error whether the resolver or the ledger caught it.
func asConflict(err error) error {
	if errors.Is(err, slots.ErrSlotUnavailable) {
		return fmt.Errorf("%w: %w", appointment.ErrConflict, err)
	}
	return err
}

func (e *Engine) checkPatientFree(ctx context.Context, patientID, providerID uuid.UUID, iv interval.Interval) error {
	held, err := e.ledger.ListByProvider(ctx, providerID, iv)
	if err != nil {
		return fmt.Errorf("list provider appointments: %w", err)
	}
	for _, a := range held {
		if a.PatientID == patientID && a.Status.Active() {
			return fmt.Errorf("%w: patient already holds appointment %s", appointment.ErrConflict, a.ID)
		}
	}
	return nil
}

// HandlePaymentResult applies the payment collaborator's verdict. Callbacks
// for appointments that are already resolved are no-ops.
func (e *Engine) HandlePaymentResult(ctx context.Context, id uuid.UUID, outcome PaymentOutcome) (appointment.Appointment, error) {
	switch outcome {
	case PaymentSuccess, PaymentFailure, PaymentTimeout:
	default:
		return appointment.Appointment{}, invalid("outcome", "must be success, failure or timeout")
	}

	a, err := e.ledger.Get(ctx, id)
	if err != nil {
		return appointment.Appointment{}, err
	}
	if a.Status != appointment.StatusPending {
		e.log.Debug().Str("appointment_id", id.String()).Str("status", string(a.Status)).Msg("payment result for resolved appointment ignored")
		return a, nil
	}

	now := e.now()
	if outcome != PaymentSuccess {
		cancelled, err := e.ledger.Cancel(ctx, a.ID, a.Version, appointment.ReasonPaymentFailed)
		if err != nil {
			return e.resolvedOr(ctx, id, err)
		}
		e.emit(ctx, events.New(events.TypeCancelled, cancelled, now))
		return cancelled, nil
	}

	confirmed, err := e.ledger.Confirm(ctx, a.ID, a.Version, now)
	if errors.Is(err, appointment.ErrExpired) {
		e.expire(ctx, a, now)
		return e.ledger.Get(ctx, id)
	}
	if err != nil {
		return e.resolvedOr(ctx, id, err)
	}
	e.emit(ctx, events.New(events.TypeConfirmed, confirmed, now))
	return confirmed, nil
}

// resolvedOr treats a lost version race as already resolved and returns the
// current state; any other error is returned as is.
func (e *Engine) resolvedOr(ctx context.Context, id uuid.UUID, err error) (appointment.Appointment, error) {
	if !errors.Is(err, appointment.ErrVersionConflict) {
		return appointment.Appointment{}, err
	}
	return e.ledger.Get(ctx, id)
}

func (e *Engine) expire(ctx context.Context, a appointment.Appointment, now time.Time) {
	expired, err := e.ledger.Cancel(ctx, a.ID, a.Version, appointment.ReasonExpired)
	if err != nil {
		if !errors.Is(err, appointment.ErrVersionConflict) {
			e.log.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to expire appointment")
		}
		return
	}
	e.emit(ctx, events.New(events.TypeExpired, expired, now))
}

// Cancel frees the appointment's interval. An empty reason is recorded as
// "cancelled".
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, expectedVersion int64, reason string) (appointment.Appointment, error) {
	if reason == "" {
		reason = "cancelled"
	}
	cancelled, err := e.ledger.Cancel(ctx, id, expectedVersion, reason)
	if err != nil {
		return appointment.Appointment{}, err
	}
	e.emit(ctx, events.New(events.TypeCancelled, cancelled, e.now()))
	return cancelled, nil
}

type RescheduleRequest struct {
	ID                    uuid.UUID `json:"id"`
	ExpectedVersion       int64     `json:"expected_version"`
	Start                 time.Time `json:"start"`
	End                   time.Time `json:"end"`
	Fingerprint           *int64    `json:"fingerprint,omitempty"`
	TranslatorFingerprint *int64    `json:"translator_fingerprint,omitempty"`
}

// Reschedule moves an appointment to a new interval. The move is validated
// and committed as one ledger step, so on any failure the appointment keeps
// its original interval and status. The identifier is preserved. A translator
// moves with the appointment. A pending appointment past its deadline is
// expired instead of moved.
func (e *Engine) Reschedule(ctx context.Context, req RescheduleRequest) (appointment.Appointment, error) {
	iv := interval.New(req.Start.UTC(), req.End.UTC())
	now := e.now()
	if err := e.validateInterval(iv, now); err != nil {
		return appointment.Appointment{}, err
	}

	current, err := e.ledger.Get(ctx, req.ID)
	if err != nil {
		return appointment.Appointment{}, err
	}
	if current.Version != req.ExpectedVersion {
		return appointment.Appointment{}, fmt.Errorf("%w: version is %d, expected %d", appointment.ErrVersionConflict, current.Version, req.ExpectedVersion)
	}
	if !current.Status.Active() {
		return appointment.Appointment{}, fmt.Errorf("%w: appointment is %s", appointment.ErrVersionConflict, current.Status)
	}
	if current.PastDeadline(now) {
		e.expire(ctx, current, now)
		return appointment.Appointment{}, appointment.ErrExpired
	}

	move := appointment.RescheduleRequest{
		ID:              current.ID,
		ExpectedVersion: req.ExpectedVersion,
		Interval:        iv,
		At:              now,
	}
	move.Fingerprint, err = e.fingerprint(ctx, current.ProviderID, iv, current.ID, req.Fingerprint)
	if err != nil {
		return appointment.Appointment{}, err
	}
	if current.TranslatorID != nil {
		move.TranslatorFingerprint, err = e.fingerprint(ctx, *current.TranslatorID, iv, current.ID, req.TranslatorFingerprint)
		if err != nil {
			return appointment.Appointment{}, err
		}
	}

	moved, err := e.ledger.Reschedule(ctx, move)
	if errors.Is(err, appointment.ErrExpired) {
		e.expire(ctx, current, now)
		return appointment.Appointment{}, err
	}
	if err != nil {
		return appointment.Appointment{}, err
	}

	ev := events.New(events.TypeRescheduled, moved, now)
	ev.Previous = &appointment.Revision{
		AppointmentID: current.ID,
		Version:       current.Version,
		Start:         current.Start,
		End:           current.End,
		CreatedAt:     now.UTC(),
	}
	e.emit(ctx, ev)
	return moved, nil
}

// Complete and MarkNoShow record how a confirmed appointment ended. Both are
// rejected until its interval is over.
func (e *Engine) Complete(ctx context.Context, id uuid.UUID, expectedVersion int64) (appointment.Appointment, error) {
	return e.finish(ctx, id, expectedVersion, appointment.StatusCompleted, events.TypeCompleted)
}

func (e *Engine) MarkNoShow(ctx context.Context, id uuid.UUID, expectedVersion int64) (appointment.Appointment, error) {
	return e.finish(ctx, id, expectedVersion, appointment.StatusNoShow, events.TypeNoShow)
}

// finish records the outcome of an appointment whose interval has elapsed.
func (e *Engine) finish(ctx context.Context, id uuid.UUID, expectedVersion int64, to appointment.Status, t events.Type) (appointment.Appointment, error) {
	a, err := e.ledger.Get(ctx, id)
	if err != nil {
		return appointment.Appointment{}, err
	}
	now := e.now()
	if now.Before(a.End) {
		return appointment.Appointment{}, invalid("status", "appointment has not ended yet")
	}

	done, err := e.ledger.Transition(ctx, id, expectedVersion, to)
	if err != nil {
		return appointment.Appointment{}, err
	}
	e.emit(ctx, events.New(t, done, now))
	return done, nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (appointment.Appointment, error) {
	return e.ledger.Get(ctx, id)
}

// Revisions lists the intervals an appointment held before each reschedule,
// oldest first.
func (e *Engine) Revisions(ctx context.Context, id uuid.UUID) ([]appointment.Revision, error) {
	if _, err := e.ledger.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.ledger.Revisions(ctx, id)
}

// ListPatientAppointments pages through a patient's appointments by start
// time. The limit is clamped to 1..100 and defaults to 20.
func (e *Engine) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]appointment.Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return e.ledger.ListByPatient(ctx, patientID, limit, offset)
}

// GetAvailability resolves free slots in a window. The part of the window
// already in the past is dropped.
func (e *Engine) GetAvailability(ctx context.Context, providerID uuid.UUID, start, end time.Time) (slots.Availability, error) {
	if now := e.now(); start.Before(now) {
		start = now
	}
	return e.resolver.Resolve(ctx, providerID, start, end)
}

// ExpireStalePending cancels every reservation past its TTL and announces
// each one.
func (e *Engine) ExpireStalePending(ctx context.Context) ([]appointment.Appointment, error) {
	now := e.now()
	expired, err := e.ledger.ExpireStalePending(ctx, now)
	for _, a := range expired {
		e.emit(ctx, events.New(events.TypeExpired, a, now))
	}
	if err != nil {
		return expired, fmt.Errorf("expire pending appointments: %w", err)
	}
	return expired, nil
}

// emit hands an event to the publisher. Failures are logged, never returned:
// the ledger write has already happened.
func (e *Engine) emit(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Error().
			Err(err).
			Str("type", string(ev.Type)).
			Str("appointment_id", ev.AppointmentID.String()).
			Msg("failed to publish event")
	}
}
