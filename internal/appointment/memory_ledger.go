package appointment

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/healthhub-scheduler/internal/interval"
)

// book holds one calendar's appointments. Its mutex serializes every
// check-and-write on that calendar. An appointment with a translator sits in
// both books; revisions live in the provider's book only.
type book struct {
	mu        sync.Mutex
	appts     map[uuid.UUID]*Appointment
	revisions map[uuid.UUID][]Revision
}

// MemoryLedger is an in-process Ledger for tests and deployments without
// Postgres.
type MemoryLedger struct {
	versions VersionSource
	now      func() time.Time

	mu    sync.RWMutex
	books map[uuid.UUID]*book
	owner map[uuid.UUID][]uuid.UUID // appointment id -> calendars, provider first
}

// NewMemoryLedger returns an empty ledger that checks fingerprints against
// versions.
func NewMemoryLedger(versions VersionSource) *MemoryLedger {
	return &MemoryLedger{
		versions: versions,
		now:      time.Now,
		books:    make(map[uuid.UUID]*book),
		owner:    make(map[uuid.UUID][]uuid.UUID),
	}
}

func (l *MemoryLedger) bookFor(calendarID uuid.UUID) *book {
	l.mu.RLock()
	b, ok := l.books[calendarID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.books[calendarID]; ok {
		return b
	}
	b = &book{
		appts:     make(map[uuid.UUID]*Appointment),
		revisions: make(map[uuid.UUID][]Revision),
	}
	l.books[calendarID] = b
	return b
}

// lockBooks locks the books of calendars in ascending id order and returns
// them in the order given, along with the func that releases them.
func (l *MemoryLedger) lockBooks(calendars []uuid.UUID) ([]*book, func()) {
	books := make([]*book, len(calendars))
	for i, id := range calendars {
		books[i] = l.bookFor(id)
	}

	order := slices.Clone(calendars)
	slices.SortFunc(order, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	order = slices.Compact(order)

	locked := make([]*book, 0, len(order))
	for _, id := range order {
		b := l.bookFor(id)
		b.mu.Lock()
		locked = append(locked, b)
	}
	return books, func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}
}

func (l *MemoryLedger) calendarsOf(id uuid.UUID) ([]uuid.UUID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	calendars, ok := l.owner[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return calendars, nil
}

// snapshot returns every known appointment id with its calendars.
func (l *MemoryLedger) snapshot() map[uuid.UUID][]uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[uuid.UUID][]uuid.UUID, len(l.owner))
	for id, calendars := range l.owner {
		out[id] = calendars
	}
	return out
}

// overlapping returns the first active appointment in b that overlaps iv,
// ignoring exclude.
func (b *book) overlapping(iv interval.Interval, exclude uuid.UUID) *Appointment {
	for _, a := range b.appts {
		if a.ID == exclude || !a.Status.Active() {
			continue
		}
		if a.Interval().Overlaps(iv) {
			return a
		}
	}
	return nil
}

func (l *MemoryLedger) checkFingerprint(ctx context.Context, calendarID uuid.UUID, fingerprint int64) error {
	current, err := l.versions.Version(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("read availability version: %w", err)
	}
	if current != fingerprint {
		return ErrStaleAvailability
	}
	return nil
}

// claim checks every calendar's fingerprint and that iv is free on it.
// Callers hold the books' locks.
func (l *MemoryLedger) claim(ctx context.Context, calendars []uuid.UUID, fingerprints []int64, books []*book, iv interval.Interval, exclude uuid.UUID) error {
	// Holding the book locks keeps other bookings out, but availability
	// writes are not held off here: a rule change that lands after this read
	// is not seen until the next booking. PgLedger reads the version FOR SHARE.
	for i, id := range calendars {
		if err := l.checkFingerprint(ctx, id, fingerprints[i]); err != nil {
			return err
		}
		if other := books[i].overlapping(iv, exclude); other != nil {
			return fmt.Errorf("%w: held by %s", ErrConflict, other.ID)
		}
	}
	return nil
}

// Reserve holds the interval on the provider's calendar and, when one is
// named, the translator's. Both books stay locked until the hold is written.
func (l *MemoryLedger) Reserve(ctx context.Context, req ReserveRequest) (Appointment, error) {
	iv := req.Interval.UTC()
	if !iv.Valid() {
		return Appointment{}, fmt.Errorf("reserve: empty interval")
	}

	calendars := []uuid.UUID{req.ProviderID}
	fingerprints := []int64{req.Fingerprint}
	if req.TranslatorID != nil {
		if *req.TranslatorID == req.ProviderID {
			return Appointment{}, ErrSameCalendar
		}
		calendars = append(calendars, *req.TranslatorID)
		fingerprints = append(fingerprints, req.TranslatorFingerprint)
	}

	books, unlock := l.lockBooks(calendars)
	defer unlock()

	if err := l.claim(ctx, calendars, fingerprints, books, iv, uuid.Nil); err != nil {
		return Appointment{}, err
	}

	now := l.now().UTC()
	expiresAt := req.ExpiresAt.UTC()
	a := &Appointment{
		ID:         uuid.New(),
		ProviderID: req.ProviderID,
		PatientID:  req.PatientID,
		Start:      iv.Start,
		End:        iv.End,
		Status:     StatusPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  &expiresAt,
	}
	if req.TranslatorID != nil {
		t := *req.TranslatorID
		a.TranslatorID = &t
	}
	for _, b := range books {
		b.appts[a.ID] = a
	}

	l.mu.Lock()
	l.owner[a.ID] = calendars
	l.mu.Unlock()

	return *a, nil
}

// apply moves a to the target status. Callers hold the book locks and have
// checked the guard.
func (l *MemoryLedger) apply(a *Appointment, to Status, reason *string) {
	a.Status = to
	a.Version++
	a.UpdatedAt = l.now().UTC()
	a.ExpiresAt = nil
	if reason != nil {
		r := *reason
		a.CancelReason = &r
	}
}

// guarded runs fn on the appointment under its calendar locks once the
// expected version and source status match.
func (l *MemoryLedger) guarded(id uuid.UUID, expectedVersion int64, to Status, fn func(a *Appointment) error) (Appointment, error) {
	calendars, err := l.calendarsOf(id)
	if err != nil {
		return Appointment{}, err
	}

	books, unlock := l.lockBooks(calendars)
	defer unlock()

	a, ok := books[0].appts[id]
	if !ok {
		return Appointment{}, ErrAppointmentNotFound
	}
	if a.Version != expectedVersion {
		return Appointment{}, fmt.Errorf("%w: version is %d, expected %d", ErrVersionConflict, a.Version, expectedVersion)
	}
	if !CanTransition(a.Status, to) {
		return Appointment{}, fmt.Errorf("%w: appointment is %s", ErrVersionConflict, a.Status)
	}
	if err := fn(a); err != nil {
		return Appointment{}, err
	}
	return *a, nil
}

func (l *MemoryLedger) Confirm(_ context.Context, id uuid.UUID, expectedVersion int64, at time.Time) (Appointment, error) {
	return l.guarded(id, expectedVersion, StatusConfirmed, func(a *Appointment) error {
		if a.PastDeadline(at) {
			return ErrExpired
		}
		l.apply(a, StatusConfirmed, nil)
		return nil
	})
}

func (l *MemoryLedger) Cancel(_ context.Context, id uuid.UUID, expectedVersion int64, reason string) (Appointment, error) {
	return l.guarded(id, expectedVersion, StatusCancelled, func(a *Appointment) error {
		l.apply(a, StatusCancelled, &reason)
		return nil
	})
}

func (l *MemoryLedger) Transition(_ context.Context, id uuid.UUID, expectedVersion int64, to Status) (Appointment, error) {
	if to != StatusCompleted && to != StatusNoShow {
		return Appointment{}, fmt.Errorf("%w: to %s", ErrInvalidTransition, to)
	}
	return l.guarded(id, expectedVersion, to, func(a *Appointment) error {
		l.apply(a, to, nil)
		return nil
	})
}

// Reschedule moves an active appointment and records the interval it held.
func (l *MemoryLedger) Reschedule(ctx context.Context, req RescheduleRequest) (Appointment, error) {
	iv := req.Interval.UTC()
	if !iv.Valid() {
		return Appointment{}, fmt.Errorf("reschedule: empty interval")
	}

	calendars, err := l.calendarsOf(req.ID)
	if err != nil {
		return Appointment{}, err
	}

	books, unlock := l.lockBooks(calendars)
	defer unlock()

	a, ok := books[0].appts[req.ID]
	if !ok {
		return Appointment{}, ErrAppointmentNotFound
	}
	if a.Version != req.ExpectedVersion {
		return Appointment{}, fmt.Errorf("%w: version is %d, expected %d", ErrVersionConflict, a.Version, req.ExpectedVersion)
	}
	if !a.Status.Active() {
		return Appointment{}, fmt.Errorf("%w: appointment is %s", ErrVersionConflict, a.Status)
	}
	if a.PastDeadline(req.At) {
		return Appointment{}, ErrExpired
	}

	fingerprints := []int64{req.Fingerprint, req.TranslatorFingerprint}[:len(calendars)]
	if err := l.claim(ctx, calendars, fingerprints, books, iv, a.ID); err != nil {
		return Appointment{}, err
	}

	now := l.now().UTC()
	books[0].revisions[a.ID] = append(books[0].revisions[a.ID], Revision{
		AppointmentID: a.ID,
		Version:       a.Version,
		Start:         a.Start,
		End:           a.End,
		CreatedAt:     now,
	})
	a.Start, a.End = iv.Start, iv.End
	a.Version++
	a.UpdatedAt = now
	return *a, nil
}

// ExpireStalePending cancels every pending appointment past its deadline at
// now. Each one is re-checked under its locks, so concurrent callers expire it
// once.
func (l *MemoryLedger) ExpireStalePending(_ context.Context, now time.Time) ([]Appointment, error) {
	reason := ReasonExpired
	var expired []Appointment
	for id, calendars := range l.snapshot() {
		books, unlock := l.lockBooks(calendars)
		if a, ok := books[0].appts[id]; ok && a.PastDeadline(now) {
			l.apply(a, StatusCancelled, &reason)
			expired = append(expired, *a)
		}
		unlock()
	}
	sortByStart(expired)
	return expired, nil
}

func (l *MemoryLedger) Get(_ context.Context, id uuid.UUID) (Appointment, error) {
	calendars, err := l.calendarsOf(id)
	if err != nil {
		return Appointment{}, err
	}
	b := l.bookFor(calendars[0])
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.appts[id]
	if !ok {
		return Appointment{}, ErrAppointmentNotFound
	}
	return *a, nil
}

func (l *MemoryLedger) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	var out []Appointment
	for id, calendars := range l.snapshot() {
		b := l.bookFor(calendars[0])
		b.mu.Lock()
		if a, ok := b.appts[id]; ok && a.PatientID == patientID {
			out = append(out, *a)
		}
		b.mu.Unlock()
	}
	sortByStart(out)

	if offset >= len(out) {
		return []Appointment{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListByProvider returns the appointments holding providerID's calendar in
// window, including those where it is the translator.
func (l *MemoryLedger) ListByProvider(_ context.Context, providerID uuid.UUID, window interval.Interval) ([]Appointment, error) {
	b := l.bookFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Appointment, 0)
	for _, a := range b.appts {
		if a.Interval().Overlaps(window) {
			out = append(out, *a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (l *MemoryLedger) Revisions(_ context.Context, id uuid.UUID) ([]Revision, error) {
	calendars, err := l.calendarsOf(id)
	if err != nil {
		return nil, err
	}
	b := l.bookFor(calendars[0])
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Revision(nil), b.revisions[id]...), nil
}

func (l *MemoryLedger) BusyIntervals(_ context.Context, providerID uuid.UUID, window interval.Interval, exclude uuid.UUID) ([]interval.Interval, error) {
	b := l.bookFor(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []interval.Interval
	for _, a := range b.appts {
		if a.ID == exclude || !a.Status.Active() {
			continue
		}
		if iv := a.Interval(); iv.Overlaps(window) {
			out = append(out, iv)
		}
	}
	interval.Sort(out)
	return out, nil
}

func sortByStart(appts []Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if appts[i].Start.Equal(appts[j].Start) {
			return appts[i].ID.String() < appts[j].ID.String()
		}
		return appts[i].Start.Before(appts[j].Start)
	})
}
