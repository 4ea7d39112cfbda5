package appointment

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/db"
)

// newPgLedger connects to SCHEDULER_TEST_DATABASE_URL, migrates it and
// creates a fresh provider. The test is skipped when the variable is unset.
func newPgLedger(t *testing.T) (*PgLedger, availability.Provider, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("SCHEDULER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SCHEDULER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, db.Migrations()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := availability.NewBunStore(db.OpenBun(pool))
	p, err := store.CreateProvider(ctx, availability.Provider{
		Role:       availability.RoleDoctor,
		TimeZone:   "UTC",
		HourlyRate: 6000,
	})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	return NewPgLedger(pool), p, pool
}

func TestPgLedger_ConcurrentReserveSingleWinner(t *testing.T) {
	l, p, _ := newPgLedger(t)

	const n = 20
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(context.Background(), ReserveRequest{
				ProviderID:  p.ID,
				PatientID:   uuid.New(),
				Interval:    slot(0, 30*time.Minute),
				Fingerprint: p.Version,
				ExpiresAt:   time.Now().Add(10 * time.Minute),
			})
			if err == nil {
				wins.Add(1)
				return
			}
			if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want 1", wins.Load())
	}
}

func TestPgLedger_Lifecycle(t *testing.T) {
	l, p, _ := newPgLedger(t)
	ctx := context.Background()

	if _, err := l.Reserve(ctx, ReserveRequest{
		ProviderID:  p.ID,
		PatientID:   uuid.New(),
		Interval:    slot(0, 30*time.Minute),
		Fingerprint: p.Version + 1,
	}); !errors.Is(err, ErrStaleAvailability) {
		t.Fatalf("err = %v, want ErrStaleAvailability", err)
	}

	a, err := l.Reserve(ctx, ReserveRequest{
		ProviderID:  p.ID,
		PatientID:   uuid.New(),
		Interval:    slot(0, 30*time.Minute),
		Fingerprint: p.Version,
		ExpiresAt:   base.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	if _, err := l.Confirm(ctx, a.ID, a.Version, base); !errors.Is(err, ErrExpired) {
		t.Fatalf("late confirm err = %v, want ErrExpired", err)
	}

	if _, err := l.Reschedule(ctx, RescheduleRequest{
		ID:              a.ID,
		ExpectedVersion: a.Version,
		Interval:        slot(time.Hour, 30*time.Minute),
		Fingerprint:     p.Version,
		At:              base,
	}); !errors.Is(err, ErrExpired) {
		t.Fatalf("late reschedule err = %v, want ErrExpired", err)
	}

	moved, err := l.Reschedule(ctx, RescheduleRequest{
		ID:              a.ID,
		ExpectedVersion: a.Version,
		Interval:        slot(15*time.Minute, 30*time.Minute),
		Fingerprint:     p.Version,
	})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if revs, _ := l.Revisions(ctx, a.ID); len(revs) != 1 {
		t.Fatalf("revisions = %+v", revs)
	}

	expired, err := l.ExpireStalePending(ctx, base)
	if err != nil {
		t.Fatalf("ExpireStalePending error: %v", err)
	}
	found := false
	for _, e := range expired {
		if e.ID == a.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("appointment %s not expired", a.ID)
	}

	if _, err := l.Cancel(ctx, a.ID, moved.Version, "late"); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("cancel with stale version err = %v, want ErrVersionConflict", err)
	}

	busy, err := l.BusyIntervals(ctx, p.ID, slot(-time.Hour, 3*time.Hour), uuid.Nil)
	if err != nil {
		t.Fatalf("BusyIntervals error: %v", err)
	}
	if len(busy) != 0 {
		t.Fatalf("busy = %v, want none", busy)
	}
}

func TestPgLedger_TranslatorHoldsBothCalendars(t *testing.T) {
	l, doctor, pool := newPgLedger(t)
	ctx := context.Background()

	store := availability.NewBunStore(db.OpenBun(pool))
	newProvider := func(role availability.Role) availability.Provider {
		p, err := store.CreateProvider(ctx, availability.Provider{Role: role, TimeZone: "UTC", HourlyRate: 3000})
		if err != nil {
			t.Fatalf("create provider: %v", err)
		}
		return p
	}
	translator := newProvider(availability.RoleTranslator)
	otherDoctor := newProvider(availability.RoleDoctor)

	a, err := l.Reserve(ctx, ReserveRequest{
		ProviderID:            doctor.ID,
		PatientID:             uuid.New(),
		TranslatorID:          &translator.ID,
		Interval:              slot(0, time.Hour),
		Fingerprint:           doctor.Version,
		TranslatorFingerprint: translator.Version,
		ExpiresAt:             time.Now().Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if got, _ := l.Get(ctx, a.ID); got.TranslatorID == nil || *got.TranslatorID != translator.ID {
		t.Fatalf("translator_id = %v, want %s", got.TranslatorID, translator.ID)
	}

	_, err = l.Reserve(ctx, ReserveRequest{
		ProviderID:            otherDoctor.ID,
		PatientID:             uuid.New(),
		TranslatorID:          &translator.ID,
		Interval:              slot(30*time.Minute, time.Hour),
		Fingerprint:           otherDoctor.Version,
		TranslatorFingerprint: translator.Version,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	_, err = l.Reserve(ctx, ReserveRequest{
		ProviderID:            otherDoctor.ID,
		PatientID:             uuid.New(),
		TranslatorID:          &translator.ID,
		Interval:              slot(2*time.Hour, time.Hour),
		Fingerprint:           otherDoctor.Version,
		TranslatorFingerprint: translator.Version + 1,
	})
	if !errors.Is(err, ErrStaleAvailability) {
		t.Fatalf("err = %v, want ErrStaleAvailability", err)
	}

	busy, err := l.BusyIntervals(ctx, translator.ID, slot(-time.Hour, 4*time.Hour), uuid.Nil)
	if err != nil {
		t.Fatalf("BusyIntervals error: %v", err)
	}
	if len(busy) != 1 || !busy[0].Start.Equal(a.Start) {
		t.Fatalf("translator busy = %v", busy)
	}
}
