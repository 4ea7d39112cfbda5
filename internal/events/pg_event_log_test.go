package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/healthhub-scheduler/internal/db"
)

// newEventLog connects to SCHEDULER_TEST_DATABASE_URL and migrates it. The
// test is skipped when the variable is unset.
func newEventLog(t *testing.T) (*PgEventLog, *pgxpool.Pool) {
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
	return NewPgEventLog(pool), pool
}

func TestPgEventLog_RedeliveryIsNoOp(t *testing.T) {
	log, pool := newEventLog(t)
	ctx := context.Background()
	ev := sampleEvent(TypeConfirmed)

	for i := 0; i < 3; i++ {
		if err := log.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish #%d error: %v", i+1, err)
		}
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM event_logs WHERE event_id = $1`, ev.ID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows = %d, want 1", count)
	}

	var (
		eventType string
		payload   []byte
	)
	err := pool.QueryRow(ctx, `
		SELECT event_type, payload
		FROM event_logs
		WHERE event_id = $1
	`, ev.ID).Scan(&eventType, &payload)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if eventType != string(TypeConfirmed) {
		t.Fatalf("event_type = %s", eventType)
	}

	var stored Event
	if err := json.Unmarshal(payload, &stored); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if stored.ID != ev.ID || stored.AppointmentID != ev.AppointmentID || stored.Appointment == nil {
		t.Fatalf("payload = %+v", stored)
	}
}

func TestPgEventLog_DistinctEvents(t *testing.T) {
	log, pool := newEventLog(t)
	ctx := context.Background()

	reserved := sampleEvent(TypeReserved)
	expired := New(TypeExpired, *reserved.Appointment, reserved.OccurredAt)
	for _, ev := range []Event{reserved, expired} {
		if err := log.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM event_logs WHERE appointment_id = $1`, reserved.AppointmentID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("rows = %d, want 2", count)
	}
}
