package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/healthhub-scheduler/internal/appointment"
)

func sampleEvent(t Type) Event {
	return New(t, appointment.Appointment{
		ID:         uuid.New(),
		ProviderID: uuid.New(),
		PatientID:  uuid.New(),
		Status:     appointment.StatusPending,
		Version:    1,
	}, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
}

func TestDispatcher_RetriesUntilDelivered(t *testing.T) {
	var calls atomic.Int32
	rec := &Recorder{}
	flaky := PublisherFunc(func(ctx context.Context, ev Event) error {
		if calls.Add(1) < 3 {
			return errors.New("broker unavailable")
		}
		return rec.Publish(ctx, ev)
	})

	d := NewDispatcher(flaky, 8, zerolog.New(io.Discard)).WithRetry(5, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	ev := sampleEvent(TypeReserved)
	if err := d.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(rec.Events()) == 0 {
		select {
		case <-deadline:
			t.Fatal("event was not delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if got := rec.Events()[0]; got.ID != ev.ID {
		t.Fatalf("delivered %v, want %v", got.ID, ev.ID)
	}
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	rec := &Recorder{}
	d := NewDispatcher(rec, 16, zerolog.New(io.Discard))

	for i := 0; i < 5; i++ {
		if err := d.Publish(context.Background(), sampleEvent(TypeConfirmed)); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if n := len(rec.Events()); n != 5 {
		t.Fatalf("delivered %d events, want 5", n)
	}
}

func TestDispatcher_PublishRespectsContext(t *testing.T) {
	d := NewDispatcher(&Recorder{}, 1, zerolog.New(io.Discard))
	if err := d.Publish(context.Background(), sampleEvent(TypeReserved)); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Publish(ctx, sampleEvent(TypeReserved)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")
	m := Multi{rec, PublisherFunc(func(context.Context, Event) error { return boom })}

	err := m.Publish(context.Background(), sampleEvent(TypeCancelled))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(rec.Events()) != 1 {
		t.Fatal("healthy publisher did not receive the event")
	}
}

func TestRecorder_OfType(t *testing.T) {
	rec := &Recorder{}
	_ = rec.Publish(context.Background(), sampleEvent(TypeReserved))
	_ = rec.Publish(context.Background(), sampleEvent(TypeExpired))
	_ = rec.Publish(context.Background(), sampleEvent(TypeExpired))

	if n := len(rec.OfType(TypeExpired)); n != 2 {
		t.Fatalf("expired = %d, want 2", n)
	}
}

func TestRedisStream_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisStream(client, "scheduling:events")
	ev := sampleEvent(TypePaymentRequested)
	ev.Payment = &PaymentRequest{
		AppointmentID: ev.AppointmentID,
		PatientID:     ev.Appointment.PatientID,
		Amount:        3300,
		Currency:      "USD",
		Deadline:      ev.OccurredAt.Add(10 * time.Minute),
	}
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	msgs, err := client.XRange(context.Background(), "scheduling:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stream length = %d, want 1", len(msgs))
	}
	if msgs[0].Values["type"] != string(TypePaymentRequested) {
		t.Fatalf("type = %v", msgs[0].Values["type"])
	}

	var decoded Event
	if err := json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Payment == nil || decoded.Payment.Amount != 3300 {
		t.Fatalf("payment = %+v", decoded.Payment)
	}
}
