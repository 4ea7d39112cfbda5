package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	e := p.log.Info().
		Str("event_id", ev.ID.String()).
		Str("type", string(ev.Type)).
		Str("appointment_id", ev.AppointmentID.String())
	if ev.Appointment != nil {
		e = e.Str("status", string(ev.Appointment.Status)).Int64("version", ev.Appointment.Version)
	}
	if ev.Payment != nil {
		e = e.Int64("amount", ev.Payment.Amount).Str("currency", ev.Payment.Currency)
	}
	e.Msg("domain event")
	return nil
}

// RedisStream appends events to a Redis stream for notification and payment
// consumers.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStream(client *redis.Client, stream string) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: 100000}
}

func (p *RedisStream) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":       ev.ID.String(),
			"type":           string(ev.Type),
			"appointment_id": ev.AppointmentID.String(),
			"payload":        payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// PgEventLog records events in the event_logs table. Redelivery of the same
// event is a no-op.
type PgEventLog struct {
	pool *pgxpool.Pool
}

func NewPgEventLog(pool *pgxpool.Pool) *PgEventLog {
	return &PgEventLog{pool: pool}
}

func (p *PgEventLog) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO event_logs (event_id, event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.ID, string(ev.Type), ev.AppointmentID, payload, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t in publish order.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
