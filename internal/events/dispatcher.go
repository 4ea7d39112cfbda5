package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher decouples event producers from slow or failing publishers.
// Publish enqueues; Run delivers with retries until its context ends and
// then drains whatever is still buffered.
type Dispatcher struct {
	pub         Publisher
	queue       chan Event
	log         zerolog.Logger
	maxAttempts int
	backoff     time.Duration
	drainFor    time.Duration
}

func NewDispatcher(pub Publisher, size int, log zerolog.Logger) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	return &Dispatcher{
		pub:         pub,
		queue:       make(chan Event, size),
		log:         log.With().Str("component", "events").Logger(),
		maxAttempts: 5,
		backoff:     200 * time.Millisecond,
		drainFor:    5 * time.Second,
	}
}

// WithRetry overrides the delivery attempts and base backoff.
func (d *Dispatcher) WithRetry(attempts int, backoff time.Duration) *Dispatcher {
	if attempts > 0 {
		d.maxAttempts = attempts
	}
	d.backoff = backoff
	return d
}

func (d *Dispatcher) Publish(ctx context.Context, ev Event) error {
	select {
	case d.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.drainFor)
	defer cancel()

	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
		if ctx.Err() != nil {
			d.log.Warn().Int("remaining", len(d.queue)).Msg("drain deadline reached, dropping events")
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err := d.pub.Publish(ctx, ev)
		if err == nil {
			return
		}

		d.log.Warn().
			Err(err).
			Str("event_id", ev.ID.String()).
			Str("type", string(ev.Type)).
			Int("attempt", attempt).
			Msg("publish failed")

		if attempt == d.maxAttempts {
			break
		}
		select {
		case <-time.After(d.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			d.drainRetry(ev)
			return
		}
	}

	d.log.Error().
		Str("event_id", ev.ID.String()).
		Str("type", string(ev.Type)).
		Str("appointment_id", ev.AppointmentID.String()).
		Msg("giving up on event")
}

// drainRetry makes one final attempt for an event interrupted by shutdown.
func (d *Dispatcher) drainRetry(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.drainFor)
	defer cancel()
	if err := d.pub.Publish(ctx, ev); err != nil {
		d.log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("dropping event on shutdown")
	}
}
