package slots

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/interval"
)

var (
	ErrInvalidWindow   = errors.New("invalid query window")
	ErrInvalidInterval = errors.New("interval is not aligned to the slot grid")
	ErrSlotUnavailable = errors.New("interval is not available")
)

// Fingerprint is the provider availability version a result was computed from.
type Fingerprint int64

type Slot struct {
	ProviderID  uuid.UUID   `json:"provider_id"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

// BusySource reports intervals held by active appointments. exclude names an
// appointment to ignore, or uuid.Nil.
type BusySource interface {
	BusyIntervals(ctx context.Context, providerID uuid.UUID, window interval.Interval, exclude uuid.UUID) ([]interval.Interval, error)
}

type Config struct {
	MaxWindowSpan      time.Duration
	DefaultGranularity time.Duration
}

type Resolver struct {
	store availability.Store
	busy  BusySource
	cfg   Config
}

func NewResolver(store availability.Store, busy BusySource, cfg Config) *Resolver {
	if cfg.DefaultGranularity <= 0 {
		cfg.DefaultGranularity = 15 * time.Minute
	}
	return &Resolver{store: store, busy: busy, cfg: cfg}
}

// Availability is the free time of one provider inside a window, pinned to
// the snapshot it was computed from. Iterating Slots more than once yields
// the same sequence.
type Availability struct {
	ProviderID  uuid.UUID
	Fingerprint Fingerprint
	Window      interval.Interval
	segments    []segment
}

func (a Availability) Slots() iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		for _, seg := range a.segments {
			for t := seg.firstGridPoint(); !t.Add(seg.step).After(seg.End); t = t.Add(seg.step) {
				s := Slot{
					ProviderID:  a.ProviderID,
					Start:       t,
					End:         t.Add(seg.step),
					Fingerprint: a.Fingerprint,
				}
				if !yield(s) {
					return
				}
			}
		}
	}
}

// Free returns the free intervals regardless of slot grid.
func (a Availability) Free() []interval.Interval {
	out := make([]interval.Interval, 0, len(a.segments))
	for _, seg := range a.segments {
		out = append(out, seg.Interval)
	}
	return out
}

func (r *Resolver) Resolve(ctx context.Context, providerID uuid.UUID, windowStart, windowEnd time.Time) (Availability, error) {
	window := interval.New(windowStart.UTC(), windowEnd.UTC())
	if err := r.validateWindow(window); err != nil {
		return Availability{}, err
	}

	segs, fp, err := r.free(ctx, providerID, window, uuid.Nil)
	if err != nil {
		return Availability{}, err
	}

	return Availability{
		ProviderID:  providerID,
		Fingerprint: fp,
		Window:      window,
		segments:    segs,
	}, nil
}

// Check validates a custom-length interval: it must sit inside one free
// segment and start and end on that segment's grid.
func (r *Resolver) Check(ctx context.Context, providerID uuid.UUID, iv interval.Interval, exclude uuid.UUID) (Fingerprint, error) {
	iv = iv.UTC()
	if err := r.validateWindow(iv); err != nil {
		return 0, err
	}

	segs, fp, err := r.free(ctx, providerID, iv, exclude)
	if err != nil {
		return 0, err
	}

	for _, seg := range segs {
		if !seg.Contains(iv) {
			continue
		}
		if !seg.onGrid(iv.Start) || iv.Duration()%seg.step != 0 {
			return fp, fmt.Errorf("%w: slot size is %s", ErrInvalidInterval, seg.step)
		}
		return fp, nil
	}
	return fp, ErrSlotUnavailable
}

func (r *Resolver) validateWindow(w interval.Interval) error {
	if !w.Valid() {
		return fmt.Errorf("%w: end must be after start", ErrInvalidWindow)
	}
	if r.cfg.MaxWindowSpan > 0 && w.Duration() > r.cfg.MaxWindowSpan {
		return fmt.Errorf("%w: span %s exceeds maximum %s", ErrInvalidWindow, w.Duration(), r.cfg.MaxWindowSpan)
	}
	return nil
}

func (r *Resolver) free(ctx context.Context, providerID uuid.UUID, window interval.Interval, exclude uuid.UUID) ([]segment, Fingerprint, error) {
	snap, err := r.store.GetRulesSince(ctx, providerID, 0)
	if err != nil {
		return nil, 0, err
	}
	loc, err := snap.Provider.Location()
	if err != nil {
		return nil, 0, fmt.Errorf("load provider time zone: %w", err)
	}

	segs := buildSegments(snap, loc, window, r.cfg.DefaultGranularity)
	if len(segs) == 0 {
		return nil, Fingerprint(snap.Version), nil
	}

	busy, err := r.busy.BusyIntervals(ctx, providerID, window, exclude)
	if err != nil {
		return nil, 0, fmt.Errorf("load busy intervals: %w", err)
	}
	for _, b := range interval.Merge(busy) {
		segs = erase(segs, b)
	}
	sortSegments(segs)

	return segs, Fingerprint(snap.Version), nil
}

// buildSegments expands rules and exceptions for every local date touching
// window. Rules are painted in version order, then exceptions in version
// order, so exceptions beat recurrence and later writes beat earlier ones.
func buildSegments(snap availability.Snapshot, loc *time.Location, window interval.Interval, defaultStep time.Duration) []segment {
	rules := snap.ActiveRules()
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Version < rules[j].Version })
	exceptions := append([]availability.Exception(nil), snap.Exceptions...)
	sort.SliceStable(exceptions, func(i, j int) bool { return exceptions[i].Version < exceptions[j].Version })

	first := window.Start.In(loc)
	last := window.End.In(loc)
	day := time.Date(first.Year(), first.Month(), first.Day()-1, 0, 0, 0, 0, time.UTC)
	end := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)

	var out []segment
	for ; !day.After(end); day = day.AddDate(0, 0, 1) {
		y, m, d := day.Date()

		var segs []segment
		for _, r := range rules {
			if !r.AppliesOn(y, m, d) {
				continue
			}
			iv := localInterval(r.Start, r.End, y, m, d, loc)
			if !iv.Valid() {
				continue
			}
			segs = paint(segs, newSegment(iv, r.Granularity()))
		}
		for _, e := range exceptions {
			if !e.On(y, m, d) {
				continue
			}
			iv := localInterval(e.Start, e.End, y, m, d, loc)
			if !iv.Valid() {
				continue
			}
			switch e.Kind {
			case availability.ExceptionBlock:
				segs = erase(segs, iv)
			case availability.ExceptionOpening:
				step := defaultStep
				if e.GranularityMinutes > 0 {
					step = time.Duration(e.GranularityMinutes) * time.Minute
				}
				segs = paint(segs, newSegment(iv, step))
			}
		}

		for _, s := range segs {
			if clipped, ok := s.Intersect(window); ok {
				out = append(out, segment{Interval: clipped, anchor: s.anchor, step: s.step})
			}
		}
	}

	sortSegments(out)
	return coalesce(out)
}

// localInterval resolves a wall-clock window on a local date to UTC. A bound
// that falls in a spring-forward gap snaps to the instant the gap ends, so a
// window lying wholly inside the gap comes back empty.
func localInterval(from, to availability.TimeOfDay, y int, m time.Month, d int, loc *time.Location) interval.Interval {
	return interval.New(localInstant(from, y, m, d, loc), localInstant(to, y, m, d, loc))
}

func localInstant(t availability.TimeOfDay, y int, m time.Month, d int, loc *time.Location) time.Time {
	at := t.On(y, m, d, loc)
	if t == availability.EndOfDay {
		return at.UTC()
	}
	wall := availability.Clock(at.Hour(), at.Minute())
	if wall == t {
		return at.UTC()
	}
	start, end := at.ZoneBounds()
	switch {
	case wall > t && !start.IsZero():
		at = start
	case wall < t && !end.IsZero():
		at = end
	}
	return at.UTC()
}
