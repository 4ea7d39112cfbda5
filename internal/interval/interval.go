package interval

import (
	"sort"
	"time"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func New(start, end time.Time) Interval {
	return Interval{Start: start, End: end}
}

func (iv Interval) Valid() bool {
	return iv.End.After(iv.Start)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Contains reports whether other lies entirely within iv.
func (iv Interval) Contains(other Interval) bool {
	return !other.Start.Before(iv.Start) && !other.End.After(iv.End)
}

// Intersect returns the overlap of iv and other. ok is false when they do not overlap.
func (iv Interval) Intersect(other Interval) (Interval, bool) {
	start := iv.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := iv.End
	if other.End.Before(end) {
		end = other.End
	}
	out := Interval{Start: start, End: end}
	return out, out.Valid()
}

// Subtract removes other from iv and returns what is left, in order. An
// empty or inverted other removes nothing.
func (iv Interval) Subtract(other Interval) []Interval {
	if !other.Valid() || !iv.Overlaps(other) {
		return []Interval{iv}
	}
	out := make([]Interval, 0, 2)
	if iv.Start.Before(other.Start) {
		out = append(out, Interval{Start: iv.Start, End: other.Start})
	}
	if other.End.Before(iv.End) {
		out = append(out, Interval{Start: other.End, End: iv.End})
	}
	return out
}

func (iv Interval) UTC() Interval {
	return Interval{Start: iv.Start.UTC(), End: iv.End.UTC()}
}

// Sort orders intervals by start, then end.
func Sort(ivs []Interval) {
	sort.Slice(ivs, func(i, j int) bool {
		if ivs[i].Start.Equal(ivs[j].Start) {
			return ivs[i].End.Before(ivs[j].End)
		}
		return ivs[i].Start.Before(ivs[j].Start)
	})
}

// Merge sorts the input and coalesces overlapping or touching intervals.
func Merge(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}
	cp := make([]Interval, 0, len(ivs))
	for _, iv := range ivs {
		if iv.Valid() {
			cp = append(cp, iv)
		}
	}
	Sort(cp)

	out := make([]Interval, 0, len(cp))
	for _, iv := range cp {
		if n := len(out); n > 0 && !iv.Start.After(out[n-1].End) {
			if iv.End.After(out[n-1].End) {
				out[n-1].End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// SubtractAll removes every interval in holes from base.
func SubtractAll(base []Interval, holes []Interval) []Interval {
	out := append([]Interval(nil), base...)
	for _, h := range holes {
		next := make([]Interval, 0, len(out))
		for _, iv := range out {
			next = append(next, iv.Subtract(h)...)
		}
		out = next
	}
	return out
}
