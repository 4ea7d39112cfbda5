package slots

import (
	"sort"
	"time"

	"github.com/hackgods/healthhub-scheduler/internal/interval"
)

// segment is a free stretch of time with the slot grid it inherited from the
// rule or opening that produced it. The grid survives clipping and subtraction.
type segment struct {
	interval.Interval
	anchor time.Time
	step   time.Duration
}

func newSegment(iv interval.Interval, step time.Duration) segment {
	return segment{Interval: iv, anchor: iv.Start, step: step}
}

func (s segment) onGrid(t time.Time) bool {
	return t.Sub(s.anchor)%s.step == 0
}

func (s segment) firstGridPoint() time.Time {
	offset := s.Start.Sub(s.anchor)
	if offset <= 0 {
		return s.anchor
	}
	n := offset / s.step
	if offset%s.step != 0 {
		n++
	}
	return s.anchor.Add(n * s.step)
}

func erase(segs []segment, hole interval.Interval) []segment {
	out := make([]segment, 0, len(segs))
	for _, s := range segs {
		for _, rest := range s.Subtract(hole) {
			out = append(out, segment{Interval: rest, anchor: s.anchor, step: s.step})
		}
	}
	return out
}

func paint(segs []segment, s segment) []segment {
	return append(erase(segs, s.Interval), s)
}

func sortSegments(segs []segment) {
	sort.Slice(segs, func(i, j int) bool { return segs[i].Start.Before(segs[j].Start) })
}

// coalesce joins touching segments that share a step and a compatible grid.
func coalesce(segs []segment) []segment {
	if len(segs) < 2 {
		return segs
	}
	out := make([]segment, 0, len(segs))
	out = append(out, segs[0])
	for _, s := range segs[1:] {
		prev := &out[len(out)-1]
		if prev.End.Equal(s.Start) && prev.step == s.step && prev.onGrid(s.anchor) {
			prev.End = s.End
			continue
		}
		out = append(out, s)
	}
	return out
}
