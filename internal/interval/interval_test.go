package interval

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Interval
		want bool
	}{
		{"disjoint", New(at(9, 0), at(9, 30)), New(at(10, 0), at(10, 30)), false},
		{"touching is not overlap", New(at(9, 0), at(9, 30)), New(at(9, 30), at(10, 0)), false},
		{"partial", New(at(9, 0), at(10, 0)), New(at(9, 30), at(10, 30)), true},
		{"contained", New(at(9, 0), at(12, 0)), New(at(10, 0), at(10, 15)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Fatalf("Overlaps = %v, want %v", got, tt.want)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Fatalf("Overlaps (reversed) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubtract(t *testing.T) {
	base := New(at(9, 0), at(12, 0))

	out := base.Subtract(New(at(10, 0), at(11, 0)))
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if !out[0].End.Equal(at(10, 0)) || !out[1].Start.Equal(at(11, 0)) {
		t.Fatalf("unexpected split: %+v", out)
	}

	if out := base.Subtract(New(at(8, 0), at(13, 0))); len(out) != 0 {
		t.Fatalf("full cover should leave nothing, got %+v", out)
	}

	if out := base.Subtract(New(at(13, 0), at(14, 0))); len(out) != 1 || out[0] != base {
		t.Fatalf("disjoint subtract should keep base, got %+v", out)
	}

	// an inverted hole still "overlaps" by comparison but removes nothing
	if out := base.Subtract(New(at(11, 0), at(10, 0))); len(out) != 1 || out[0] != base {
		t.Fatalf("inverted subtract should keep base, got %+v", out)
	}
}

func TestMerge(t *testing.T) {
	out := Merge([]Interval{
		New(at(11, 0), at(12, 0)),
		New(at(9, 0), at(10, 0)),
		New(at(10, 0), at(10, 30)),
		New(at(9, 15), at(9, 45)),
	})
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (%+v)", len(out), out)
	}
	if !out[0].Start.Equal(at(9, 0)) || !out[0].End.Equal(at(10, 30)) {
		t.Fatalf("first merged interval = %+v", out[0])
	}
}

func TestSubtractAll(t *testing.T) {
	out := SubtractAll(
		[]Interval{New(at(9, 0), at(12, 0))},
		[]Interval{New(at(9, 0), at(9, 30)), New(at(10, 0), at(10, 30))},
	)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if !out[0].Start.Equal(at(9, 30)) || !out[1].Start.Equal(at(10, 30)) {
		t.Fatalf("unexpected result %+v", out)
	}
}

func TestIntersect(t *testing.T) {
	got, ok := New(at(9, 0), at(11, 0)).Intersect(New(at(10, 0), at(12, 0)))
	if !ok {
		t.Fatal("expected overlap")
	}
	if !got.Start.Equal(at(10, 0)) || !got.End.Equal(at(11, 0)) {
		t.Fatalf("Intersect = %+v", got)
	}
	if _, ok := New(at(9, 0), at(10, 0)).Intersect(New(at(10, 0), at(11, 0))); ok {
		t.Fatal("touching intervals must not intersect")
	}
}
