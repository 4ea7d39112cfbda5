package availability

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Role string

const (
	RoleDoctor     Role = "doctor"
	RoleTranslator Role = "translator"
)

type ExceptionKind string

const (
	ExceptionBlock   ExceptionKind = "block"
	ExceptionOpening ExceptionKind = "opening"
)

// TimeOfDay is a wall-clock offset in minutes from local midnight.
// 1440 is accepted as an end-of-day marker.
type TimeOfDay int

const EndOfDay TimeOfDay = 24 * 60

func Clock(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return Clock(h, m), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// On returns the instant of t on the given local date in loc.
func (t TimeOfDay) On(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, t.Hour(), t.Minute(), 0, 0, loc)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

type Provider struct {
	bun.BaseModel `bun:"table:providers" json:"-"`

	ID          uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Role        Role      `bun:"role,notnull" json:"role"`
	DisplayName string    `bun:"display_name" json:"display_name,omitempty"`
	TimeZone    string    `bun:"time_zone,notnull" json:"time_zone"`
	HourlyRate  int64     `bun:"hourly_rate,notnull" json:"hourly_rate"`
	Currency    string    `bun:"currency,notnull" json:"currency"`
	Version     int64     `bun:"availability_version,notnull" json:"availability_version"`
	CreatedAt   time.Time `bun:"created_at,notnull" json:"created_at"`
}

func (p Provider) Location() (*time.Location, error) {
	return time.LoadLocation(p.TimeZone)
}

// Rule is a weekly recurring availability window. Rules are never edited;
// a newer rule naming Supersedes hides the older one.
type Rule struct {
	bun.BaseModel `bun:"table:availability_rules" json:"-"`

	ID                 uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	ProviderID         uuid.UUID  `bun:"provider_id,notnull,type:uuid" json:"provider_id"`
	Version            int64      `bun:"version,notnull" json:"version"`
	Weekdays           []int16    `bun:"weekdays,array,notnull" json:"weekdays"`
	Start              TimeOfDay  `bun:"start_minute,notnull" json:"start"`
	End                TimeOfDay  `bun:"end_minute,notnull" json:"end"`
	ValidFrom          time.Time  `bun:"valid_from,notnull,type:date" json:"valid_from"`
	ValidUntil         *time.Time `bun:"valid_until,type:date" json:"valid_until,omitempty"`
	GranularityMinutes int        `bun:"granularity_minutes,notnull" json:"granularity_minutes"`
	Supersedes         *uuid.UUID `bun:"supersedes,type:uuid" json:"supersedes,omitempty"`
	CreatedAt          time.Time  `bun:"created_at,notnull" json:"created_at"`
}

func (r Rule) Granularity() time.Duration {
	return time.Duration(r.GranularityMinutes) * time.Minute
}

// AppliesOn reports whether the rule produces a window on the local date.
func (r Rule) AppliesOn(year int, month time.Month, day int) bool {
	key := dateKey(year, month, day)
	if key < dateKey(r.ValidFrom.Date()) {
		return false
	}
	if r.ValidUntil != nil && key > dateKey(r.ValidUntil.Date()) {
		return false
	}
	wd := ISOWeekday(time.Date(year, month, day, 12, 0, 0, 0, time.UTC).Weekday())
	for _, d := range r.Weekdays {
		if d == wd {
			return true
		}
	}
	return false
}

type Exception struct {
	bun.BaseModel `bun:"table:availability_exceptions" json:"-"`

	ID                 uuid.UUID     `bun:"id,pk,type:uuid" json:"id"`
	ProviderID         uuid.UUID     `bun:"provider_id,notnull,type:uuid" json:"provider_id"`
	Version            int64         `bun:"version,notnull" json:"version"`
	Date               time.Time     `bun:"on_date,notnull,type:date" json:"date"`
	Start              TimeOfDay     `bun:"start_minute,notnull" json:"start"`
	End                TimeOfDay     `bun:"end_minute,notnull" json:"end"`
	Kind               ExceptionKind `bun:"kind,notnull" json:"kind"`
	GranularityMinutes int           `bun:"granularity_minutes,notnull" json:"granularity_minutes,omitempty"`
	CreatedAt          time.Time     `bun:"created_at,notnull" json:"created_at"`
}

func (e Exception) On(year int, month time.Month, day int) bool {
	y, m, d := e.Date.Date()
	return y == year && m == month && d == day
}

// Snapshot is the availability data of one provider pinned at Version.
type Snapshot struct {
	Provider   Provider
	Version    int64
	Rules      []Rule
	Exceptions []Exception
}

// ActiveRules drops rules that a later rule supersedes.
func (s Snapshot) ActiveRules() []Rule {
	superseded := make(map[uuid.UUID]struct{}, len(s.Rules))
	for _, r := range s.Rules {
		if r.Supersedes != nil {
			superseded[*r.Supersedes] = struct{}{}
		}
	}
	out := make([]Rule, 0, len(s.Rules))
	for _, r := range s.Rules {
		if _, ok := superseded[r.ID]; ok {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ISOWeekday maps Monday=1 .. Sunday=7.
func ISOWeekday(wd time.Weekday) int16 {
	if wd == time.Sunday {
		return 7
	}
	return int16(wd)
}

func dateKey(year int, month time.Month, day int) int {
	return year*10000 + int(month)*100 + day
}

// Date truncates t to its calendar date at UTC midnight, the form dates are stored in.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
