package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrProviderNotFound = fmt.Errorf("provider %w", ErrNotFound)
	ErrRuleNotFound     = fmt.Errorf("superseded rule %w", ErrNotFound)
	ErrInvalidRule      = errors.New("invalid availability rule")
	ErrInvalidProvider  = errors.New("invalid provider")
)

// Store holds provider availability. Every rule or exception write bumps the
// provider's version counter, which the resolver uses as a fingerprint.
type Store interface {
	CreateProvider(ctx context.Context, p Provider) (Provider, error)
	GetProvider(ctx context.Context, id uuid.UUID) (Provider, error)
	ListProviders(ctx context.Context, role Role, limit, offset int) ([]Provider, error)

	PutRule(ctx context.Context, providerID uuid.UUID, rule Rule) (Rule, error)
	PutException(ctx context.Context, providerID uuid.UUID, ex Exception) (Exception, error)

	// GetRulesSince returns rules and exceptions written after version.
	// Passing 0 returns the full snapshot.
	GetRulesSince(ctx context.Context, providerID uuid.UUID, version int64) (Snapshot, error)
	Version(ctx context.Context, providerID uuid.UUID) (int64, error)
}

func ValidateProvider(p Provider) error {
	switch p.Role {
	case RoleDoctor, RoleTranslator:
	default:
		return fmt.Errorf("%w: role must be doctor or translator", ErrInvalidProvider)
	}
	if p.TimeZone == "" {
		return fmt.Errorf("%w: time_zone is required", ErrInvalidProvider)
	}
	if _, err := time.LoadLocation(p.TimeZone); err != nil {
		return fmt.Errorf("%w: invalid time_zone %q", ErrInvalidProvider, p.TimeZone)
	}
	if p.HourlyRate < 0 {
		return fmt.Errorf("%w: hourly_rate must not be negative", ErrInvalidProvider)
	}
	return nil
}

func ValidateRule(r Rule) error {
	if r.Start < 0 || r.End > EndOfDay {
		return fmt.Errorf("%w: time of day out of range", ErrInvalidRule)
	}
	if r.Start >= r.End {
		return fmt.Errorf("%w: start must be before end", ErrInvalidRule)
	}
	if r.GranularityMinutes <= 0 {
		return fmt.Errorf("%w: granularity must be positive", ErrInvalidRule)
	}
	if len(r.Weekdays) == 0 {
		return fmt.Errorf("%w: at least one weekday is required", ErrInvalidRule)
	}
	for _, wd := range r.Weekdays {
		if wd < 1 || wd > 7 {
			return fmt.Errorf("%w: invalid weekday %d", ErrInvalidRule, wd)
		}
	}
	if r.ValidFrom.IsZero() {
		return fmt.Errorf("%w: valid_from is required", ErrInvalidRule)
	}
	if r.ValidUntil != nil && r.ValidUntil.Before(r.ValidFrom) {
		return fmt.Errorf("%w: valid_until must not precede valid_from", ErrInvalidRule)
	}
	return nil
}

func ValidateException(e Exception) error {
	if e.Start < 0 || e.End > EndOfDay {
		return fmt.Errorf("%w: time of day out of range", ErrInvalidRule)
	}
	if e.Start >= e.End {
		return fmt.Errorf("%w: start must be before end", ErrInvalidRule)
	}
	if e.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidRule)
	}
	switch e.Kind {
	case ExceptionBlock, ExceptionOpening:
	default:
		return fmt.Errorf("%w: kind must be block or opening", ErrInvalidRule)
	}
	if e.GranularityMinutes < 0 {
		return fmt.Errorf("%w: granularity must not be negative", ErrInvalidRule)
	}
	return nil
}

func normalizeRule(r Rule) Rule {
	seen := make(map[int16]struct{}, len(r.Weekdays))
	days := make([]int16, 0, len(r.Weekdays))
	for _, wd := range r.Weekdays {
		if _, ok := seen[wd]; ok {
			continue
		}
		seen[wd] = struct{}{}
		days = append(days, wd)
	}
	r.Weekdays = days
	r.ValidFrom = Date(r.ValidFrom.Date())
	if r.ValidUntil != nil {
		u := Date(r.ValidUntil.Date())
		r.ValidUntil = &u
	}
	return r
}
