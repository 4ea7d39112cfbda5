package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type providerState struct {
	provider   Provider
	rules      []Rule
	exceptions []Exception
}

// MemoryStore is a process-local Store. Rule and exception slices are
// append-only so snapshots can share them safely.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[uuid.UUID]*providerState
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[uuid.UUID]*providerState),
		now:       time.Now,
	}
}

func (s *MemoryStore) CreateProvider(_ context.Context, p Provider) (Provider, error) {
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if err := ValidateProvider(p); err != nil {
		return Provider{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Version = 0
	p.CreatedAt = s.now().UTC()
	s.providers[p.ID] = &providerState{provider: p}
	return p, nil
}

func (s *MemoryStore) GetProvider(_ context.Context, id uuid.UUID) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.providers[id]
	if !ok {
		return Provider{}, ErrProviderNotFound
	}
	return st.provider, nil
}

func (s *MemoryStore) ListProviders(_ context.Context, role Role, limit, offset int) ([]Provider, error) {
	s.mu.RLock()
	out := make([]Provider, 0, len(s.providers))
	for _, st := range s.providers {
		if role != "" && st.provider.Role != role {
			continue
		}
		out = append(out, st.provider)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt) ||
			(out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID.String() < out[j].ID.String())
	})
	return page(out, limit, offset), nil
}

func (s *MemoryStore) PutRule(_ context.Context, providerID uuid.UUID, rule Rule) (Rule, error) {
	rule = normalizeRule(rule)
	if err := ValidateRule(rule); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.providers[providerID]
	if !ok {
		return Rule{}, ErrProviderNotFound
	}
	if rule.Supersedes != nil && !st.hasRule(*rule.Supersedes) {
		return Rule{}, ErrRuleNotFound
	}

	st.provider.Version++
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	rule.ProviderID = providerID
	rule.Version = st.provider.Version
	rule.CreatedAt = s.now().UTC()
	st.rules = append(st.rules, rule)
	return rule, nil
}

func (s *MemoryStore) PutException(_ context.Context, providerID uuid.UUID, ex Exception) (Exception, error) {
	if err := ValidateException(ex); err != nil {
		return Exception{}, err
	}
	ex.Date = Date(ex.Date.Date())

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.providers[providerID]
	if !ok {
		return Exception{}, ErrProviderNotFound
	}

	st.provider.Version++
	if ex.ID == uuid.Nil {
		ex.ID = uuid.New()
	}
	ex.ProviderID = providerID
	ex.Version = st.provider.Version
	ex.CreatedAt = s.now().UTC()
	st.exceptions = append(st.exceptions, ex)
	return ex, nil
}

func (s *MemoryStore) GetRulesSince(_ context.Context, providerID uuid.UUID, version int64) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.providers[providerID]
	if !ok {
		return Snapshot{}, ErrProviderNotFound
	}

	snap := Snapshot{Provider: st.provider, Version: st.provider.Version}
	for _, r := range st.rules {
		if r.Version > version {
			snap.Rules = append(snap.Rules, r)
		}
	}
	for _, e := range st.exceptions {
		if e.Version > version {
			snap.Exceptions = append(snap.Exceptions, e)
		}
	}
	return snap, nil
}

func (s *MemoryStore) Version(_ context.Context, providerID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.providers[providerID]
	if !ok {
		return 0, ErrProviderNotFound
	}
	return st.provider.Version, nil
}

func (st *providerState) hasRule(id uuid.UUID) bool {
	for _, r := range st.rules {
		if r.ID == id {
			return true
		}
	}
	return false
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
