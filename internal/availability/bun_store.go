package availability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// BunStore persists availability in Postgres. The providers row carries the
// version counter; writers bump it inside the same transaction as the insert.
type BunStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db, now: time.Now}
}

func (s *BunStore) CreateProvider(ctx context.Context, p Provider) (Provider, error) {
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if err := ValidateProvider(p); err != nil {
		return Provider{}, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Version = 0
	p.CreatedAt = s.now().UTC()

	if _, err := s.db.NewInsert().Model(&p).Exec(ctx); err != nil {
		return Provider{}, fmt.Errorf("insert provider: %w", err)
	}
	return p, nil
}

func (s *BunStore) GetProvider(ctx context.Context, id uuid.UUID) (Provider, error) {
	var p Provider
	err := s.db.NewSelect().Model(&p).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrProviderNotFound
		}
		return Provider{}, fmt.Errorf("select provider: %w", err)
	}
	return p, nil
}

func (s *BunStore) ListProviders(ctx context.Context, role Role, limit, offset int) ([]Provider, error) {
	var rows []Provider
	q := s.db.NewSelect().Model(&rows).OrderExpr("created_at ASC, id ASC")
	if role != "" {
		q = q.Where("role = ?", role)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return rows, nil
}

func (s *BunStore) PutRule(ctx context.Context, providerID uuid.UUID, rule Rule) (Rule, error) {
	rule = normalizeRule(rule)
	if err := ValidateRule(rule); err != nil {
		return Rule{}, err
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		version, err := bumpVersion(ctx, tx, providerID)
		if err != nil {
			return err
		}

		if rule.Supersedes != nil {
			exists, err := tx.NewSelect().
				Model((*Rule)(nil)).
				Where("id = ?", *rule.Supersedes).
				Where("provider_id = ?", providerID).
				Exists(ctx)
			if err != nil {
				return fmt.Errorf("check superseded rule: %w", err)
			}
			if !exists {
				return ErrRuleNotFound
			}
		}

		if rule.ID == uuid.Nil {
			rule.ID = uuid.New()
		}
		rule.ProviderID = providerID
		rule.Version = version
		rule.CreatedAt = s.now().UTC()

		if _, err := tx.NewInsert().Model(&rule).Exec(ctx); err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func (s *BunStore) PutException(ctx context.Context, providerID uuid.UUID, ex Exception) (Exception, error) {
	if err := ValidateException(ex); err != nil {
		return Exception{}, err
	}
	ex.Date = Date(ex.Date.Date())

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		version, err := bumpVersion(ctx, tx, providerID)
		if err != nil {
			return err
		}

		if ex.ID == uuid.Nil {
			ex.ID = uuid.New()
		}
		ex.ProviderID = providerID
		ex.Version = version
		ex.CreatedAt = s.now().UTC()

		if _, err := tx.NewInsert().Model(&ex).Exec(ctx); err != nil {
			return fmt.Errorf("insert exception: %w", err)
		}
		return nil
	})
	if err != nil {
		return Exception{}, err
	}
	return ex, nil
}

func (s *BunStore) GetRulesSince(ctx context.Context, providerID uuid.UUID, version int64) (Snapshot, error) {
	var snap Snapshot
	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

	err := s.db.RunInTx(ctx, opts, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().Model(&snap.Provider).Where("id = ?", providerID).Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrProviderNotFound
			}
			return fmt.Errorf("select provider: %w", err)
		}
		snap.Version = snap.Provider.Version

		err = tx.NewSelect().
			Model(&snap.Rules).
			Where("provider_id = ?", providerID).
			Where("version > ?", version).
			OrderExpr("version ASC").
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("select rules: %w", err)
		}

		err = tx.NewSelect().
			Model(&snap.Exceptions).
			Where("provider_id = ?", providerID).
			Where("version > ?", version).
			OrderExpr("version ASC").
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("select exceptions: %w", err)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *BunStore) Version(ctx context.Context, providerID uuid.UUID) (int64, error) {
	var version int64
	err := s.db.NewSelect().
		Model((*Provider)(nil)).
		Column("availability_version").
		Where("id = ?", providerID).
		Scan(ctx, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrProviderNotFound
		}
		return 0, fmt.Errorf("select availability version: %w", err)
	}
	return version, nil
}

func bumpVersion(ctx context.Context, tx bun.Tx, providerID uuid.UUID) (int64, error) {
	var version int64
	err := tx.NewRaw(
		"UPDATE providers SET availability_version = availability_version + 1 WHERE id = ? RETURNING availability_version",
		providerID,
	).Scan(ctx, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrProviderNotFound
		}
		return 0, fmt.Errorf("bump availability version: %w", err)
	}
	return version, nil
}
