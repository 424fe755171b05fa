package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
)

// PairRepo implements storage.PairRepository using PostgreSQL.
type PairRepo struct {
	db *DB
}

func NewPairRepo(db *DB) *PairRepo {
	return &PairRepo{db: db}
}

func (r *PairRepo) GetByName(ctx context.Context, name string) (*domain.Pair, error) {
	var p domain.Pair
	err := sqlx.GetContext(ctx, r.db, &p,
		`SELECT name, base, target FROM supported_pairs WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get pair", err)
	}
	return &p, nil
}

func (r *PairRepo) GetByBaseTarget(ctx context.Context, base, target string) (*domain.Pair, error) {
	var p domain.Pair
	err := sqlx.GetContext(ctx, r.db, &p,
		`SELECT name, base, target FROM supported_pairs WHERE base = $1 AND target = $2`, base, target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get pair by symbols", err)
	}
	return &p, nil
}

func (r *PairRepo) Upsert(ctx context.Context, pair *domain.Pair) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO supported_pairs (name, base, target)
		VALUES (:name, :base, :target)
		ON CONFLICT (name) DO UPDATE SET
			base = EXCLUDED.base,
			target = EXCLUDED.target,
			updated_at = now()
	`, pair)
	return wrapErr("upsert pair", err)
}

func (r *PairRepo) List(ctx context.Context) ([]*domain.Pair, error) {
	var pairs []*domain.Pair
	if err := sqlx.SelectContext(ctx, r.db, &pairs,
		`SELECT name, base, target FROM supported_pairs ORDER BY name`); err != nil {
		return nil, wrapErr("list pairs", err)
	}
	return pairs, nil
}
