package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderq/internal/model"
)

// LimiterRepo tracks per-model concurrency slots as single guarded UPDATEs
// against model_limits. A model with no configured row admits freely
// (fail-open), so new models are never blocked by missing configuration.
type LimiterRepo struct {
	dbPool *pgxpool.Pool
}

func NewLimiterRepo(db *pgxpool.Pool) *LimiterRepo {
	return &LimiterRepo{dbPool: db}
}

// IsAdmissible reports whether the model currently has a free slot. Advisory
// only: the authoritative admission test is Acquire's guard. A model with no
// configured row admits.
func (r *LimiterRepo) IsAdmissible(ctx context.Context, modelID string) (bool, error) {
	const q = `SELECT current_active < max_concurrent FROM model_limits WHERE model_id = $1`

	var admissible bool
	err := r.dbPool.QueryRow(ctx, q, modelID).Scan(&admissible)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("check admissibility: %w", err)
	}
	return admissible, nil
}

// Acquire takes one slot if a free one exists: the admission check and the
// increment are a single guarded UPDATE, so two racing dispatchers cannot
// both take the last slot. An unlimited row is created on first use so
// releases always have a row to decrement. Returns false when the model is
// at capacity. Called only at dispatch time, never at enqueue.
func (r *LimiterRepo) Acquire(ctx context.Context, modelID string) (bool, error) {
	const ensure = `
		INSERT INTO model_limits (model_id, max_concurrent, current_active)
		VALUES ($1, $2, 0)
		ON CONFLICT (model_id) DO NOTHING`
	if _, err := r.dbPool.Exec(ctx, ensure, modelID, model.UnlimitedConcurrency); err != nil {
		return false, fmt.Errorf("ensure limit row: %w", err)
	}

	const q = `
		UPDATE model_limits
		SET current_active = current_active + 1
		WHERE model_id = $1 AND current_active < max_concurrent`
	tag, err := r.dbPool.Exec(ctx, q, modelID)
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release frees one slot. The guard keeps current_active from going negative
// if a release is ever replayed; the caller treats a zero-row result as a
// duplicate and logs it rather than failing settlement.
func (r *LimiterRepo) Release(ctx context.Context, modelID string) (bool, error) {
	const q = `
		UPDATE model_limits
		SET current_active = current_active - 1
		WHERE model_id = $1 AND current_active > 0`
	tag, err := r.dbPool.Exec(ctx, q, modelID)
	if err != nil {
		return false, fmt.Errorf("release slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetLimit configures max_concurrent for a model. Zero means "no limit" and
// is stored as the sentinel instead.
func (r *LimiterRepo) SetLimit(ctx context.Context, modelID string, maxConcurrent int) error {
	if maxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be non-negative, got %d", maxConcurrent)
	}
	if maxConcurrent == 0 {
		maxConcurrent = model.UnlimitedConcurrency
	}

	const q = `
		INSERT INTO model_limits (model_id, max_concurrent, current_active)
		VALUES ($1, $2, 0)
		ON CONFLICT (model_id) DO UPDATE SET max_concurrent = EXCLUDED.max_concurrent`
	if _, err := r.dbPool.Exec(ctx, q, modelID, maxConcurrent); err != nil {
		return fmt.Errorf("set limit: %w", err)
	}
	return nil
}

// Get returns the limit row for one model, or an unlimited placeholder when
// none is configured.
func (r *LimiterRepo) Get(ctx context.Context, modelID string) (*model.ModelLimit, error) {
	const q = `SELECT model_id, max_concurrent, current_active FROM model_limits WHERE model_id = $1`

	lim := &model.ModelLimit{}
	err := r.dbPool.QueryRow(ctx, q, modelID).Scan(&lim.ModelID, &lim.MaxConcurrent, &lim.CurrentActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.ModelLimit{ModelID: modelID, MaxConcurrent: model.UnlimitedConcurrency}, nil
		}
		return nil, fmt.Errorf("query limit: %w", err)
	}
	return lim, nil
}

// Snapshot lists all configured limits for the admin surface.
func (r *LimiterRepo) Snapshot(ctx context.Context) ([]model.ModelLimit, error) {
	const q = `SELECT model_id, max_concurrent, current_active FROM model_limits ORDER BY model_id`

	rows, err := r.dbPool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query limits: %w", err)
	}
	defer rows.Close()

	var limits []model.ModelLimit
	for rows.Next() {
		var lim model.ModelLimit
		if err := rows.Scan(&lim.ModelID, &lim.MaxConcurrent, &lim.CurrentActive); err != nil {
			return nil, fmt.Errorf("scan limit: %w", err)
		}
		limits = append(limits, lim)
	}
	return limits, rows.Err()
}
