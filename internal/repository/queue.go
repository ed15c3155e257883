package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"renderq/internal/model"
)

var ErrJobNotFound = errors.New("generation job not found")

const jobColumns = `
	id, user_id, model_id, model_type, prompt, params, ticket_cost, priority,
	no_charge, status, queued_at, started_at, completed_at,
	COALESCE(provider_request_id, ''), COALESCE(result_url, ''),
	COALESCE(result_id, ''), COALESCE(error_message, '')`

// QueueRepo is the durable queue of generation jobs. Status transitions are
// conditional UPDATEs guarded on the expected current status, so a racing
// writer loses cleanly instead of clobbering.
type QueueRepo struct {
	dbPool      *pgxpool.Pool
	redisClient *redis.Client
}

func NewQueueRepo(db *pgxpool.Pool, rdb *redis.Client) *QueueRepo {
	return &QueueRepo{dbPool: db, redisClient: rdb}
}

// Enqueue inserts the job as queued and returns its advisory position. The
// caller must already hold the credit reservation for it.
func (r *QueueRepo) Enqueue(ctx context.Context, job *model.Job) (int, error) {
	const q = `
		INSERT INTO generation_jobs
			(id, user_id, model_id, model_type, prompt, params, ticket_cost,
			 priority, no_charge, status, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	job.Status = model.StatusQueued
	job.QueuedAt = time.Now().UTC()

	_, err := r.dbPool.Exec(ctx, q,
		job.ID, job.UserID, job.ModelID, job.ModelType, job.Prompt, job.Params,
		job.TicketCost, job.Priority, job.NoCharge, job.Status, job.QueuedAt)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}

	return r.QueuePosition(ctx, job.ID)
}

// NextAdmissible returns the queued job that should dispatch next for the
// model: highest priority first, oldest first within a priority band (ties on
// queued_at resolved by insertion order). Returns nil when the queue is empty.
func (r *QueueRepo) NextAdmissible(ctx context.Context, modelID string) (*model.Job, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM generation_jobs
		WHERE model_id = $1 AND status = $2
		ORDER BY priority DESC, queued_at ASC, seq ASC
		LIMIT 1`, jobColumns)

	job, err := r.scanJob(r.dbPool.QueryRow(ctx, q, modelID, model.StatusQueued))
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

// ClaimForDispatch flips queued -> processing. The conditional update is the
// mutual-exclusion lock: of two racing dispatchers, exactly one sees a row
// affected.
func (r *QueueRepo) ClaimForDispatch(ctx context.Context, jobID string) (bool, error) {
	const q = `
		UPDATE generation_jobs
		SET status = $3, started_at = now()
		WHERE id = $1 AND status = $2`
	tag, err := r.dbPool.Exec(ctx, q, jobID, model.StatusQueued, model.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordSubmission stores the provider correlation token after a successful
// submit.
func (r *QueueRepo) RecordSubmission(ctx context.Context, jobID, providerRequestID string) error {
	const q = `UPDATE generation_jobs SET provider_request_id = $2 WHERE id = $1`
	tag, err := r.dbPool.Exec(ctx, q, jobID, providerRequestID)
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Complete flips processing -> completed with the primary artifact reference.
// Returns false when the job was not in processing, which is how duplicate
// settlements are detected.
func (r *QueueRepo) Complete(ctx context.Context, jobID, resultURL, resultID string) (bool, error) {
	const q = `
		UPDATE generation_jobs
		SET status = $3, result_url = $4, result_id = $5, completed_at = now()
		WHERE id = $1 AND status = $2`
	tag, err := r.dbPool.Exec(ctx, q, jobID, model.StatusProcessing, model.StatusCompleted, resultURL, resultID)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Fail flips processing -> failed with the error detail.
func (r *QueueRepo) Fail(ctx context.Context, jobID, errorMessage string) (bool, error) {
	const q = `
		UPDATE generation_jobs
		SET status = $3, error_message = $4, completed_at = now()
		WHERE id = $1 AND status = $2`
	tag, err := r.dbPool.Exec(ctx, q, jobID, model.StatusProcessing, model.StatusFailed, errorMessage)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelQueued terminates a job that never dispatched. Guarded on queued, so
// it cannot race a dispatcher that already claimed the job.
func (r *QueueRepo) CancelQueued(ctx context.Context, jobID, reason string) (bool, error) {
	const q = `
		UPDATE generation_jobs
		SET status = $3, error_message = $4, completed_at = now()
		WHERE id = $1 AND status = $2`
	tag, err := r.dbPool.Exec(ctx, q, jobID, model.StatusQueued, model.StatusFailed, reason)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindByID loads one job.
func (r *QueueRepo) FindByID(ctx context.Context, jobID string) (*model.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM generation_jobs WHERE id = $1`, jobColumns)
	return r.scanJob(r.dbPool.QueryRow(ctx, q, jobID))
}

// FindByProviderRequestID maps an inbound webhook back to its job.
func (r *QueueRepo) FindByProviderRequestID(ctx context.Context, providerRequestID string) (*model.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM generation_jobs WHERE provider_request_id = $1`, jobColumns)
	return r.scanJob(r.dbPool.QueryRow(ctx, q, providerRequestID))
}

// ListStale returns processing jobs whose dispatch is older than the
// threshold, meaning their webhook is presumed lost.
func (r *QueueRepo) ListStale(ctx context.Context, olderThan time.Duration) ([]*model.Job, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM generation_jobs
		WHERE status = $1 AND started_at < now() - ($2 * interval '1 second')
		ORDER BY started_at ASC`, jobColumns)

	rows, err := r.dbPool.Query(ctx, q, model.StatusProcessing, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()
	return r.scanJobs(rows)
}

// ListByModel returns the newest jobs for a model, for the admin queue view.
func (r *QueueRepo) ListByModel(ctx context.Context, modelID string, limit int) ([]*model.Job, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM generation_jobs
		WHERE model_id = $1
		ORDER BY queued_at DESC, seq DESC
		LIMIT $2`, jobColumns)

	rows, err := r.dbPool.Query(ctx, q, modelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs by model: %w", err)
	}
	defer rows.Close()
	return r.scanJobs(rows)
}

// QueuePosition is the advisory 1-based place in line: queued jobs for the
// same model inserted no later than this one. It drifts as the queue moves.
func (r *QueueRepo) QueuePosition(ctx context.Context, jobID string) (int, error) {
	const q = `
		SELECT count(*) FROM generation_jobs j
		WHERE j.model_id = (SELECT model_id FROM generation_jobs WHERE id = $1)
		  AND j.status = $2
		  AND j.seq <= (SELECT seq FROM generation_jobs WHERE id = $1)`

	var position int
	if err := r.dbPool.QueryRow(ctx, q, jobID, model.StatusQueued).Scan(&position); err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return position, nil
}

// MarkCallbackSeen sets a short-lived settled marker for a correlation token.
// Called after a settlement lands, so CallbackSeen can drop replays without a
// database round trip. Returns true the first time, false for a duplicate.
// Redis trouble reports "first time" so the DB gate still decides.
func (r *QueueRepo) MarkCallbackSeen(ctx context.Context, providerRequestID string) bool {
	ok, err := r.redisClient.SetNX(ctx, callbackKey(providerRequestID), 1, time.Hour).Result()
	if err != nil {
		return true
	}
	return ok
}

// CallbackSeen reports whether the token already settled, per the marker set
// by MarkCallbackSeen. Only a cheap early drop: the authoritative idempotency
// gate is the job's status in Postgres. Redis trouble reports "not seen" so
// the DB gate still decides.
func (r *QueueRepo) CallbackSeen(ctx context.Context, providerRequestID string) bool {
	n, err := r.redisClient.Exists(ctx, callbackKey(providerRequestID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// ListQueuedModels returns the models that currently have queued jobs.
func (r *QueueRepo) ListQueuedModels(ctx context.Context) ([]string, error) {
	const q = `SELECT DISTINCT model_id FROM generation_jobs WHERE status = $1`

	rows, err := r.dbPool.Query(ctx, q, model.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("query queued models: %w", err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var modelID string
		if err := rows.Scan(&modelID); err != nil {
			return nil, fmt.Errorf("scan queued model: %w", err)
		}
		models = append(models, modelID)
	}
	return models, rows.Err()
}

func callbackKey(providerRequestID string) string {
	return "callback:" + providerRequestID
}

func (r *QueueRepo) scanJob(row pgx.Row) (*model.Job, error) {
	job := &model.Job{}
	err := row.Scan(
		&job.ID, &job.UserID, &job.ModelID, &job.ModelType, &job.Prompt, &job.Params,
		&job.TicketCost, &job.Priority, &job.NoCharge, &job.Status,
		&job.QueuedAt, &job.StartedAt, &job.CompletedAt,
		&job.ProviderRequestID, &job.ResultURL, &job.ResultID, &job.ErrorMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (r *QueueRepo) scanJobs(rows pgx.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
