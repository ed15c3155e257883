package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"renderq/internal/model"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrEscrowUnderflow     = errors.New("reserved amount smaller than settlement amount")
)

// LedgerRepo holds credit accounts in Postgres. Every mutation is a single
// guarded UPDATE plus an immutable ledger_events audit row in one transaction.
// Redis only caches balance reads; it is invalidated on every write.
type LedgerRepo struct {
	dbPool      *pgxpool.Pool
	redisClient *redis.Client
}

func NewLedgerRepo(db *pgxpool.Pool, rdb *redis.Client) *LedgerRepo {
	return &LedgerRepo{dbPool: db, redisClient: rdb}
}

// Reserve moves amount from balance into escrow. The balance check and the
// decrement are one statement, so concurrent reservations for the same user
// cannot both pass on the same credits.
func (r *LedgerRepo) Reserve(ctx context.Context, userID, jobID string, amount int64) error {
	const q = `
		UPDATE credit_accounts
		SET balance = balance - $2, reserved = reserved + $2, updated_at = now()
		WHERE user_id = $1 AND balance >= $2`
	return r.mutate(ctx, userID, jobID, model.LedgerReserve, amount, q, ErrInsufficientCredits)
}

// FinalizeSpent consumes escrowed credits on success. This is the only point
// where credits are permanently spent.
func (r *LedgerRepo) FinalizeSpent(ctx context.Context, userID, jobID string, amount int64) error {
	const q = `
		UPDATE credit_accounts
		SET reserved = reserved - $2, total_used = total_used + $2, updated_at = now()
		WHERE user_id = $1 AND reserved >= $2`
	return r.mutate(ctx, userID, jobID, model.LedgerSpend, amount, q, ErrEscrowUnderflow)
}

// Refund returns escrowed credits to the balance on failure.
func (r *LedgerRepo) Refund(ctx context.Context, userID, jobID string, amount int64) error {
	const q = `
		UPDATE credit_accounts
		SET reserved = reserved - $2, balance = balance + $2, updated_at = now()
		WHERE user_id = $1 AND reserved >= $2`
	return r.mutate(ctx, userID, jobID, model.LedgerRefund, amount, q, ErrEscrowUnderflow)
}

// ReleaseReservation clears escrow without billing or refunding. Used for
// operator no-charge jobs; recorded with its own event kind so the audit
// trail can tell it apart from a refund.
func (r *LedgerRepo) ReleaseReservation(ctx context.Context, userID, jobID string, amount int64) error {
	const q = `
		UPDATE credit_accounts
		SET reserved = reserved - $2, updated_at = now()
		WHERE user_id = $1 AND reserved >= $2`
	return r.mutate(ctx, userID, jobID, model.LedgerRelease, amount, q, ErrEscrowUnderflow)
}

// Grant credits the balance. This is the billing collaborator's entry point;
// the engine itself never originates credit. Creates the account on first use.
func (r *LedgerRepo) Grant(ctx context.Context, userID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("grant amount must be non-negative, got %d", amount)
	}

	tx, err := r.dbPool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin grant tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `
		INSERT INTO credit_accounts (user_id, balance, reserved, total_used, updated_at)
		VALUES ($1, $2, 0, 0, now())
		ON CONFLICT (user_id)
		DO UPDATE SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = now()`
	if _, err := tx.Exec(ctx, q, userID, amount); err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	if err := insertLedgerEvent(ctx, tx, userID, "", model.LedgerGrant, amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit grant tx: %w", err)
	}

	r.invalidateBalance(ctx, userID)
	return nil
}

// GetAccount reads the full account row from Postgres.
func (r *LedgerRepo) GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	const q = `
		SELECT user_id, balance, reserved, total_used, updated_at
		FROM credit_accounts WHERE user_id = $1`

	acc := &model.CreditAccount{}
	err := r.dbPool.QueryRow(ctx, q, userID).
		Scan(&acc.UserID, &acc.Balance, &acc.Reserved, &acc.TotalUsed, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("query account: %w", err)
	}
	return acc, nil
}

// GetBalance reads the available balance through the Redis cache. Postgres
// stays authoritative; mutations delete the key.
func (r *LedgerRepo) GetBalance(ctx context.Context, userID string) (int64, error) {
	key := balanceKey(userID)

	cached, err := r.redisClient.Get(ctx, key).Result()
	if err == nil {
		if balance, convErr := strconv.ParseInt(cached, 10, 64); convErr == nil {
			return balance, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Cache trouble is not fatal, fall through to the database.
	}

	acc, err := r.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}

	_ = r.redisClient.Set(ctx, key, acc.Balance, 10*time.Minute).Err()
	return acc.Balance, nil
}

// ListEvents returns the newest ledger events for a user, for the audit view.
func (r *LedgerRepo) ListEvents(ctx context.Context, userID string, limit int) ([]*model.LedgerEvent, error) {
	const q = `
		SELECT id, user_id, kind, amount, COALESCE(job_id::text, ''), created_at
		FROM ledger_events
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.dbPool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger events: %w", err)
	}
	defer rows.Close()

	var events []*model.LedgerEvent
	for rows.Next() {
		ev := &model.LedgerEvent{}
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Kind, &ev.Amount, &ev.JobID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// mutate applies one guarded escrow statement and its audit row atomically.
// Zero rows affected means the guard predicate rejected the mutation.
func (r *LedgerRepo) mutate(ctx context.Context, userID, jobID string, kind model.LedgerEventKind, amount int64, query string, guardErr error) error {
	if amount < 0 {
		return fmt.Errorf("ledger amount must be non-negative, got %d", amount)
	}

	tx, err := r.dbPool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("%s credits: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE user_id = $1)`, userID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check account existence: %w", err)
		}
		if !exists {
			return ErrAccountNotFound
		}
		return guardErr
	}

	if err := insertLedgerEvent(ctx, tx, userID, jobID, kind, amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}

	r.invalidateBalance(ctx, userID)
	return nil
}

func insertLedgerEvent(ctx context.Context, tx pgx.Tx, userID, jobID string, kind model.LedgerEventKind, amount int64) error {
	const q = `
		INSERT INTO ledger_events (id, user_id, kind, amount, job_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5::text, '')::uuid, now())`
	if _, err := tx.Exec(ctx, q, uuid.NewString(), userID, kind, amount, jobID); err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}
	return nil
}

func (r *LedgerRepo) invalidateBalance(ctx context.Context, userID string) {
	_ = r.redisClient.Del(ctx, balanceKey(userID)).Err()
}

func balanceKey(userID string) string {
	return "balance:" + userID
}
