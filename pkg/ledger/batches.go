package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xessex/rewards/pkg/xess"
)

// ErrBatchExists is returned by ClaimBatch when the period's batch row
// already exists; callers inspect the existing batch to decide between
// the already_running and already_processed skips.
var ErrBatchExists = errors.New("reward batch already exists")

// ClaimBatch inserts the RUNNING batch row for a period. The unique
// week_key constraint is the distribution mutex: the second concurrent
// caller gets ErrBatchExists.
func (s *Store) ClaimBatch(ctx context.Context, periodKey, runID string, now time.Time) (*RewardBatch, error) {
	var b RewardBatch
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reward_batches (week_key, status, run_id, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, week_key, status, run_id, started_at, finished_at, total_users, total_amount6`,
		periodKey, BatchRunning, runID, now,
	).Scan(&b.ID, &b.WeekKey, &b.Status, &b.RunID, &b.StartedAt, &b.FinishedAt, &b.TotalUsers, &b.TotalAmount6)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrBatchExists
		}
		return nil, fmt.Errorf("failed to claim reward batch %s: %w", periodKey, err)
	}
	return &b, nil
}

// GetBatch fetches the batch row for a period. Returns pgx.ErrNoRows
// when absent.
func (s *Store) GetBatch(ctx context.Context, periodKey string) (*RewardBatch, error) {
	var b RewardBatch
	err := s.pool.QueryRow(ctx, `
		SELECT id, week_key, status, run_id, started_at, finished_at, total_users, total_amount6
		FROM reward_batches
		WHERE week_key = $1`, periodKey,
	).Scan(&b.ID, &b.WeekKey, &b.Status, &b.RunID, &b.StartedAt, &b.FinishedAt, &b.TotalUsers, &b.TotalAmount6)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get reward batch %s: %w", periodKey, err)
	}
	return &b, nil
}

// FinishBatchTx marks a batch DONE with its run totals.
func (s *Store) FinishBatchTx(ctx context.Context, tx pgx.Tx, batchID int64, totalUsers int64, totalAmount xess.Amount6, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE reward_batches
		SET status = $1, finished_at = $2, total_users = $3, total_amount6 = $4
		WHERE id = $5`,
		BatchDone, at, totalUsers, totalAmount, batchID)
	if err != nil {
		return fmt.Errorf("failed to finish reward batch %d: %w", batchID, err)
	}
	return nil
}

// MarkBatchFailed flips a batch to FAILED. Called best-effort from the
// distributor's error path.
func (s *Store) MarkBatchFailed(ctx context.Context, batchID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reward_batches
		SET status = $1, finished_at = $2
		WHERE id = $3`,
		BatchFailed, at, batchID)
	if err != nil {
		return fmt.Errorf("failed to mark reward batch %d failed: %w", batchID, err)
	}
	return nil
}

// DeleteBatchOutputs removes a period's batch row together with the
// reward events and any unpublished claim epochs covering it, all-weeks
// epochs included since their leaves folded the period in. Used when
// retrying a FAILED batch and when force-resetting a stale one.
func (s *Store) DeleteBatchOutputs(ctx context.Context, periodKey string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM claim_epochs WHERE (week_key = $1 OR all_weeks) AND NOT set_on_chain`, periodKey); err != nil {
			return fmt.Errorf("failed to delete claim epochs for %s: %w", periodKey, err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM reward_events WHERE week_key = $1`, periodKey); err != nil {
			return fmt.Errorf("failed to delete reward events for %s: %w", periodKey, err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM reward_batches WHERE week_key = $1`, periodKey); err != nil {
			return fmt.Errorf("failed to delete reward batch for %s: %w", periodKey, err)
		}
		return nil
	})
}
