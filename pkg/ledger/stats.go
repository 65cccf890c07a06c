package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xessex/rewards/pkg/xess"
)

// eligibleJoin restricts stat queries to users that can receive
// payouts: a linked wallet and no active reward ban.
const eligibleJoin = `
	JOIN users u ON u.id = s.user_id
		AND u.wallet_address IS NOT NULL
		AND NOT u.reward_banned`

// TopWeeklyScore returns the top weekly-score rows for a week and
// pool, eligible users only, metric descending then user id ascending
// so ladder input order is deterministic.
func (s *Store) TopWeeklyScore(ctx context.Context, weekKey, pool string, minScore int64, limit int) ([]MetricRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.user_id, s.score_received
		FROM weekly_user_stats s`+eligibleJoin+`
		WHERE s.week_key = $1 AND s.pool = $2 AND s.score_received >= $3
		ORDER BY s.score_received DESC, s.user_id ASC
		LIMIT $4`,
		weekKey, pool, minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query weekly score: %w", err)
	}
	return scanMetricRows(rows)
}

// MvmStats returns monthly-value-maker points for a week and pool,
// eligible users only, capped at limit.
func (s *Store) MvmStats(ctx context.Context, weekKey, pool string, minPoints int64, limit int) ([]MetricRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.user_id, s.mvm_points
		FROM weekly_user_stats s`+eligibleJoin+`
		WHERE s.week_key = $1 AND s.pool = $2 AND s.mvm_points >= $3
		ORDER BY s.mvm_points DESC, s.user_id ASC
		LIMIT $4`,
		weekKey, pool, minPoints, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query mvm stats: %w", err)
	}
	return scanMetricRows(rows)
}

// CommentStats returns diamond-comment counts for a week and pool,
// eligible users only.
func (s *Store) CommentStats(ctx context.Context, weekKey, pool string) ([]MetricRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.user_id, s.diamond_comments
		FROM weekly_user_stats s`+eligibleJoin+`
		WHERE s.week_key = $1 AND s.pool = $2 AND s.diamond_comments > 0
		ORDER BY s.diamond_comments DESC, s.user_id ASC`,
		weekKey, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to query comment stats: %w", err)
	}
	return scanMetricRows(rows)
}

func scanMetricRows(rows pgx.Rows) ([]MetricRow, error) {
	defer rows.Close()
	var out []MetricRow
	for rows.Next() {
		var r MetricRow
		if err := rows.Scan(&r.UserID, &r.Metric); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertWeeklyStat writes a full stat row. Test and backfill surface.
func (s *Store) UpsertWeeklyStat(ctx context.Context, st WeeklyUserStat) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO weekly_user_stats
			(week_key, user_id, pool, score_received, diamond_comments, mvm_points, votes_cast, pending_atomic, paid_atomic)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (week_key, user_id, pool) DO UPDATE SET
			score_received = EXCLUDED.score_received,
			diamond_comments = EXCLUDED.diamond_comments,
			mvm_points = EXCLUDED.mvm_points,
			votes_cast = EXCLUDED.votes_cast,
			pending_atomic = EXCLUDED.pending_atomic,
			paid_atomic = EXCLUDED.paid_atomic`,
		st.WeekKey, st.UserID, st.Pool, st.ScoreReceived, st.DiamondComments,
		st.MvmPoints, st.VotesCast, st.PendingAtomic, st.PaidAtomic)
	if err != nil {
		return fmt.Errorf("failed to upsert weekly stat: %w", err)
	}
	return nil
}

// SetPaidAtomicTx records a user's paid total for a week and pool in
// 9-decimal mint units, creating the stat row if activity tracking
// never did.
func (s *Store) SetPaidAtomicTx(ctx context.Context, tx pgx.Tx, weekKey, userID, pool string, paid xess.Amount9) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO weekly_user_stats (week_key, user_id, pool, paid_atomic)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (week_key, user_id, pool) DO UPDATE SET
			paid_atomic = EXCLUDED.paid_atomic`,
		weekKey, userID, pool, paid)
	if err != nil {
		return fmt.Errorf("failed to set paid atomic for %s/%s: %w", weekKey, userID, err)
	}
	return nil
}

// GetWeeklyStat fetches one stat row. Returns pgx.ErrNoRows when absent.
func (s *Store) GetWeeklyStat(ctx context.Context, weekKey, userID, pool string) (*WeeklyUserStat, error) {
	var st WeeklyUserStat
	err := s.pool.QueryRow(ctx, `
		SELECT week_key, user_id, pool, score_received, diamond_comments, mvm_points, votes_cast, pending_atomic, paid_atomic
		FROM weekly_user_stats
		WHERE week_key = $1 AND user_id = $2 AND pool = $3`,
		weekKey, userID, pool,
	).Scan(&st.WeekKey, &st.UserID, &st.Pool, &st.ScoreReceived, &st.DiamondComments,
		&st.MvmPoints, &st.VotesCast, &st.PendingAtomic, &st.PaidAtomic)
	if err != nil {
		return nil, fmt.Errorf("failed to get weekly stat: %w", err)
	}
	return &st, nil
}
