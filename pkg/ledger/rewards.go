package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xessex/rewards/pkg/xess"
)

// UpsertRewardEventsTx inserts reward events, silently skipping rows
// whose (ref_type, ref_id) already exists. Re-running a distribution
// is a no-op per existing reference. Returns the number of rows
// actually inserted.
func (s *Store) UpsertRewardEventsTx(ctx context.Context, tx pgx.Tx, events []RewardEvent) (int64, error) {
	var inserted int64
	for _, e := range events {
		tag, err := tx.Exec(ctx, `
			INSERT INTO reward_events
				(user_id, referral_from_user_id, week_key, type, amount6, status, ref_type, ref_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (ref_type, ref_id) DO NOTHING`,
			e.UserID, e.ReferralFromUserID, e.WeekKey, e.Type, e.Amount6, e.Status, e.RefType, e.RefID)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert reward event %s: %w", e.RefID, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// Claimables sums unclaimed PAID reward events per user, 6-decimal
// ledger units, ordered by user id. weekKey "" sums across all weeks.
func (s *Store) Claimables(ctx context.Context, weekKey string) ([]Claimable, error) {
	query := `
		SELECT e.user_id, u.wallet_address, SUM(e.amount6)
		FROM reward_events e
		JOIN users u ON u.id = e.user_id
		WHERE e.status = 'PAID' AND e.claimed_at IS NULL`
	args := []any{}
	if weekKey != "" {
		query += ` AND e.week_key = $1`
		args = append(args, weekKey)
	}
	query += `
		GROUP BY e.user_id, u.wallet_address
		HAVING SUM(e.amount6) > 0
		ORDER BY e.user_id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimables: %w", err)
	}
	defer rows.Close()

	var out []Claimable
	for rows.Next() {
		var c Claimable
		if err := rows.Scan(&c.UserID, &c.Wallet, &c.Total6); err != nil {
			return nil, fmt.Errorf("failed to scan claimable: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkRewardsClaimed stamps claimed_at and tx_sig on a user's unclaimed
// PAID events. Only rows with claimed_at IS NULL are touched, so a
// replayed confirmation can never overwrite an earlier signature.
// weekKey "" covers all weeks. Returns the number of rows flipped.
func (s *Store) MarkRewardsClaimed(ctx context.Context, userID, weekKey, txSig string, at time.Time) (int64, error) {
	query := `
		UPDATE reward_events
		SET claimed_at = $1, tx_sig = $2
		WHERE user_id = $3 AND status = 'PAID' AND claimed_at IS NULL`
	args := []any{at, txSig, userID}
	if weekKey != "" {
		query += ` AND week_key = $4`
		args = append(args, weekKey)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark rewards claimed for %s: %w", userID, err)
	}
	return tag.RowsAffected(), nil
}

// ClaimedTotal sums a user's already-claimed PAID events, used by the
// reconciler's idempotency short circuit. weekKey "" covers all weeks.
func (s *Store) ClaimedTotal(ctx context.Context, userID, weekKey string) (xess.Amount6, int64, error) {
	query := `
		SELECT COALESCE(SUM(amount6), 0), COUNT(*)
		FROM reward_events
		WHERE user_id = $1 AND status = 'PAID' AND claimed_at IS NOT NULL`
	args := []any{userID}
	if weekKey != "" {
		query += ` AND week_key = $2`
		args = append(args, weekKey)
	}

	var total xess.Amount6
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&total, &count); err != nil {
		return 0, 0, fmt.Errorf("failed to sum claimed rewards for %s: %w", userID, err)
	}
	return total, count, nil
}

// SyncedTxSig is the placeholder signature stamped on events settled
// from an on-chain receipt rather than an observed transaction.
const SyncedTxSig = "synced-from-onchain"

// FalseClaimCandidate is a (user, week) pair whose events look claimed
// but carry no real transaction signature.
type FalseClaimCandidate struct {
	UserID  string
	WeekKey string
	Events  int64
}

// FalseClaimCandidates lists claimed events whose tx_sig is missing or
// was back-filled from chain sync, grouped per user and week. These are
// the rows the repair job re-checks against on-chain receipts.
func (s *Store) FalseClaimCandidates(ctx context.Context) ([]FalseClaimCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, week_key, COUNT(*)
		FROM reward_events
		WHERE status = 'PAID' AND claimed_at IS NOT NULL
			AND (tx_sig IS NULL OR tx_sig = 'synced-from-onchain')
		GROUP BY user_id, week_key
		ORDER BY user_id, week_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query false claim candidates: %w", err)
	}
	defer rows.Close()

	var out []FalseClaimCandidate
	for rows.Next() {
		var c FalseClaimCandidate
		if err := rows.Scan(&c.UserID, &c.WeekKey, &c.Events); err != nil {
			return nil, fmt.Errorf("failed to scan false claim candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResetClaims clears claimed_at and tx_sig on a user's events for a
// week, returning them to the claimable set. Only rows without a real
// signature are reset. Returns the number of rows reset.
func (s *Store) ResetClaims(ctx context.Context, userID, weekKey string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reward_events
		SET claimed_at = NULL, tx_sig = NULL
		WHERE user_id = $1 AND week_key = $2 AND status = 'PAID'
			AND claimed_at IS NOT NULL
			AND (tx_sig IS NULL OR tx_sig = 'synced-from-onchain')`,
		userID, weekKey)
	if err != nil {
		return 0, fmt.Errorf("failed to reset claims for %s/%s: %w", userID, weekKey, err)
	}
	return tag.RowsAffected(), nil
}

// UserRewardEvents lists a user's events for a week, newest first.
func (s *Store) UserRewardEvents(ctx context.Context, userID, weekKey string) ([]RewardEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, referral_from_user_id, week_key, type, amount6, status, claimed_at, tx_sig, ref_type, ref_id
		FROM reward_events
		WHERE user_id = $1 AND week_key = $2
		ORDER BY id DESC`,
		userID, weekKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward events: %w", err)
	}
	defer rows.Close()

	var out []RewardEvent
	for rows.Next() {
		var e RewardEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.ReferralFromUserID, &e.WeekKey, &e.Type,
			&e.Amount6, &e.Status, &e.ClaimedAt, &e.TxSig, &e.RefType, &e.RefID); err != nil {
			return nil, fmt.Errorf("failed to scan reward event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertBurnRecordTx accounts for unused pool emission.
func (s *Store) InsertBurnRecordTx(ctx context.Context, tx pgx.Tx, b BurnRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO burn_records (week_key, pool, reason, amount6)
		VALUES ($1, $2, $3, $4)`,
		b.WeekKey, b.Pool, b.Reason, b.Amount6)
	if err != nil {
		return fmt.Errorf("failed to insert burn record: %w", err)
	}
	return nil
}

// BurnRecords lists burn rows for a week.
func (s *Store) BurnRecords(ctx context.Context, weekKey string) ([]BurnRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT week_key, pool, reason, amount6
		FROM burn_records
		WHERE week_key = $1
		ORDER BY pool`, weekKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query burn records: %w", err)
	}
	defer rows.Close()

	var out []BurnRecord
	for rows.Next() {
		var b BurnRecord
		if err := rows.Scan(&b.WeekKey, &b.Pool, &b.Reason, &b.Amount6); err != nil {
			return nil, fmt.Errorf("failed to scan burn record: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
