package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrRootMismatch is returned by MarkEpochOnChain when the published
// root does not match the stored build.
var ErrRootMismatch = errors.New("published root does not match stored epoch root")

// GetEpoch fetches one claim epoch. Returns pgx.ErrNoRows when absent.
func (s *Store) GetEpoch(ctx context.Context, epoch uint64) (*ClaimEpoch, error) {
	var e ClaimEpoch
	err := s.pool.QueryRow(ctx, `
		SELECT epoch, week_key, all_weeks, version, root_hex, leaf_count, total_atomic9, build_hash, set_on_chain
		FROM claim_epochs
		WHERE epoch = $1`, epoch,
	).Scan(&e.Epoch, &e.WeekKey, &e.AllWeeks, &e.Version, &e.RootHex, &e.LeafCount, &e.TotalAtomic9, &e.BuildHash, &e.SetOnChain)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get claim epoch %d: %w", epoch, err)
	}
	return &e, nil
}

// LatestEpochNumber returns the highest stored epoch number, ok=false
// when no epochs exist yet.
func (s *Store) LatestEpochNumber(ctx context.Context) (uint64, bool, error) {
	var epoch *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(epoch) FROM claim_epochs`).Scan(&epoch); err != nil {
		return 0, false, fmt.Errorf("failed to query latest epoch: %w", err)
	}
	if epoch == nil {
		return 0, false, nil
	}
	return uint64(*epoch), true, nil
}

// HasPublishedEpoch reports whether any epoch covering the week has
// been set on-chain. An all-weeks epoch covers every week. A published
// epoch freezes the week's ledger.
func (s *Store) HasPublishedEpoch(ctx context.Context, weekKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM claim_epochs WHERE (week_key = $1 OR all_weeks) AND set_on_chain)`,
		weekKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check published epochs for %s: %w", weekKey, err)
	}
	return exists, nil
}

// SaltsForEpoch returns the pinned salts for an epoch keyed by user id.
func (s *Store) SaltsForEpoch(ctx context.Context, epoch uint64) (map[string]ClaimSalt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT epoch, user_id, user_key_hex, salt_hex
		FROM claim_salts
		WHERE epoch = $1`, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to query claim salts for epoch %d: %w", epoch, err)
	}
	defer rows.Close()

	out := make(map[string]ClaimSalt)
	for rows.Next() {
		var c ClaimSalt
		if err := rows.Scan(&c.Epoch, &c.UserID, &c.UserKeyHex, &c.SaltHex); err != nil {
			return nil, fmt.Errorf("failed to scan claim salt: %w", err)
		}
		out[c.UserID] = c
	}
	return out, rows.Err()
}

// ReplaceEpoch atomically replaces an epoch build: new salts are
// pinned, any prior unpublished build of the epoch is dropped (leaves
// cascade) and the new epoch row plus leaves are written. No partial
// build is ever observable.
func (s *Store) ReplaceEpoch(ctx context.Context, e ClaimEpoch, leaves []ClaimLeaf, newSalts []ClaimSalt) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		for _, salt := range newSalts {
			if _, err := tx.Exec(ctx, `
				INSERT INTO claim_salts (epoch, user_id, user_key_hex, salt_hex)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (epoch, user_id) DO NOTHING`,
				salt.Epoch, salt.UserID, salt.UserKeyHex, salt.SaltHex); err != nil {
				return fmt.Errorf("failed to pin claim salt for %s: %w", salt.UserID, err)
			}
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM claim_epochs WHERE epoch = $1 AND NOT set_on_chain`, e.Epoch); err != nil {
			return fmt.Errorf("failed to drop prior build of epoch %d: %w", e.Epoch, err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO claim_epochs
				(epoch, week_key, all_weeks, version, root_hex, leaf_count, total_atomic9, build_hash, set_on_chain)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)`,
			e.Epoch, e.WeekKey, e.AllWeeks, e.Version, e.RootHex, e.LeafCount, e.TotalAtomic9, e.BuildHash); err != nil {
			return fmt.Errorf("failed to insert claim epoch %d: %w", e.Epoch, err)
		}

		for _, l := range leaves {
			if _, err := tx.Exec(ctx, `
				INSERT INTO claim_leaves
					(epoch, week_key, all_weeks, user_id, wallet, leaf_index, amount_atomic9, user_key_hex, salt_hex, proof_hex)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				l.Epoch, l.WeekKey, l.AllWeeks, l.UserID, l.Wallet, l.LeafIndex, l.AmountAtomic9,
				l.UserKeyHex, l.SaltHex, l.ProofHex); err != nil {
				return fmt.Errorf("failed to insert claim leaf for %s: %w", l.UserID, err)
			}
		}
		return nil
	})
}

// MarkEpochOnChain flips set_on_chain after verifying the published
// root matches the stored build.
func (s *Store) MarkEpochOnChain(ctx context.Context, epoch uint64, rootHex string) error {
	e, err := s.GetEpoch(ctx, epoch)
	if err != nil {
		return err
	}
	if e.RootHex != rootHex {
		return fmt.Errorf("epoch %d: %w: stored %s, published %s", epoch, ErrRootMismatch, e.RootHex, rootHex)
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE claim_epochs SET set_on_chain = TRUE, updated_at = now() WHERE epoch = $1`, epoch); err != nil {
		return fmt.Errorf("failed to mark epoch %d on-chain: %w", epoch, err)
	}
	return nil
}

// GetLeaf fetches a user's leaf in an epoch. Returns pgx.ErrNoRows
// when absent.
func (s *Store) GetLeaf(ctx context.Context, epoch uint64, userID string) (*ClaimLeaf, error) {
	return s.scanLeaf(s.pool.QueryRow(ctx, leafSelect+`
		WHERE epoch = $1 AND user_id = $2`, epoch, userID))
}

// LatestLeafForWeek fetches a user's leaf from the most recent epoch
// covering a week, including all-weeks epochs whose leaves folded the
// week in. The repair job uses it to locate receipt PDAs.
func (s *Store) LatestLeafForWeek(ctx context.Context, userID, weekKey string) (*ClaimLeaf, error) {
	return s.scanLeaf(s.pool.QueryRow(ctx, leafSelect+`
		WHERE user_id = $1 AND (week_key = $2 OR all_weeks)
		ORDER BY epoch DESC
		LIMIT 1`, userID, weekKey))
}

// LeavesForEpoch returns all leaves of an epoch in leaf-index order.
func (s *Store) LeavesForEpoch(ctx context.Context, epoch uint64) ([]ClaimLeaf, error) {
	rows, err := s.pool.Query(ctx, leafSelect+`
		WHERE epoch = $1
		ORDER BY leaf_index ASC`, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to query claim leaves for epoch %d: %w", epoch, err)
	}
	defer rows.Close()

	var out []ClaimLeaf
	for rows.Next() {
		l, err := s.scanLeaf(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

const leafSelect = `
	SELECT epoch, week_key, all_weeks, user_id, wallet, leaf_index, amount_atomic9, user_key_hex, salt_hex, proof_hex
	FROM claim_leaves`

func (s *Store) scanLeaf(row pgx.Row) (*ClaimLeaf, error) {
	var l ClaimLeaf
	err := row.Scan(&l.Epoch, &l.WeekKey, &l.AllWeeks, &l.UserID, &l.Wallet, &l.LeafIndex,
		&l.AmountAtomic9, &l.UserKeyHex, &l.SaltHex, &l.ProofHex)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan claim leaf: %w", err)
	}
	return &l, nil
}
