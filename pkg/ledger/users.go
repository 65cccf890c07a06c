package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xessex/rewards/pkg/referral"
)

// GetUser fetches one user row. Returns pgx.ErrNoRows when absent.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, wallet_address, referred_by_id, reward_banned
		FROM users
		WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Wallet, &u.ReferredByID, &u.RewardBanned)
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return &u, nil
}

// UpsertUser inserts or updates a user row. Test and backfill surface.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, wallet_address, referred_by_id, reward_banned)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			wallet_address = EXCLUDED.wallet_address,
			referred_by_id = EXCLUDED.referred_by_id,
			reward_banned = EXCLUDED.reward_banned`,
		u.ID, u.Wallet, u.ReferredByID, u.RewardBanned)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}

// ReferralChain walks up to three referrer hops from userID. A hop
// whose user row is missing is a broken chain: the walk stops, the
// condition is logged as a data-integrity warning, and the partial
// chain is returned. Referrers without wallets are included; payout
// capability is checked at claim time, not here.
func (s *Store) ReferralChain(ctx context.Context, userID string) (referral.Chain, error) {
	chain := make(referral.Chain, 0, referral.MaxDepth)

	var next *string
	err := s.pool.QueryRow(ctx,
		`SELECT referred_by_id FROM users WHERE id = $1`, userID,
	).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chain, nil
		}
		return nil, fmt.Errorf("failed to walk referral chain for %s: %w", userID, err)
	}

	for hop := 0; hop < referral.MaxDepth && next != nil; hop++ {
		var ref User
		err := s.pool.QueryRow(ctx, `
			SELECT id, wallet_address, referred_by_id
			FROM users
			WHERE id = $1`, *next,
		).Scan(&ref.ID, &ref.Wallet, &ref.ReferredByID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				s.log.Warn("ledger: referral chain broken, referrer row missing",
					"referrer", *next, "origin", userID, "hop", hop+1)
				return chain, nil
			}
			return nil, fmt.Errorf("failed to load referrer %s: %w", *next, err)
		}

		wallet := ""
		if ref.Wallet != nil {
			wallet = *ref.Wallet
		}
		chain = append(chain, referral.Referrer{UserID: ref.ID, Wallet: wallet})
		next = ref.ReferredByID
	}
	return chain, nil
}
