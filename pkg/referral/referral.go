// Package referral computes multi-level referral rewards as fixed
// percentages of a referred user's base earnings for a payout period.
package referral

import (
	"context"
	"log/slog"

	"github.com/xessex/rewards/pkg/xess"
)

// MaxDepth is the number of referrer hops that earn a share.
const MaxDepth = 3

// Tier identifies a referral level, 1-based from the direct referrer.
type Tier int

const (
	TierL1 Tier = 1
	TierL2 Tier = 2
	TierL3 Tier = 3
)

// String returns the reward-type tag for a tier, e.g. "REF_L1".
func (t Tier) String() string {
	switch t {
	case TierL1:
		return "REF_L1"
	case TierL2:
		return "REF_L2"
	case TierL3:
		return "REF_L3"
	}
	return "REF_UNKNOWN"
}

// DefaultLevelBps are the per-tier shares of the referred user's earnings.
var DefaultLevelBps = [MaxDepth]xess.Bps{1000, 300, 100}

// Referrer is one hop of a resolved referral chain. Wallet may be empty:
// a referrer without a linked payout wallet still accrues ledger entries,
// and payout capability is checked only at claim time.
type Referrer struct {
	UserID string
	Wallet string
}

// Chain is a resolved referral chain, direct referrer first, at most
// MaxDepth entries. A chain shorter than MaxDepth means the walk ended,
// either at a user with no referrer or at a broken link.
type Chain []Referrer

// Resolver walks a user's referral chain. Implementations must stop the
// walk and report a data-integrity condition when a hop's referrer record
// is missing; the partial chain up to that point is still returned.
type Resolver interface {
	ReferralChain(ctx context.Context, userID string) (Chain, error)
}

// Attribution is one derived referral reward.
type Attribution struct {
	ReferrerID string
	Wallet     string
	Tier       Tier
	Amount     xess.Amount6
	// FromUserID is the referred user whose earnings generated this
	// reward, kept so double attribution across weeks is detectable.
	FromUserID string
}

// Attribute derives per-tier referral rewards from a user's base earnings.
// Zero-amount tiers are dropped.
func Attribute(earnerID string, earned xess.Amount6, chain Chain, levels [MaxDepth]xess.Bps) []Attribution {
	if earned <= 0 || len(chain) == 0 {
		return nil
	}

	out := make([]Attribution, 0, MaxDepth)
	for i, ref := range chain {
		if i >= MaxDepth {
			break
		}
		amount := earned.MulBps(levels[i])
		if amount <= 0 {
			continue
		}
		out = append(out, Attribution{
			ReferrerID: ref.UserID,
			Wallet:     ref.Wallet,
			Tier:       Tier(i + 1),
			Amount:     amount,
			FromUserID: earnerID,
		})
	}
	return out
}

// ScaleToBudget clamps total attributed rewards to the referral pool budget
// by applying a parts-per-million factor to every attribution. Returns the
// scaled set and the total actually paid.
func ScaleToBudget(log *slog.Logger, attributions []Attribution, budget xess.Amount6) ([]Attribution, xess.Amount6) {
	var owed xess.Amount6
	for _, a := range attributions {
		owed += a.Amount
	}
	ppm := xess.ScalePpm(owed, budget)
	if ppm < xess.PpmBase {
		log.Info("referral: scaling rewards to budget",
			"owed", owed.Format(), "budget", budget.Format(), "scale_ppm", ppm)
	}

	out := make([]Attribution, 0, len(attributions))
	var paid xess.Amount6
	for _, a := range attributions {
		scaled := a.Amount.MulPpm(ppm)
		if scaled <= 0 {
			continue
		}
		a.Amount = scaled
		out = append(out, a)
		paid += scaled
	}
	return out, paid
}
