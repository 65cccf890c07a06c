// Package emission computes the weekly XESS token emission and splits it
// into named pools by fixed basis-point weights.
package emission

import (
	"sort"

	"github.com/xessex/rewards/pkg/xess"
)

// Pool names a reward pool. The two content pools mirror the stat tables.
type Pool string

const (
	PoolXessex Pool = "XESSEX"
	PoolEmbed  Pool = "EMBED"
)

// Prefix returns the lowercase pool tag used in refType keys.
func (p Pool) Prefix() string {
	if p == PoolXessex {
		return "xessex"
	}
	return "embed"
}

// phase is one segment of the emission schedule. UntilWeek is exclusive.
type phase struct {
	untilWeek int
	weekly    xess.Amount6
}

// The schedule is strictly decreasing; the last phase has no upper bound.
var schedule = []phase{
	{untilWeek: 12, weekly: xess.Whole(666_667)},
	{untilWeek: 39, weekly: xess.Whole(500_000)},
	{untilWeek: 78, weekly: xess.Whole(333_333)},
}

const tailWeekly = xess.Amount6(166_667_000_000) // 166,667 XESS

// Default top-level pool split.
const (
	XessexPoolBps xess.Bps = 6900
	EmbedPoolBps  xess.Bps = 3100
)

// DefaultPoolSplit returns the standard 69/31 content pool weights.
func DefaultPoolSplit() map[Pool]xess.Bps {
	return map[Pool]xess.Bps{
		PoolXessex: XessexPoolBps,
		PoolEmbed:  EmbedPoolBps,
	}
}

// WeeklyEmission returns the full emission for a 0-based week index.
// Negative indices clamp to week 0.
func WeeklyEmission(weekIndex int) xess.Amount6 {
	if weekIndex < 0 {
		weekIndex = 0
	}
	for _, p := range schedule {
		if weekIndex < p.untilWeek {
			return p.weekly
		}
	}
	return tailWeekly
}

// PeriodEmission returns the emission for one payout period. Payouts run
// twice weekly, so each period gets half the weekly amount.
func PeriodEmission(weekIndex int) xess.Amount6 {
	return WeeklyEmission(weekIndex) / 2
}

// SplitPools divides total across pools by basis-point weight. Weights must
// sum to at most 10,000; the floor-division remainder goes to the pool with
// the largest weight so the split always accounts for the full total when
// weights sum to exactly 10,000. Iteration is deterministic.
func SplitPools(total xess.Amount6, weights map[Pool]xess.Bps) map[Pool]xess.Amount6 {
	pools := make([]Pool, 0, len(weights))
	var weightSum xess.Bps
	for p, w := range weights {
		pools = append(pools, p)
		weightSum += w
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i] < pools[j] })

	out := make(map[Pool]xess.Amount6, len(pools))
	var allocated xess.Amount6
	largest := Pool("")
	for _, p := range pools {
		out[p] = total.MulBps(weights[p])
		allocated += out[p]
		if largest == "" || weights[p] > weights[largest] {
			largest = p
		}
	}
	if weightSum == xess.BpsBase && largest != "" {
		out[largest] += total - allocated
	}
	return out
}
