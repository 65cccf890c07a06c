// Package ladder distributes a pool budget across ranked participants using
// a fixed rank-to-percentage lookup table over the top 50.
package ladder

import (
	"sort"

	"github.com/xessex/rewards/pkg/xess"
)

// TopRanks is the number of ranks that receive a ladder share.
const TopRanks = 50

// Ladder shares are stored in deci-basis-points (1/100,000) so the 0.625%
// share of ranks 11-50 stays an exact integer.
const deciBpsBase = 100_000

var ladderDeciBps [TopRanks]int64

func init() {
	ladderDeciBps[0] = 20_000 // rank 1: 20%
	ladderDeciBps[1] = 12_000 // rank 2: 12%
	ladderDeciBps[2] = 8_000  // rank 3: 8%
	for i := 3; i < 10; i++ {
		ladderDeciBps[i] = 5_000 // ranks 4-10: 5% each
	}
	for i := 10; i < TopRanks; i++ {
		ladderDeciBps[i] = 625 // ranks 11-50: 0.625% each
	}
}

// ShareDeciBps returns the ladder share for a 1-based rank in
// deci-basis-points, or 0 for ranks outside the ladder.
func ShareDeciBps(rank int) int64 {
	if rank < 1 || rank > TopRanks {
		return 0
	}
	return ladderDeciBps[rank-1]
}

// Entry is one participant's metric for the pool being distributed.
type Entry struct {
	UserID string
	Metric int64
}

// Award is one participant's computed share.
type Award struct {
	UserID string
	Rank   int
	Amount xess.Amount6
}

// Distribute ranks entries by metric descending and assigns each of the top
// 50 its ladder share of the budget. Ties are broken by UserID ascending so
// the output is byte-reproducible for identical input sets. Floor-division
// remainders are not redistributed; the sum of awards may fall short of the
// budget by a few atomic units, which is an accepted property of the ladder.
func Distribute(budget xess.Amount6, entries []Entry) []Award {
	if budget <= 0 || len(entries) == 0 {
		return nil
	}

	ranked := make([]Entry, len(entries))
	copy(ranked, entries)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Metric != ranked[j].Metric {
			return ranked[i].Metric > ranked[j].Metric
		}
		return ranked[i].UserID < ranked[j].UserID
	})

	n := len(ranked)
	if n > TopRanks {
		n = TopRanks
	}

	awards := make([]Award, 0, n)
	for i := 0; i < n; i++ {
		amount := xess.Amount6(int64(budget) * ladderDeciBps[i] / deciBpsBase)
		if amount <= 0 {
			continue
		}
		awards = append(awards, Award{
			UserID: ranked[i].UserID,
			Rank:   i + 1,
			Amount: amount,
		})
	}
	return awards
}

// DistributeProportional splits the budget across entries in proportion to
// their metric, with floor division. Used for the comment and MVM pools
// where every contributor shares rather than only the top ranks.
func DistributeProportional(budget xess.Amount6, entries []Entry) []Award {
	if budget <= 0 || len(entries) == 0 {
		return nil
	}

	ranked := make([]Entry, len(entries))
	copy(ranked, entries)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Metric != ranked[j].Metric {
			return ranked[i].Metric > ranked[j].Metric
		}
		return ranked[i].UserID < ranked[j].UserID
	})

	var totalMetric int64
	for _, e := range ranked {
		totalMetric += e.Metric
	}
	if totalMetric <= 0 {
		return nil
	}

	awards := make([]Award, 0, len(ranked))
	for i, e := range ranked {
		amount := xess.Amount6(int64(budget) * e.Metric / totalMetric)
		if amount <= 0 {
			continue
		}
		awards = append(awards, Award{UserID: e.UserID, Rank: i + 1, Amount: amount})
	}
	return awards
}
