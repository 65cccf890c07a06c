package epoch

import (
	"context"
	"fmt"

	"github.com/xessex/rewards/pkg/chain"
)

const (
	// maxConsecutiveGaps stops the on-chain scan after this many
	// missing epoch-root accounts in a row.
	maxConsecutiveGaps = 10

	defaultMaxScan = 1024
)

// MaxEpochOnChain finds the highest epoch whose root account exists
// on-chain, 0 when none do. The scan is linear because published
// epoch numbers can have gaps.
func MaxEpochOnChain(ctx context.Context, observer chain.Observer, program chain.Program, maxScan int) (uint64, error) {
	if maxScan <= 0 {
		maxScan = defaultMaxScan
	}

	exists := func(epoch uint64) (bool, error) {
		pda, err := program.EpochRootPDA(epoch)
		if err != nil {
			return false, err
		}
		return observer.AccountExists(ctx, pda, program.ID)
	}

	ok, err := exists(1)
	if err != nil {
		return 0, fmt.Errorf("failed to scan epoch roots: %w", err)
	}
	if !ok {
		return 0, nil
	}

	maxFound := uint64(1)
	gaps := 0
	for i := uint64(2); i <= uint64(maxScan); i++ {
		ok, err := exists(i)
		if err != nil {
			return 0, fmt.Errorf("failed to scan epoch roots: %w", err)
		}
		if ok {
			maxFound = i
			gaps = 0
			continue
		}
		gaps++
		if gaps >= maxConsecutiveGaps {
			break
		}
	}
	return maxFound, nil
}

// NextEpochNumber picks a safe next epoch using both the database and
// on-chain state, so a lost database row can never reuse a published
// epoch number.
func (b *Builder) NextEpochNumber(ctx context.Context, observer chain.Observer, program chain.Program, maxScan int) (uint64, error) {
	dbLatest, _, err := b.store.LatestEpochNumber(ctx)
	if err != nil {
		return 0, err
	}
	chainLatest, err := MaxEpochOnChain(ctx, observer, program, maxScan)
	if err != nil {
		return 0, err
	}

	base := dbLatest
	if chainLatest > base {
		base = chainLatest
	}
	return base + 1, nil
}
