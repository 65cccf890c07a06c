package epoch

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/xessex/rewards/pkg/chain"
	"github.com/xessex/rewards/pkg/ledger"
	"github.com/xessex/rewards/pkg/ledger/ledgertesting"
	"github.com/xessex/rewards/pkg/merkle"
	"github.com/xessex/rewards/pkg/xess"
	xesstesting "github.com/xessex/rewards/utils/pkg/testing"
)

var sharedDB *ledgertesting.DB

func TestMain(m *testing.M) {
	log := xesstesting.NewLogger()
	var err error
	sharedDB, err = ledgertesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func testBuilder(t *testing.T) (*Builder, *ledger.Store) {
	t.Helper()
	store := ledgertesting.NewStore(t, xesstesting.NewLogger(), sharedDB)
	b, err := NewBuilder(Config{Logger: xesstesting.NewLogger(), Store: store})
	require.NoError(t, err)
	return b, store
}

func seedReward(t *testing.T, s *ledger.Store, week, userID string, amount xess.Amount6, ref string) {
	t.Helper()
	ctx := t.Context()
	wallet := "wallet-" + userID
	require.NoError(t, s.UpsertUser(ctx, ledger.User{ID: userID, Wallet: &wallet}))
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := s.UpsertRewardEventsTx(ctx, tx, []ledger.RewardEvent{{
			UserID: userID, WeekKey: week, Type: ledger.TypeWeeklyLikes,
			Amount6: amount, Status: ledger.RewardPaid,
			RefType: "xessex:likes", RefID: ref,
		}})
		return err
	})
	require.NoError(t, err)
}

func uniqueEpoch() uint64 {
	return uint64(time.Now().UnixNano()%1_000_000_000) + 1
}

func TestXess_Epoch_Build(t *testing.T) {
	t.Parallel()
	b, store := testBuilder(t)
	ctx := t.Context()

	week := "wk-" + uuid.NewString()
	epochNum := uniqueEpoch()
	u1 := "u-" + uuid.NewString()
	u2 := "u-" + uuid.NewString()
	seedReward(t, store, week, u1, xess.Whole(10), week+":"+u1)
	seedReward(t, store, week, u2, xess.Whole(5), week+":"+u2)

	res, err := b.Build(ctx, BuildRequest{Epoch: epochNum, WeekKey: week})
	require.NoError(t, err)
	require.Equal(t, OutcomeBuilt, res.Outcome)
	require.Equal(t, 2, res.LeafCount)
	// 15 whole tokens, 9 decimals.
	require.Equal(t, xess.Amount9(15_000_000_000), res.TotalAtomic9)
	require.NotEmpty(t, res.RootHex)

	t.Run("leaves are ordered by user key and carry mint units", func(t *testing.T) {
		leaves, err := store.LeavesForEpoch(ctx, epochNum)
		require.NoError(t, err)
		require.Len(t, leaves, 2)
		require.Less(t, leaves[0].UserKeyHex, leaves[1].UserKeyHex)
		for i, l := range leaves {
			require.Equal(t, i, l.LeafIndex)
			require.Equal(t, merkle.UserKeyFromUserID(l.UserID).Hex(), l.UserKeyHex)
		}
	})

	t.Run("stored proofs verify against the stored root", func(t *testing.T) {
		root, err := merkle.ParseHex(res.RootHex)
		require.NoError(t, err)
		leaves, err := store.LeavesForEpoch(ctx, epochNum)
		require.NoError(t, err)

		for _, l := range leaves {
			salt, err := merkle.ParseHex(l.SaltHex)
			require.NoError(t, err)
			userKey, err := merkle.ParseHex(l.UserKeyHex)
			require.NoError(t, err)
			leafHash := merkle.Leaf{
				UserKey: userKey,
				Epoch:   epochNum,
				Amount:  uint64(l.AmountAtomic9),
				Index:   uint32(l.LeafIndex),
				Salt:    salt,
			}.Hash()
			proof, err := merkle.ProofFromHex(l.ProofHex)
			require.NoError(t, err)
			require.True(t, merkle.Verify(leafHash, proof, root, l.LeafIndex))
		}
	})

	t.Run("unchanged inputs skip the rewrite", func(t *testing.T) {
		again, err := b.Build(ctx, BuildRequest{Epoch: epochNum, WeekKey: week})
		require.NoError(t, err)
		require.Equal(t, OutcomeUnchanged, again.Outcome)
		require.Equal(t, res.RootHex, again.RootHex)
		require.Equal(t, res.BuildHash, again.BuildHash)
	})

	t.Run("changed inputs rebuild with stable salts", func(t *testing.T) {
		before, err := store.SaltsForEpoch(ctx, epochNum)
		require.NoError(t, err)

		u3 := "u-" + uuid.NewString()
		seedReward(t, store, week, u3, xess.Whole(1), week+":"+u3)

		rebuilt, err := b.Build(ctx, BuildRequest{Epoch: epochNum, WeekKey: week})
		require.NoError(t, err)
		require.Equal(t, OutcomeBuilt, rebuilt.Outcome)
		require.Equal(t, 3, rebuilt.LeafCount)
		require.NotEqual(t, res.RootHex, rebuilt.RootHex)

		after, err := store.SaltsForEpoch(ctx, epochNum)
		require.NoError(t, err)
		for userID, s := range before {
			require.Equal(t, s.SaltHex, after[userID].SaltHex, "salt for %s changed across rebuild", userID)
		}
	})

	t.Run("published epoch refuses rebuild", func(t *testing.T) {
		e, err := store.GetEpoch(ctx, epochNum)
		require.NoError(t, err)
		require.NoError(t, b.MarkOnChain(ctx, epochNum, e.RootHex))

		_, err = b.Build(ctx, BuildRequest{Epoch: epochNum, WeekKey: week})
		require.ErrorIs(t, err, ErrEpochPublished)
	})
}

func TestXess_Epoch_Build_AllWeeks(t *testing.T) {
	t.Parallel()
	b, store := testBuilder(t)
	ctx := t.Context()

	week1 := "wk-" + uuid.NewString()
	week2 := "wk-" + uuid.NewString()
	epochNum := uniqueEpoch()
	u1 := "u-" + uuid.NewString()
	seedReward(t, store, week1, u1, xess.Whole(10), week1+":"+u1)
	seedReward(t, store, week2, u1, xess.Whole(5), week2+":"+u1)

	// No week key: the all-weeks scope stands on its own.
	res, err := b.Build(ctx, BuildRequest{Epoch: epochNum, AllWeeks: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeBuilt, res.Outcome)

	t.Run("scope is persisted on the epoch and its leaves", func(t *testing.T) {
		e, err := store.GetEpoch(ctx, epochNum)
		require.NoError(t, err)
		require.True(t, e.AllWeeks)

		l, err := store.GetLeaf(ctx, epochNum, u1)
		require.NoError(t, err)
		require.True(t, l.AllWeeks)
	})

	t.Run("leaf sums the user across weeks", func(t *testing.T) {
		l, err := store.GetLeaf(ctx, epochNum, u1)
		require.NoError(t, err)
		require.Equal(t, xess.Amount9(15_000_000_000), l.AmountAtomic9)
	})
}

func TestXess_Epoch_Build_WalletKeys(t *testing.T) {
	t.Parallel()
	b, store := testBuilder(t)
	ctx := t.Context()

	week := "wk-" + uuid.NewString()
	epochNum := uniqueEpoch()

	linked := "u-" + uuid.NewString()
	wallet := solana.NewWallet().PublicKey()
	walletStr := wallet.String()
	require.NoError(t, store.UpsertUser(ctx, ledger.User{ID: linked, Wallet: &walletStr}))

	unlinked := "u-" + uuid.NewString()
	require.NoError(t, store.UpsertUser(ctx, ledger.User{ID: unlinked}))

	for _, userID := range []string{linked, unlinked} {
		err := store.WithTx(ctx, func(tx pgx.Tx) error {
			_, err := store.UpsertRewardEventsTx(ctx, tx, []ledger.RewardEvent{{
				UserID: userID, WeekKey: week, Type: ledger.TypeWeeklyLikes,
				Amount6: xess.Whole(2), Status: ledger.RewardPaid,
				RefType: "xessex:likes", RefID: week + ":" + userID,
			}})
			return err
		})
		require.NoError(t, err)
	}

	res, err := b.Build(ctx, BuildRequest{Epoch: epochNum, WeekKey: week})
	require.NoError(t, err)
	require.Equal(t, OutcomeBuilt, res.Outcome)

	t.Run("linked wallet keys the leaf by pubkey", func(t *testing.T) {
		l, err := store.GetLeaf(ctx, epochNum, linked)
		require.NoError(t, err)
		require.Equal(t, merkle.UserKeyFromWallet(wallet).Hex(), l.UserKeyHex)
	})

	t.Run("wallet-less user falls back to the id key", func(t *testing.T) {
		l, err := store.GetLeaf(ctx, epochNum, unlinked)
		require.NoError(t, err)
		require.Equal(t, merkle.UserKeyFromUserID(unlinked).Hex(), l.UserKeyHex)
	})
}

func TestXess_Epoch_Build_NoClaimables(t *testing.T) {
	t.Parallel()
	b, _ := testBuilder(t)

	res, err := b.Build(t.Context(), BuildRequest{Epoch: uniqueEpoch(), WeekKey: "wk-" + uuid.NewString()})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoClaimables, res.Outcome)
}

func TestXess_Epoch_Build_LockBusy(t *testing.T) {
	t.Parallel()
	b, store := testBuilder(t)
	ctx := t.Context()

	unlock, ok, err := store.TryAdvisoryLock(ctx, buildLockKey)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	res, err := b.Build(ctx, BuildRequest{Epoch: uniqueEpoch(), WeekKey: "wk-" + uuid.NewString()})
	require.NoError(t, err)
	require.Equal(t, OutcomeLockBusy, res.Outcome)
}

func TestXess_Epoch_BuildHash(t *testing.T) {
	t.Parallel()

	pairs := []buildPair{{"b", 200}, {"a", 100}}
	h1 := computeBuildHash(1, "wk", false, pairs)
	h2 := computeBuildHash(1, "wk", false, []buildPair{{"a", 100}, {"b", 200}})
	require.Equal(t, h1, h2, "hash must be independent of input order")

	require.NotEqual(t, h1, computeBuildHash(2, "wk", false, pairs))
	require.NotEqual(t, h1, computeBuildHash(1, "wk2", false, pairs))
	require.NotEqual(t, h1, computeBuildHash(1, "wk", true, pairs), "scope is part of the hash")
	require.NotEqual(t, h1, computeBuildHash(1, "wk", false, []buildPair{{"a", 101}, {"b", 200}}))
}

type mockObserver struct {
	accountExistsFunc    func(context.Context, solana.PublicKey, solana.PublicKey) (bool, error)
	fetchTransactionFunc func(context.Context, solana.Signature) (*chain.Transaction, error)
}

func (m *mockObserver) AccountExists(ctx context.Context, account, owner solana.PublicKey) (bool, error) {
	if m.accountExistsFunc != nil {
		return m.accountExistsFunc(ctx, account, owner)
	}
	return false, nil
}

func (m *mockObserver) FetchTransaction(ctx context.Context, sig solana.Signature) (*chain.Transaction, error) {
	if m.fetchTransactionFunc != nil {
		return m.fetchTransactionFunc(ctx, sig)
	}
	return nil, chain.ErrTxNotFound
}

func TestXess_Epoch_NextEpochNumber(t *testing.T) {
	t.Parallel()

	program, err := chain.NewProgram("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	require.NoError(t, err)

	observerWithEpochs := func(t *testing.T, epochs ...uint64) chain.Observer {
		t.Helper()
		existing := make(map[solana.PublicKey]bool)
		for _, e := range epochs {
			pda, err := program.EpochRootPDA(e)
			require.NoError(t, err)
			existing[pda] = true
		}
		return &mockObserver{
			accountExistsFunc: func(_ context.Context, account, owner solana.PublicKey) (bool, error) {
				// Root accounts only count when asked for with the
				// program as owner.
				return existing[account] && owner.Equals(program.ID), nil
			},
		}
	}

	t.Run("empty chain scans to zero", func(t *testing.T) {
		t.Parallel()
		max, err := MaxEpochOnChain(t.Context(), observerWithEpochs(t), program, 100)
		require.NoError(t, err)
		require.Zero(t, max)
	})

	t.Run("scan tolerates gaps up to the limit", func(t *testing.T) {
		t.Parallel()
		// 4..12 missing is within the 10-gap budget, 13 is found.
		max, err := MaxEpochOnChain(t.Context(), observerWithEpochs(t, 1, 2, 3, 13), program, 100)
		require.NoError(t, err)
		require.Equal(t, uint64(13), max)
	})

	t.Run("scan stops after ten consecutive gaps", func(t *testing.T) {
		t.Parallel()
		max, err := MaxEpochOnChain(t.Context(), observerWithEpochs(t, 1, 2, 14), program, 100)
		require.NoError(t, err)
		require.Equal(t, uint64(2), max)
	})

	t.Run("next is one past the max of db and chain", func(t *testing.T) {
		t.Parallel()
		b, store := testBuilder(t)
		ctx := t.Context()

		epochNum := uniqueEpoch()
		require.NoError(t, store.ReplaceEpoch(ctx, ledger.ClaimEpoch{
			Epoch: epochNum, WeekKey: "wk-" + uuid.NewString(), Version: 2,
			RootHex: "r", BuildHash: "h",
		}, nil, nil))

		next, err := b.NextEpochNumber(ctx, observerWithEpochs(t, 1, 2), program, 100)
		require.NoError(t, err)
		require.Equal(t, epochNum+1, next, fmt.Sprintf("db latest %d should win over chain latest 2", epochNum))
	})
}
