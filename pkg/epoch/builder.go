// Package epoch builds salted merkle claim epochs from unclaimed
// ledger rewards and tracks their on-chain publication.
package epoch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/xessex/rewards/pkg/chain"
	"github.com/xessex/rewards/pkg/ledger"
	"github.com/xessex/rewards/pkg/merkle"
	"github.com/xessex/rewards/pkg/metrics"
	"github.com/xessex/rewards/pkg/xess"
)

// ErrEpochPublished means the epoch's root is already set on-chain and
// any rebuild would change hashes out from under issued proofs.
var ErrEpochPublished = errors.New("claim epoch already published on-chain")

// buildLockKey serializes epoch builds across processes. One fixed key
// because builds are cheap and rare; concurrent builders skip instead
// of queueing.
const buildLockKey int64 = 0x584553_45504f43 // "XES" "EPOC"

// Outcome classifies how a build request finished. Only OutcomeBuilt
// wrote anything.
type Outcome string

const (
	OutcomeBuilt        Outcome = "built"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeNoClaimables Outcome = "no_claimables"
	OutcomeLockBusy     Outcome = "lock_busy"
)

type Config struct {
	Logger *slog.Logger
	Store  *ledger.Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("ledger store is required")
	}
	return nil
}

type Builder struct {
	log   *slog.Logger
	store *ledger.Store
}

func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		log:   cfg.Logger,
		store: cfg.Store,
	}, nil
}

type BuildRequest struct {
	Epoch   uint64
	WeekKey string
	// AllWeeks sums claimables across every week instead of only
	// WeekKey. WeekKey then becomes an optional label; the scope is
	// persisted so settlement stamps events across all weeks.
	AllWeeks bool
}

// Result reports a finished build. RootHex and TotalAtomic9 feed the
// external publish step.
type Result struct {
	Outcome      Outcome
	Epoch        uint64
	WeekKey      string
	RootHex      string
	BuildHash    string
	LeafCount    int
	TotalAtomic9 xess.Amount9
}

// Build constructs and persists the merkle epoch for a week's
// unclaimed rewards. Rebuilding an unpublished epoch is safe: salts
// are pinned per (epoch, user) so leaves stay stable, and an input set
// matching the stored build hash skips the rewrite entirely.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*Result, error) {
	if req.Epoch == 0 {
		return nil, errors.New("epoch number must be positive")
	}
	if req.WeekKey == "" && !req.AllWeeks {
		return nil, errors.New("week key is required for a single-week build")
	}

	unlock, ok, err := b.store.TryAdvisoryLock(ctx, buildLockKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		b.log.Info("epoch/builder: another build holds the lock, skipping", "epoch", req.Epoch)
		metrics.EpochBuildsTotal.WithLabelValues(string(OutcomeLockBusy)).Inc()
		return &Result{Outcome: OutcomeLockBusy, Epoch: req.Epoch, WeekKey: req.WeekKey}, nil
	}
	defer unlock()

	existing, err := b.store.GetEpoch(ctx, req.Epoch)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if existing != nil && existing.SetOnChain {
		return nil, fmt.Errorf("epoch %d: %w", req.Epoch, ErrEpochPublished)
	}

	filterWeek := req.WeekKey
	if req.AllWeeks {
		filterWeek = ""
	}
	claimables, err := b.store.Claimables(ctx, filterWeek)
	if err != nil {
		return nil, err
	}
	if len(claimables) == 0 {
		b.log.Info("epoch/builder: no claimables", "epoch", req.Epoch, "week", req.WeekKey)
		metrics.EpochBuildsTotal.WithLabelValues(string(OutcomeNoClaimables)).Inc()
		return &Result{Outcome: OutcomeNoClaimables, Epoch: req.Epoch, WeekKey: req.WeekKey}, nil
	}

	// Ledger amounts are 6-decimal; leaves carry 9-decimal mint units.
	type row struct {
		userID  string
		wallet  *string
		amount9 xess.Amount9
	}
	rows := make([]row, 0, len(claimables))
	var total xess.Amount9
	for _, c := range claimables {
		r := row{userID: c.UserID, wallet: c.Wallet, amount9: c.Total6.ToMint()}
		rows = append(rows, r)
		total += r.amount9
	}

	pairs := make([]buildPair, len(rows))
	for i, r := range rows {
		pairs[i] = buildPair{userID: r.userID, amount9: r.amount9}
	}
	buildHash := computeBuildHash(req.Epoch, req.WeekKey, req.AllWeeks, pairs)
	if existing != nil && existing.BuildHash == buildHash {
		b.log.Info("epoch/builder: inputs unchanged since last build",
			"epoch", req.Epoch, "build_hash", buildHash)
		metrics.EpochBuildsTotal.WithLabelValues(string(OutcomeUnchanged)).Inc()
		return &Result{
			Outcome:      OutcomeUnchanged,
			Epoch:        req.Epoch,
			WeekKey:      existing.WeekKey,
			RootHex:      existing.RootHex,
			BuildHash:    buildHash,
			LeafCount:    existing.LeafCount,
			TotalAtomic9: existing.TotalAtomic9,
		}, nil
	}

	// Pin salts: reuse any from a prior build of this epoch, mint the
	// rest. Stable salts keep leaves identical across rebuilds.
	pinned, err := b.store.SaltsForEpoch(ctx, req.Epoch)
	if err != nil {
		return nil, err
	}

	type leafInput struct {
		row
		userKey merkle.Hash32
		salt    merkle.Hash32
	}
	inputs := make([]leafInput, 0, len(rows))
	var newSalts []ledger.ClaimSalt
	for _, r := range rows {
		in := leafInput{row: r, userKey: leafUserKey(r.userID, r.wallet)}
		if s, ok := pinned[r.userID]; ok {
			salt, err := merkle.ParseHex(s.SaltHex)
			if err != nil {
				return nil, fmt.Errorf("stored salt for %s is corrupt: %w", r.userID, err)
			}
			in.salt = salt
		} else {
			salt, err := merkle.NewSalt()
			if err != nil {
				return nil, fmt.Errorf("failed to generate salt: %w", err)
			}
			in.salt = salt
			newSalts = append(newSalts, ledger.ClaimSalt{
				Epoch:      req.Epoch,
				UserID:     r.userID,
				UserKeyHex: in.userKey.Hex(),
				SaltHex:    salt.Hex(),
			})
		}
		inputs = append(inputs, in)
	}

	// Leaf order is part of the tree; sort by user key so rebuilds and
	// independent verifiers agree byte for byte.
	sort.Slice(inputs, func(i, j int) bool {
		return inputs[i].userKey.Hex() < inputs[j].userKey.Hex()
	})

	leafHashes := make([]merkle.Hash32, len(inputs))
	for i, in := range inputs {
		leafHashes[i] = merkle.Leaf{
			UserKey: in.userKey,
			Epoch:   req.Epoch,
			Amount:  uint64(in.amount9),
			Index:   uint32(i),
			Salt:    in.salt,
		}.Hash()
	}
	tree, err := merkle.Build(leafHashes)
	if err != nil {
		return nil, fmt.Errorf("failed to build merkle tree: %w", err)
	}
	root := tree.Root()

	leaves := make([]ledger.ClaimLeaf, len(inputs))
	for i, in := range inputs {
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, fmt.Errorf("failed to build proof for leaf %d: %w", i, err)
		}
		leaves[i] = ledger.ClaimLeaf{
			Epoch:         req.Epoch,
			WeekKey:       req.WeekKey,
			AllWeeks:      req.AllWeeks,
			UserID:        in.userID,
			Wallet:        in.wallet,
			LeafIndex:     i,
			AmountAtomic9: in.amount9,
			UserKeyHex:    in.userKey.Hex(),
			SaltHex:       in.salt.Hex(),
			ProofHex:      merkle.ProofToHex(proof),
		}
	}

	e := ledger.ClaimEpoch{
		Epoch:        req.Epoch,
		WeekKey:      req.WeekKey,
		AllWeeks:     req.AllWeeks,
		Version:      2,
		RootHex:      root.Hex(),
		LeafCount:    len(leaves),
		TotalAtomic9: total,
		BuildHash:    buildHash,
	}
	if err := b.store.ReplaceEpoch(ctx, e, leaves, newSalts); err != nil {
		return nil, err
	}

	b.log.Info("epoch/builder: built claim epoch",
		"epoch", req.Epoch, "week", req.WeekKey, "root", e.RootHex,
		"leaves", e.LeafCount, "total_atomic", int64(total))
	metrics.EpochBuildsTotal.WithLabelValues(string(OutcomeBuilt)).Inc()

	return &Result{
		Outcome:      OutcomeBuilt,
		Epoch:        req.Epoch,
		WeekKey:      req.WeekKey,
		RootHex:      e.RootHex,
		BuildHash:    buildHash,
		LeafCount:    e.LeafCount,
		TotalAtomic9: total,
	}, nil
}

// MarkOnChain records that the epoch's root was published, after
// verifying the published root matches the stored build.
func (b *Builder) MarkOnChain(ctx context.Context, epochNum uint64, rootHex string) error {
	if err := b.store.MarkEpochOnChain(ctx, epochNum, rootHex); err != nil {
		return err
	}
	b.log.Info("epoch/builder: epoch marked on-chain", "epoch", epochNum, "root", rootHex)
	return nil
}

type buildPair struct {
	userID  string
	amount9 xess.Amount9
}

// computeBuildHash digests the build inputs, scope included, so an
// unchanged claimable set can be detected without rebuilding the tree.
// Entries are sorted by user id, independent of leaf order.
func computeBuildHash(epoch uint64, weekKey string, allWeeks bool, pairs []buildPair) string {
	sorted := make([]buildPair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].userID < sorted[j].userID })

	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = fmt.Sprintf("%s:%d", p.userID, p.amount9)
	}
	input := fmt.Sprintf("%d|%s|%t|%s", epoch, weekKey, allWeeks, strings.Join(parts, ","))
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// leafUserKey prefers the wallet-derived key so leaves match the
// on-chain claimer identity. Wallet-less users get an id-derived key
// and become claimable after linking a wallet and a rebuild.
func leafUserKey(userID string, wallet *string) merkle.Hash32 {
	if wallet != nil {
		if pk, err := chain.ParseWallet(*wallet); err == nil {
			return merkle.UserKeyFromWallet(pk)
		}
	}
	return merkle.UserKeyFromUserID(userID)
}
