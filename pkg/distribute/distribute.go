// Package distribute runs one payout period end to end: claims the
// period's batch, splits the emission into pools, computes ladder,
// proportional and referral rewards, and writes the ledger atomically.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/xessex/rewards/pkg/emission"
	"github.com/xessex/rewards/pkg/ladder"
	"github.com/xessex/rewards/pkg/ledger"
	"github.com/xessex/rewards/pkg/metrics"
	"github.com/xessex/rewards/pkg/referral"
	"github.com/xessex/rewards/pkg/xess"
	"golang.org/x/sync/errgroup"
)

// Sub-pool weights applied to each content pool's budget.
const (
	LikesPoolBps     xess.Bps = 7000
	MvmPoolBps       xess.Bps = 2000
	CommentsPoolBps  xess.Bps = 500
	ReferralsPoolBps xess.Bps = 500
)

// StaleBatchAfter is how long a RUNNING batch may sit before a forced
// re-run may reset it. Protects against crashed runs holding the
// period forever.
const StaleBatchAfter = 30 * time.Minute

// ErrEpochOnChain refuses a forced re-distribution once a claim epoch
// for the period is published; the ledger behind issued proofs is
// frozen.
var ErrEpochOnChain = errors.New("claim epoch for period already published on-chain")

// Outcome classifies a distribution run. The skip outcomes are benign
// and arise from concurrent or repeated scheduling.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyRunning   Outcome = "already_running"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

type Config struct {
	Logger *slog.Logger
	Store  *ledger.Store
	Clock  clockwork.Clock

	// MinWeeklyScore and MinMvmPoints gate ladder eligibility.
	MinWeeklyScore int64
	MinMvmPoints   int64

	// ReferralLevels defaults to the standard 10/3/1 percent tiers.
	ReferralLevels [referral.MaxDepth]xess.Bps

	// PoolSplit defaults to the 69/31 content pool weights.
	PoolSplit map[emission.Pool]xess.Bps
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MinWeeklyScore <= 0 {
		cfg.MinWeeklyScore = 1
	}
	if cfg.MinMvmPoints <= 0 {
		cfg.MinMvmPoints = 1
	}
	if cfg.ReferralLevels == ([referral.MaxDepth]xess.Bps{}) {
		cfg.ReferralLevels = referral.DefaultLevelBps
	}
	if cfg.PoolSplit == nil {
		cfg.PoolSplit = emission.DefaultPoolSplit()
	}
	return nil
}

type Distributor struct {
	log   *slog.Logger
	store *ledger.Store
	clock clockwork.Clock
	cfg   Config
}

func New(cfg Config) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Distributor{
		log:   cfg.Logger,
		store: cfg.Store,
		clock: cfg.Clock,
		cfg:   cfg,
	}, nil
}

type RunRequest struct {
	PeriodKey string
	WeekIndex int
	// Force re-runs a DONE period or resets a stale RUNNING batch.
	// Refused once the period's epoch is on-chain.
	Force bool
	// WeeklyEmissionOverride replaces the scheduled weekly emission
	// when positive. The period still receives half.
	WeeklyEmissionOverride xess.Amount6
}

// PoolSummary reports one pool's spend for the period.
type PoolSummary struct {
	Pool         emission.Pool
	Budget       xess.Amount6
	LikesPaid    xess.Amount6
	MvmPaid      xess.Amount6
	CommentsPaid xess.Amount6
	ReferralPaid xess.Amount6
	Burned       xess.Amount6
}

type RunResult struct {
	Outcome      Outcome
	PeriodKey    string
	RunID        string
	TotalUsers   int
	TotalAmount6 xess.Amount6
	Pools        []PoolSummary
}

// Run distributes one payout period. Safe under concurrent and
// repeated invocation: the batch row is the mutex and reward events
// are keyed by reference, so re-delivery never double-pays.
func (d *Distributor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	statsWeekKey, period, err := ledger.ParsePeriodKey(req.PeriodKey)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now().UTC()
	runID := uuid.NewString()
	start := d.clock.Now()

	if skip, err := d.resolveExistingBatch(ctx, req, now); err != nil {
		return nil, err
	} else if skip != nil {
		metrics.DistributionsTotal.WithLabelValues(string(skip.Outcome)).Inc()
		return skip, nil
	}

	batch, err := d.store.ClaimBatch(ctx, req.PeriodKey, runID, now)
	if err != nil {
		if errors.Is(err, ledger.ErrBatchExists) {
			return d.classifyLostRace(ctx, req.PeriodKey)
		}
		return nil, err
	}

	d.log.Info("distribute: starting period",
		"period", req.PeriodKey, "stats_week", statsWeekKey, "p", period,
		"week_index", req.WeekIndex, "run_id", runID)

	res, err := d.run(ctx, batch, statsWeekKey, req)
	if err != nil {
		// The original error wins; the FAILED flip is best-effort.
		d.store.BestEffort(ctx, "mark batch failed", func(ctx context.Context) error {
			return d.store.MarkBatchFailed(ctx, batch.ID, d.clock.Now().UTC())
		})
		metrics.DistributionsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	res.RunID = runID
	metrics.DistributionsTotal.WithLabelValues(string(OutcomeCompleted)).Inc()
	metrics.DistributionDuration.Observe(d.clock.Since(start).Seconds())
	return res, nil
}

// resolveExistingBatch decides what an existing batch row means for
// this run: a benign skip (non-nil result), a hard refusal, or a
// cleared path to re-claim (nil, nil).
func (d *Distributor) resolveExistingBatch(ctx context.Context, req RunRequest, now time.Time) (*RunResult, error) {
	existing, err := d.store.GetBatch(ctx, req.PeriodKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	switch existing.Status {
	case ledger.BatchDone:
		if !req.Force {
			d.log.Info("distribute: period already processed", "period", req.PeriodKey)
			return &RunResult{Outcome: OutcomeAlreadyProcessed, PeriodKey: req.PeriodKey}, nil
		}
		published, err := d.store.HasPublishedEpoch(ctx, req.PeriodKey)
		if err != nil {
			return nil, err
		}
		if published {
			return nil, fmt.Errorf("period %s: %w", req.PeriodKey, ErrEpochOnChain)
		}
		d.log.Warn("distribute: force re-running DONE period", "period", req.PeriodKey)
		return nil, d.store.DeleteBatchOutputs(ctx, req.PeriodKey)

	case ledger.BatchRunning:
		stale := now.Sub(existing.StartedAt) > StaleBatchAfter
		if stale && req.Force {
			d.log.Warn("distribute: resetting stale RUNNING batch",
				"period", req.PeriodKey, "started_at", existing.StartedAt)
			return nil, d.store.DeleteBatchOutputs(ctx, req.PeriodKey)
		}
		d.log.Info("distribute: period already running",
			"period", req.PeriodKey, "run_id", existing.RunID, "stale", stale)
		return &RunResult{Outcome: OutcomeAlreadyRunning, PeriodKey: req.PeriodKey}, nil

	case ledger.BatchFailed:
		d.log.Info("distribute: clearing failed batch before retry", "period", req.PeriodKey)
		return nil, d.store.DeleteBatchOutputs(ctx, req.PeriodKey)
	}
	return nil, fmt.Errorf("period %s: unknown batch status %q", req.PeriodKey, existing.Status)
}

// classifyLostRace maps a lost ClaimBatch race to the matching skip.
func (d *Distributor) classifyLostRace(ctx context.Context, periodKey string) (*RunResult, error) {
	existing, err := d.store.GetBatch(ctx, periodKey)
	if err != nil {
		return nil, err
	}
	outcome := OutcomeAlreadyRunning
	if existing.Status == ledger.BatchDone {
		outcome = OutcomeAlreadyProcessed
	}
	metrics.DistributionsTotal.WithLabelValues(string(outcome)).Inc()
	return &RunResult{Outcome: outcome, PeriodKey: periodKey}, nil
}

func (d *Distributor) run(ctx context.Context, batch *ledger.RewardBatch, statsWeekKey string, req RunRequest) (*RunResult, error) {
	periodEmission := emission.PeriodEmission(req.WeekIndex)
	if req.WeeklyEmissionOverride > 0 {
		periodEmission = req.WeeklyEmissionOverride / 2
		d.log.Warn("distribute: weekly emission overridden",
			"weekly", req.WeeklyEmissionOverride.Format())
	}
	budgets := emission.SplitPools(periodEmission, d.cfg.PoolSplit)

	d.log.Info("distribute: period emission",
		"period", req.PeriodKey, "emission", periodEmission.Format())

	pools := make([]emission.Pool, 0, len(budgets))
	for p := range budgets {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i] < pools[j] })

	var allEvents []ledger.RewardEvent
	var burns []ledger.BurnRecord
	var summaries []PoolSummary

	for _, pool := range pools {
		events, summary, err := d.runPool(ctx, pool, budgets[pool], statsWeekKey, req.PeriodKey)
		if err != nil {
			return nil, err
		}
		allEvents = append(allEvents, events...)
		summaries = append(summaries, summary)
		if summary.Burned > 0 {
			burns = append(burns, ledger.BurnRecord{
				WeekKey: req.PeriodKey,
				Pool:    string(pool),
				Reason:  "unused_emission",
				Amount6: summary.Burned,
			})
		}
	}

	// Per-user totals for the batch summary, per (user, pool) totals
	// for the stat rows.
	userTotals := make(map[string]xess.Amount6)
	type userPool struct {
		userID string
		pool   string
	}
	paidByUserPool := make(map[userPool]xess.Amount6)
	for _, e := range allEvents {
		userTotals[e.UserID] += e.Amount6
		pool := string(emission.PoolEmbed)
		if strings.HasPrefix(e.RefType, emission.PoolXessex.Prefix()+":") {
			pool = string(emission.PoolXessex)
		}
		paidByUserPool[userPool{e.UserID, pool}] += e.Amount6
	}
	var totalAmount xess.Amount6
	for _, amt := range userTotals {
		totalAmount += amt
	}

	paidKeys := make([]userPool, 0, len(paidByUserPool))
	for k := range paidByUserPool {
		paidKeys = append(paidKeys, k)
	}
	sort.Slice(paidKeys, func(i, j int) bool {
		if paidKeys[i].userID != paidKeys[j].userID {
			return paidKeys[i].userID < paidKeys[j].userID
		}
		return paidKeys[i].pool < paidKeys[j].pool
	})

	var inserted int64
	err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		inserted, err = d.store.UpsertRewardEventsTx(ctx, tx, allEvents)
		if err != nil {
			return err
		}
		for _, k := range paidKeys {
			if err := d.store.SetPaidAtomicTx(ctx, tx, statsWeekKey, k.userID, k.pool, paidByUserPool[k].ToMint()); err != nil {
				return err
			}
		}
		for _, b := range burns {
			if err := d.store.InsertBurnRecordTx(ctx, tx, b); err != nil {
				return err
			}
		}
		return d.store.FinishBatchTx(ctx, tx, batch.ID, int64(len(userTotals)), totalAmount, d.clock.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	metrics.RewardEventsWritten.Add(float64(inserted))

	d.log.Info("distribute: period complete",
		"period", req.PeriodKey, "users", len(userTotals),
		"total", totalAmount.Format(), "events", len(allEvents), "inserted", inserted)

	return &RunResult{
		Outcome:      OutcomeCompleted,
		PeriodKey:    req.PeriodKey,
		TotalUsers:   len(userTotals),
		TotalAmount6: totalAmount,
		Pools:        summaries,
	}, nil
}

// runPool computes one pool's rewards: the likes ladder, proportional
// MVM and comment splits, then referral attribution over the pool's
// base earnings.
func (d *Distributor) runPool(ctx context.Context, pool emission.Pool, budget xess.Amount6, statsWeekKey, periodKey string) ([]ledger.RewardEvent, PoolSummary, error) {
	pfx := pool.Prefix()
	summary := PoolSummary{Pool: pool, Budget: budget}

	var likesRows, mvmRows, commentRows []ledger.MetricRow
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		likesRows, err = d.store.TopWeeklyScore(gctx, statsWeekKey, string(pool), d.cfg.MinWeeklyScore, ladder.TopRanks)
		return err
	})
	g.Go(func() error {
		var err error
		mvmRows, err = d.store.MvmStats(gctx, statsWeekKey, string(pool), d.cfg.MinMvmPoints, ladder.TopRanks)
		return err
	})
	g.Go(func() error {
		var err error
		commentRows, err = d.store.CommentStats(gctx, statsWeekKey, string(pool))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, summary, fmt.Errorf("failed to load %s stats: %w", pfx, err)
	}

	var events []ledger.RewardEvent
	addEvent := func(userID, rewardType, refKind string, amount xess.Amount6) {
		refType := pfx + ":" + refKind
		events = append(events, ledger.RewardEvent{
			UserID:  userID,
			WeekKey: periodKey,
			Type:    rewardType,
			Amount6: amount,
			Status:  ledger.RewardPaid,
			RefType: refType,
			RefID:   periodKey + ":" + userID + ":" + refType,
		})
	}

	for _, a := range ladder.Distribute(budget.MulBps(LikesPoolBps), toEntries(likesRows)) {
		addEvent(a.UserID, ledger.TypeWeeklyLikes, "likes", a.Amount)
		summary.LikesPaid += a.Amount
	}
	for _, a := range ladder.DistributeProportional(budget.MulBps(MvmPoolBps), toEntries(mvmRows)) {
		addEvent(a.UserID, ledger.TypeWeeklyMvm, "mvm", a.Amount)
		summary.MvmPaid += a.Amount
	}
	for _, a := range ladder.DistributeProportional(budget.MulBps(CommentsPoolBps), toEntries(commentRows)) {
		addEvent(a.UserID, ledger.TypeWeeklyComments, "comments", a.Amount)
		summary.CommentsPaid += a.Amount
	}

	referralEvents, referralPaid, err := d.referralRewards(ctx, events, budget.MulBps(ReferralsPoolBps), periodKey, pfx)
	if err != nil {
		return nil, summary, err
	}
	events = append(events, referralEvents...)
	summary.ReferralPaid = referralPaid

	paid := summary.LikesPaid + summary.MvmPaid + summary.CommentsPaid + summary.ReferralPaid
	if burned := budget - paid; burned > 0 {
		summary.Burned = burned
	}

	d.log.Info("distribute: pool computed",
		"pool", pfx, "budget", budget.Format(),
		"likes", summary.LikesPaid.Format(), "mvm", summary.MvmPaid.Format(),
		"comments", summary.CommentsPaid.Format(), "referrals", summary.ReferralPaid.Format(),
		"burned", summary.Burned.Format())

	return events, summary, nil
}

// referralRewards derives up-chain rewards from the pool's base
// earnings and scales the set into the referral budget.
func (d *Distributor) referralRewards(ctx context.Context, baseEvents []ledger.RewardEvent, budget xess.Amount6, periodKey, pfx string) ([]ledger.RewardEvent, xess.Amount6, error) {
	earned := make(map[string]xess.Amount6)
	for _, e := range baseEvents {
		earned[e.UserID] += e.Amount6
	}
	earners := make([]string, 0, len(earned))
	for u := range earned {
		earners = append(earners, u)
	}
	sort.Strings(earners)

	var owed []referral.Attribution
	for _, earnerID := range earners {
		chain, err := d.store.ReferralChain(ctx, earnerID)
		if err != nil {
			return nil, 0, err
		}
		owed = append(owed, referral.Attribute(earnerID, earned[earnerID], chain, d.cfg.ReferralLevels)...)
	}

	scaled, paid := referral.ScaleToBudget(d.log, owed, budget)

	events := make([]ledger.RewardEvent, 0, len(scaled))
	for _, a := range scaled {
		fromUserID := a.FromUserID
		refKind := strings.ToLower(a.Tier.String())
		refType := pfx + ":" + refKind
		events = append(events, ledger.RewardEvent{
			UserID:             a.ReferrerID,
			ReferralFromUserID: &fromUserID,
			WeekKey:            periodKey,
			Type:               a.Tier.String(),
			Amount6:            a.Amount,
			Status:             ledger.RewardPaid,
			RefType:            refType,
			RefID:              periodKey + ":" + a.ReferrerID + ":" + fromUserID + ":" + refType,
		})
	}
	return events, paid, nil
}

func toEntries(rows []ledger.MetricRow) []ladder.Entry {
	entries := make([]ladder.Entry, len(rows))
	for i, r := range rows {
		entries[i] = ladder.Entry{UserID: r.UserID, Metric: r.Metric}
	}
	return entries
}
