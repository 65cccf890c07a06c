// Package ledger is the Postgres persistence layer for the rewards
// pipeline: weekly stats, reward events, payout batches, claim epochs
// and their merkle leaves.
package ledger

import (
	"time"

	"github.com/xessex/rewards/pkg/xess"
)

// BatchStatus is the lifecycle state of a payout batch.
type BatchStatus string

const (
	BatchRunning BatchStatus = "RUNNING"
	BatchDone    BatchStatus = "DONE"
	BatchFailed  BatchStatus = "FAILED"
)

// RewardStatus is the payment state of a reward event. Events are
// written directly as PAID; claiming only stamps claimed_at/tx_sig.
type RewardStatus string

const (
	RewardPaid RewardStatus = "PAID"
)

// Reward type tags carried on reward events.
const (
	TypeWeeklyLikes    = "WEEKLY_LIKES"
	TypeWeeklyMvm      = "WEEKLY_MVM"
	TypeWeeklyComments = "WEEKLY_COMMENTS"
)

// User is the collaborator row the pipeline needs: wallet link,
// referral edge and ban state.
type User struct {
	ID           string
	Wallet       *string
	ReferredByID *string
	RewardBanned bool
}

// WeeklyUserStat is one user's activity counters for a stats week and
// pool. PendingAtomic and PaidAtomic are 9-decimal mint units.
type WeeklyUserStat struct {
	WeekKey         string
	UserID          string
	Pool            string
	ScoreReceived   int64
	DiamondComments int64
	MvmPoints       int64
	// VotesCast arrives with the weekly counters; no pool pays on it yet.
	VotesCast int64
	PendingAtomic   xess.Amount9
	PaidAtomic      xess.Amount9
}

// RewardEvent is one ledger entry. The (RefType, RefID) pair is unique
// and makes writes idempotent under re-runs.
type RewardEvent struct {
	ID                 int64
	UserID             string
	ReferralFromUserID *string
	WeekKey            string
	Type               string
	Amount6            xess.Amount6
	Status             RewardStatus
	ClaimedAt          *time.Time
	TxSig              *string
	RefType            string
	RefID              string
}

// RewardBatch tracks one distribution run for a payout period.
type RewardBatch struct {
	ID           int64
	WeekKey      string
	Status       BatchStatus
	RunID        string
	StartedAt    time.Time
	FinishedAt   *time.Time
	TotalUsers   int64
	TotalAmount6 xess.Amount6
}

// ClaimEpoch is one built merkle epoch. SetOnChain flips once the root
// is published and freezes the epoch against rebuilds.
type ClaimEpoch struct {
	Epoch   uint64
	WeekKey string
	// AllWeeks marks a build over every unclaimed week. WeekKey is then
	// only a label and settlement must stamp events across all weeks.
	AllWeeks     bool
	Version      int
	RootHex      string
	LeafCount    int
	TotalAtomic9 xess.Amount9
	BuildHash    string
	SetOnChain   bool
}

// ClaimLeaf is one user's claimable entry in an epoch, with the stored
// proof path so claim requests need no tree rebuild.
type ClaimLeaf struct {
	Epoch   uint64
	WeekKey string
	// AllWeeks copies the epoch's scope so claim settlement sees it
	// without another epoch lookup.
	AllWeeks      bool
	UserID        string
	Wallet        *string
	LeafIndex     int
	AmountAtomic9 xess.Amount9
	UserKeyHex    string
	SaltHex       string
	ProofHex      []string
}

// ClaimSalt pins a user's leaf salt for an epoch so rebuilds of an
// unpublished epoch reuse it.
type ClaimSalt struct {
	Epoch      uint64
	UserID     string
	UserKeyHex string
	SaltHex    string
}

// BurnRecord accounts for emission that no reward consumed.
type BurnRecord struct {
	WeekKey string
	Pool    string
	Reason  string
	Amount6 xess.Amount6
}

// Claimable is a user's summed unclaimed PAID rewards for an epoch
// build, still in 6-decimal ledger units.
type Claimable struct {
	UserID string
	Wallet *string
	Total6 xess.Amount6
}

// MetricRow is a (user, metric) pair feeding the ladder or a
// proportional split.
type MetricRow struct {
	UserID string
	Metric int64
}
