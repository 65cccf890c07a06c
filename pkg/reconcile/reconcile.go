// Package reconcile settles the reward ledger against on-chain state:
// confirming user claims from observed transactions or receipt
// accounts, and repairing claim stamps that no receipt backs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/xessex/rewards/pkg/chain"
	"github.com/xessex/rewards/pkg/ledger"
	"github.com/xessex/rewards/pkg/metrics"
	"github.com/xessex/rewards/pkg/xess"
)

var (
	// ErrLeafNotFound means the user has no claim leaf in the epoch;
	// there is nothing to confirm.
	ErrLeafNotFound = errors.New("no claim leaf for user in epoch")

	// ErrTxFailed rejects a confirmation whose transaction errored
	// on-chain.
	ErrTxFailed = errors.New("claim transaction failed on-chain")

	// ErrWrongProgram rejects a transaction that never touched the
	// claim program.
	ErrWrongProgram = errors.New("transaction does not touch the claim program")

	// ErrTransferTooSmall rejects a transaction that moved less than
	// the leaf amount to the claimer.
	ErrTransferTooSmall = errors.New("transaction transfers less than the leaf amount")
)

type Config struct {
	Logger   *slog.Logger
	Store    *ledger.Store
	Observer chain.Observer
	Program  chain.Program
	Mint     solana.PublicKey
	Clock    clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Observer == nil {
		return errors.New("chain observer is required")
	}
	if cfg.Program.ID.IsZero() {
		return errors.New("claim program is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("token mint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Service struct {
	log      *slog.Logger
	store    *ledger.Store
	observer chain.Observer
	program  chain.Program
	mint     solana.PublicKey
	clock    clockwork.Clock
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		log:      cfg.Logger,
		store:    cfg.Store,
		observer: cfg.Observer,
		program:  cfg.Program,
		mint:     cfg.Mint,
		clock:    cfg.Clock,
	}, nil
}

// ConfirmOutcome classifies how a claim confirmation settled.
type ConfirmOutcome string

const (
	// OutcomeConfirmed settled from the observed transaction.
	OutcomeConfirmed ConfirmOutcome = "confirmed"
	// OutcomeReceiptSettled settled from the on-chain receipt account,
	// used when the transaction itself was never reported to us.
	OutcomeReceiptSettled ConfirmOutcome = "receipt_settled"
	// OutcomeAlreadyClaimed means the week's events were stamped
	// earlier; the call is a replay.
	OutcomeAlreadyClaimed ConfirmOutcome = "already_claimed"
)

type ConfirmRequest struct {
	Epoch  uint64
	UserID string
	// Wallet is the claimer's address, checked as the token recipient.
	Wallet string
	// TxSig is the claim transaction signature. May be empty when the
	// receipt account already proves the claim.
	TxSig string
}

type ConfirmResult struct {
	Outcome ConfirmOutcome
	// Amount9 is the leaf amount in mint units.
	Amount9 xess.Amount9
	// EventsStamped is how many ledger events this call flipped.
	EventsStamped int64
}

// ConfirmClaim validates a reported claim against chain state and
// stamps the week's reward events. Idempotent: a replayed confirmation
// short-circuits on the already-stamped events.
func (s *Service) ConfirmClaim(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	leaf, err := s.store.GetLeaf(ctx, req.Epoch, req.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("epoch %d user %s: %w", req.Epoch, req.UserID, ErrLeafNotFound)
		}
		return nil, err
	}

	// An all-weeks leaf summed events across every week, so the claim
	// stamp must cover all weeks too, or the other weeks would be
	// handed out again by the next epoch build.
	settleWeek := leaf.WeekKey
	if leaf.AllWeeks {
		settleWeek = ""
	}

	if _, claimed, err := s.store.ClaimedTotal(ctx, req.UserID, settleWeek); err != nil {
		return nil, err
	} else if claimed > 0 {
		metrics.ClaimConfirmationsTotal.WithLabelValues(string(OutcomeAlreadyClaimed)).Inc()
		return &ConfirmResult{Outcome: OutcomeAlreadyClaimed, Amount9: leaf.AmountAtomic9}, nil
	}

	wallet, err := chain.ParseWallet(req.Wallet)
	if err != nil {
		return nil, fmt.Errorf("invalid claimer wallet: %w", err)
	}

	// The receipt PDA is authoritative: once a program-owned account
	// exists there the program has paid out, whatever happened to the
	// reported signature. Accounts another program put at the address
	// do not count.
	receipt, err := s.program.ReceiptPDA(req.Epoch, wallet)
	if err != nil {
		return nil, err
	}
	hasReceipt, err := s.observer.AccountExists(ctx, receipt, s.program.ID)
	if err != nil {
		return nil, err
	}
	if hasReceipt {
		txSig := req.TxSig
		if txSig == "" {
			txSig = ledger.SyncedTxSig
		}
		stamped, err := s.store.MarkRewardsClaimed(ctx, req.UserID, settleWeek, txSig, s.clock.Now().UTC())
		if err != nil {
			return nil, err
		}
		s.log.Info("reconcile: claim settled from receipt",
			"epoch", req.Epoch, "user", req.UserID, "events", stamped)
		metrics.ClaimConfirmationsTotal.WithLabelValues(string(OutcomeReceiptSettled)).Inc()
		return &ConfirmResult{Outcome: OutcomeReceiptSettled, Amount9: leaf.AmountAtomic9, EventsStamped: stamped}, nil
	}

	if err := s.verifyTransaction(ctx, req, leaf, wallet); err != nil {
		metrics.ClaimConfirmationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	stamped, err := s.store.MarkRewardsClaimed(ctx, req.UserID, settleWeek, req.TxSig, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.log.Info("reconcile: claim confirmed",
		"epoch", req.Epoch, "user", req.UserID, "tx", req.TxSig,
		"amount", leaf.AmountAtomic9.Format(), "events", stamped)
	metrics.ClaimConfirmationsTotal.WithLabelValues(string(OutcomeConfirmed)).Inc()
	return &ConfirmResult{Outcome: OutcomeConfirmed, Amount9: leaf.AmountAtomic9, EventsStamped: stamped}, nil
}

func (s *Service) verifyTransaction(ctx context.Context, req ConfirmRequest, leaf *ledger.ClaimLeaf, wallet solana.PublicKey) error {
	if req.TxSig == "" {
		return fmt.Errorf("no receipt for epoch %d: %w", req.Epoch, chain.ErrTxNotFound)
	}
	sig, err := solana.SignatureFromBase58(req.TxSig)
	if err != nil {
		return fmt.Errorf("invalid transaction signature: %w", err)
	}

	tx, err := s.observer.FetchTransaction(ctx, sig)
	if err != nil {
		return err
	}
	if tx.Failed {
		return fmt.Errorf("transaction %s: %w", req.TxSig, ErrTxFailed)
	}
	if !tx.Touches(s.program.ID) {
		return fmt.Errorf("transaction %s: %w", req.TxSig, ErrWrongProgram)
	}
	if received := tx.ReceivedAmount(wallet, s.mint); received < int64(leaf.AmountAtomic9) {
		return fmt.Errorf("transaction %s moved %d of %d: %w",
			req.TxSig, received, leaf.AmountAtomic9, ErrTransferTooSmall)
	}
	return nil
}

type RepairOptions struct {
	// DryRun reports what would be reset without writing. The default
	// invocation is a dry run; pass DryRun=false explicitly to repair.
	DryRun bool
	// UserID restricts the sweep to one user when set.
	UserID string
}

type RepairResult struct {
	// Candidates is how many (user, week) pairs were examined.
	Candidates int
	// Reset is how many pairs had their claim stamps cleared (or would
	// have, under DryRun).
	Reset int
	// Kept is how many pairs an on-chain receipt vouched for.
	Kept int
}

// RepairFalseClaims re-checks claim stamps that carry no real
// transaction signature. Pairs backed by an on-chain receipt are kept;
// the rest are reset so the rewards become claimable again.
func (s *Service) RepairFalseClaims(ctx context.Context, opts RepairOptions) (*RepairResult, error) {
	candidates, err := s.store.FalseClaimCandidates(ctx)
	if err != nil {
		return nil, err
	}

	res := &RepairResult{}
	for _, c := range candidates {
		if opts.UserID != "" && c.UserID != opts.UserID {
			continue
		}
		res.Candidates++
		keep, err := s.receiptBacksClaim(ctx, c)
		if err != nil {
			return res, err
		}
		if keep {
			res.Kept++
			continue
		}

		res.Reset++
		if opts.DryRun {
			s.log.Info("reconcile: would reset false claim",
				"user", c.UserID, "week", c.WeekKey, "events", c.Events)
			continue
		}
		n, err := s.store.ResetClaims(ctx, c.UserID, c.WeekKey)
		if err != nil {
			return res, err
		}
		s.log.Warn("reconcile: reset false claim",
			"user", c.UserID, "week", c.WeekKey, "events", n)
	}

	s.log.Info("reconcile: false claim sweep done",
		"candidates", res.Candidates, "kept", res.Kept, "reset", res.Reset,
		"dry_run", opts.DryRun)
	return res, nil
}

// receiptBacksClaim checks whether any epoch leaf for the pair has an
// on-chain receipt for the user's wallet.
func (s *Service) receiptBacksClaim(ctx context.Context, c ledger.FalseClaimCandidate) (bool, error) {
	leaf, err := s.store.LatestLeafForWeek(ctx, c.UserID, c.WeekKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Never in an epoch, so the claim cannot exist on-chain.
			return false, nil
		}
		return false, err
	}

	user, err := s.store.GetUser(ctx, c.UserID)
	if err != nil {
		return false, err
	}
	if user.Wallet == nil {
		return false, nil
	}
	wallet, err := chain.ParseWallet(*user.Wallet)
	if err != nil {
		s.log.Warn("reconcile: unparseable wallet, treating claim as unbacked",
			"user", c.UserID, "error", err)
		return false, nil
	}

	receipt, err := s.program.ReceiptPDA(leaf.Epoch, wallet)
	if err != nil {
		return false, err
	}
	return s.observer.AccountExists(ctx, receipt, s.program.ID)
}
