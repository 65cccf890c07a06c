package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/xessex/rewards/pkg/metrics"
	"github.com/xessex/rewards/utils/pkg/retry"
)

// SolanaRPC is the subset of the RPC client the observer uses.
// *solanarpc.Client satisfies it.
type SolanaRPC interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error)
}

type ObserverConfig struct {
	Logger  *slog.Logger
	RPC     SolanaRPC
	Timeout time.Duration
	Retry   retry.Config
}

func (cfg *ObserverConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("solana RPC client is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// RPCObserver is the live Observer. Every call carries a bounded
// timeout and transient RPC failures are retried with backoff;
// callers must not hold DB locks across these calls.
type RPCObserver struct {
	log *slog.Logger
	cfg ObserverConfig
}

func NewRPCObserver(cfg ObserverConfig) (*RPCObserver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCObserver{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (o *RPCObserver) AccountExists(ctx context.Context, account, owner solana.PublicKey) (bool, error) {
	var exists bool
	err := retry.Do(ctx, o.cfg.Retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()

		out, err := o.cfg.RPC.GetAccountInfo(callCtx, account)
		if err != nil {
			if errors.Is(err, solanarpc.ErrNotFound) {
				exists = false
				return nil
			}
			return err
		}
		exists = out != nil && out.Value != nil && out.Value.Owner.Equals(owner)
		return nil
	})
	if err != nil {
		metrics.ChainRequestsTotal.WithLabelValues("getAccountInfo", "error").Inc()
		return false, fmt.Errorf("failed to fetch account %s: %w", account, err)
	}
	metrics.ChainRequestsTotal.WithLabelValues("getAccountInfo", "ok").Inc()
	return exists, nil
}

func (o *RPCObserver) FetchTransaction(ctx context.Context, sig solana.Signature) (*Transaction, error) {
	maxVersion := uint64(0)
	opts := &solanarpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     solanarpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	var out *solanarpc.GetTransactionResult
	err := retry.Do(ctx, o.cfg.Retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()

		var err error
		out, err = o.cfg.RPC.GetTransaction(callCtx, sig, opts)
		if err != nil && errors.Is(err, solanarpc.ErrNotFound) {
			out = nil
			return nil
		}
		return err
	})
	if err != nil {
		metrics.ChainRequestsTotal.WithLabelValues("getTransaction", "error").Inc()
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", sig, err)
	}
	metrics.ChainRequestsTotal.WithLabelValues("getTransaction", "ok").Inc()
	if out == nil {
		return nil, fmt.Errorf("transaction %s: %w", sig, ErrTxNotFound)
	}

	return decodeTransaction(out)
}

func decodeTransaction(out *solanarpc.GetTransactionResult) (*Transaction, error) {
	tx := &Transaction{}
	if out.Meta != nil {
		tx.Failed = out.Meta.Err != nil
	}

	parsed, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction payload: %w", err)
	}
	tx.AccountKeys = append(tx.AccountKeys, parsed.Message.AccountKeys...)
	if out.Meta != nil {
		tx.AccountKeys = append(tx.AccountKeys, out.Meta.LoadedAddresses.Writable...)
		tx.AccountKeys = append(tx.AccountKeys, out.Meta.LoadedAddresses.ReadOnly...)
		tx.TokenDeltas = tokenDeltas(out.Meta)
	}
	return tx, nil
}

// tokenDeltas nets post minus pre SPL balances per token account.
func tokenDeltas(meta *solanarpc.TransactionMeta) []TokenDelta {
	type acct struct {
		owner solana.PublicKey
		mint  solana.PublicKey
		pre   int64
		post  int64
	}
	accounts := make(map[uint16]*acct)

	get := func(b solanarpc.TokenBalance) *acct {
		a, ok := accounts[b.AccountIndex]
		if !ok {
			a = &acct{mint: b.Mint}
			if b.Owner != nil {
				a.owner = *b.Owner
			}
			accounts[b.AccountIndex] = a
		}
		return a
	}
	amount := func(b solanarpc.TokenBalance) int64 {
		if b.UiTokenAmount == nil {
			return 0
		}
		v, err := strconv.ParseInt(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			return 0
		}
		return v
	}

	for _, b := range meta.PreTokenBalances {
		get(b).pre = amount(b)
	}
	for _, b := range meta.PostTokenBalances {
		get(b).post = amount(b)
	}

	indexes := make([]uint16, 0, len(accounts))
	for i := range accounts {
		indexes = append(indexes, i)
	}
	// Deterministic output order.
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	deltas := make([]TokenDelta, 0, len(accounts))
	for _, i := range indexes {
		a := accounts[i]
		if a.post == a.pre {
			continue
		}
		deltas = append(deltas, TokenDelta{Owner: a.owner, Mint: a.mint, Delta: a.post - a.pre})
	}
	return deltas
}
