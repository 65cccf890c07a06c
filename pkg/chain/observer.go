package chain

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ErrTxNotFound means the signature is unknown to the RPC node, which
// is transient until the transaction lands or expires.
var ErrTxNotFound = errors.New("transaction not found")

// TokenDelta is the net SPL token balance change of one token account
// within a transaction.
type TokenDelta struct {
	Owner solana.PublicKey
	Mint  solana.PublicKey
	Delta int64
}

// Transaction is the decoded view of a confirmed transaction that the
// reconciler validates against.
type Transaction struct {
	Failed      bool
	AccountKeys []solana.PublicKey
	TokenDeltas []TokenDelta
}

// Touches reports whether the transaction referenced the account.
func (t *Transaction) Touches(key solana.PublicKey) bool {
	for _, k := range t.AccountKeys {
		if k.Equals(key) {
			return true
		}
	}
	return false
}

// ReceivedAmount sums positive token deltas for an owner and mint, the
// amount the owner actually received in the transaction.
func (t *Transaction) ReceivedAmount(owner, mint solana.PublicKey) int64 {
	var total int64
	for _, d := range t.TokenDeltas {
		if d.Owner.Equals(owner) && d.Mint.Equals(mint) && d.Delta > 0 {
			total += d.Delta
		}
	}
	return total
}

// Observer is the narrow chain surface the pipeline consumes. Mocked
// with func-field structs in tests.
type Observer interface {
	// AccountExists reports whether the account exists and is owned by
	// owner, the PDA check for receipts and epoch roots. Requiring the
	// owner keeps accounts that some other program (or a plain lamport
	// transfer) parked at the address from counting as proof.
	AccountExists(ctx context.Context, account, owner solana.PublicKey) (bool, error)
	// FetchTransaction decodes a confirmed transaction. Returns
	// ErrTxNotFound when the node does not know the signature.
	FetchTransaction(ctx context.Context, sig solana.Signature) (*Transaction, error)
}
