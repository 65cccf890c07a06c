package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
	xesstesting "github.com/xessex/rewards/utils/pkg/testing"
)

type mockSolanaRPC struct {
	getAccountInfoFunc func(context.Context, solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
	getTransactionFunc func(context.Context, solana.Signature, *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error)
}

func (m *mockSolanaRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
	if m.getAccountInfoFunc != nil {
		return m.getAccountInfoFunc(ctx, account)
	}
	return nil, solanarpc.ErrNotFound
}

func (m *mockSolanaRPC) GetTransaction(ctx context.Context, sig solana.Signature, opts *solanarpc.GetTransactionOpts) (*solanarpc.GetTransactionResult, error) {
	if m.getTransactionFunc != nil {
		return m.getTransactionFunc(ctx, sig, opts)
	}
	return nil, solanarpc.ErrNotFound
}

func testObserver(t *testing.T, rpc SolanaRPC) *RPCObserver {
	t.Helper()
	o, err := NewRPCObserver(ObserverConfig{
		Logger: xesstesting.NewLogger(),
		RPC:    rpc,
	})
	require.NoError(t, err)
	return o
}

func TestXess_Chain_PDAs(t *testing.T) {
	t.Parallel()

	program, err := NewProgram("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	require.NoError(t, err)

	t.Run("derivation is deterministic", func(t *testing.T) {
		t.Parallel()
		a, err := program.EpochRootPDA(7)
		require.NoError(t, err)
		b, err := program.EpochRootPDA(7)
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("distinct epochs derive distinct accounts", func(t *testing.T) {
		t.Parallel()
		a, err := program.EpochRootPDA(7)
		require.NoError(t, err)
		b, err := program.EpochRootPDA(8)
		require.NoError(t, err)
		require.NotEqual(t, a, b)
	})

	t.Run("receipt depends on epoch and claimer", func(t *testing.T) {
		t.Parallel()
		w1 := solana.NewWallet().PublicKey()
		w2 := solana.NewWallet().PublicKey()

		a, err := program.ReceiptPDA(3, w1)
		require.NoError(t, err)
		b, err := program.ReceiptPDA(3, w2)
		require.NoError(t, err)
		c, err := program.ReceiptPDA(4, w1)
		require.NoError(t, err)
		require.NotEqual(t, a, b)
		require.NotEqual(t, a, c)
	})

	t.Run("config PDA derives", func(t *testing.T) {
		t.Parallel()
		_, err := program.ConfigPDA()
		require.NoError(t, err)
	})
}

func TestXess_Chain_ParseWallet(t *testing.T) {
	t.Parallel()

	t.Run("round trips a real pubkey", func(t *testing.T) {
		t.Parallel()
		pk := solana.NewWallet().PublicKey()
		parsed, err := ParseWallet(pk.String())
		require.NoError(t, err)
		require.Equal(t, pk, parsed)
	})

	t.Run("rejects bad base58 and wrong lengths", func(t *testing.T) {
		t.Parallel()
		_, err := ParseWallet("not-base58-0OIl")
		require.Error(t, err)
		_, err = ParseWallet("abc")
		require.Error(t, err)
	})
}

func TestXess_Chain_AccountExists(t *testing.T) {
	t.Parallel()

	account := solana.NewWallet().PublicKey()
	program := solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	t.Run("not found means absent", func(t *testing.T) {
		t.Parallel()
		o := testObserver(t, &mockSolanaRPC{})
		exists, err := o.AccountExists(t.Context(), account, program)
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("program-owned account counts", func(t *testing.T) {
		t.Parallel()
		o := testObserver(t, &mockSolanaRPC{
			getAccountInfoFunc: func(context.Context, solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
				return &solanarpc.GetAccountInfoResult{Value: &solanarpc.Account{Lamports: 1, Owner: program}}, nil
			},
		})
		exists, err := o.AccountExists(t.Context(), account, program)
		require.NoError(t, err)
		require.True(t, exists)
	})

	t.Run("foreign-owned account does not count", func(t *testing.T) {
		t.Parallel()
		// A plain lamport transfer to the address leaves a system-owned
		// account there; it must not pass for a program PDA.
		o := testObserver(t, &mockSolanaRPC{
			getAccountInfoFunc: func(context.Context, solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
				return &solanarpc.GetAccountInfoResult{Value: &solanarpc.Account{Lamports: 1, Owner: solana.SystemProgramID}}, nil
			},
		})
		exists, err := o.AccountExists(t.Context(), account, program)
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("permanent rpc errors propagate", func(t *testing.T) {
		t.Parallel()
		o := testObserver(t, &mockSolanaRPC{
			getAccountInfoFunc: func(context.Context, solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
				return nil, errors.New("invalid param")
			},
		})
		_, err := o.AccountExists(t.Context(), account, program)
		require.Error(t, err)
	})
}

func TestXess_Chain_FetchTransaction_NotFound(t *testing.T) {
	t.Parallel()

	o := testObserver(t, &mockSolanaRPC{})
	_, err := o.FetchTransaction(t.Context(), solana.Signature{})
	require.ErrorIs(t, err, ErrTxNotFound)
}

func TestXess_Chain_TokenDeltas(t *testing.T) {
	t.Parallel()

	owner := solana.NewWallet().PublicKey()
	vault := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	balance := func(idx uint16, owner solana.PublicKey, amount string) solanarpc.TokenBalance {
		return solanarpc.TokenBalance{
			AccountIndex:  idx,
			Mint:          mint,
			Owner:         &owner,
			UiTokenAmount: &solanarpc.UiTokenAmount{Amount: amount},
		}
	}

	meta := &solanarpc.TransactionMeta{
		PreTokenBalances: []solanarpc.TokenBalance{
			balance(1, vault, "5000"),
			balance(2, owner, "100"),
		},
		PostTokenBalances: []solanarpc.TokenBalance{
			balance(1, vault, "3000"),
			balance(2, owner, "2100"),
		},
	}

	deltas := tokenDeltas(meta)
	require.Len(t, deltas, 2)
	require.Equal(t, int64(-2000), deltas[0].Delta)
	require.Equal(t, vault, deltas[0].Owner)
	require.Equal(t, int64(2000), deltas[1].Delta)
	require.Equal(t, owner, deltas[1].Owner)

	tx := &Transaction{TokenDeltas: deltas}
	require.Equal(t, int64(2000), tx.ReceivedAmount(owner, mint))
	require.Zero(t, tx.ReceivedAmount(vault, mint), "negative deltas are not received amounts")
}

func TestXess_Chain_Touches(t *testing.T) {
	t.Parallel()

	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()
	tx := &Transaction{AccountKeys: []solana.PublicKey{a}}
	require.True(t, tx.Touches(a))
	require.False(t, tx.Touches(b))
}
