// Package chain observes the Solana claim program: PDA derivation,
// account existence and decoded transaction lookups.
package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Program wraps the claim program id and derives its PDAs.
type Program struct {
	ID solana.PublicKey
}

// NewProgram parses a base58 program id.
func NewProgram(programID string) (Program, error) {
	pk, err := ParseWallet(programID)
	if err != nil {
		return Program{}, fmt.Errorf("invalid program id %q: %w", programID, err)
	}
	return Program{ID: pk}, nil
}

// ParseWallet decodes a base58 wallet address, rejecting strings that
// are not exactly 32 bytes.
func ParseWallet(address string) (solana.PublicKey, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid base58 address %q: %w", address, err)
	}
	if len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, fmt.Errorf("address %q decodes to %d bytes, want %d", address, len(raw), solana.PublicKeyLength)
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// ConfigPDA derives the program config account.
func (p Program) ConfigPDA() (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{[]byte("config")}, p.ID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive config PDA: %w", err)
	}
	return pda, nil
}

// EpochRootPDA derives the epoch-root account holding an epoch's
// published merkle root.
func (p Program) EpochRootPDA(epoch uint64) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{
		[]byte("epoch_root"),
		u64LE(epoch),
	}, p.ID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive epoch root PDA for %d: %w", epoch, err)
	}
	return pda, nil
}

// ReceiptPDA derives the claim receipt account for a claimer in an
// epoch. Its existence on-chain proves the claim settled.
func (p Program) ReceiptPDA(epoch uint64, claimer solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{
		[]byte("receipt_v2"),
		u64LE(epoch),
		claimer.Bytes(),
	}, p.ID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive receipt PDA for %d: %w", epoch, err)
	}
	return pda, nil
}

func u64LE(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
