// Package merkle implements the claim-tree primitives shared with the
// on-chain claim program. Hashing is keccak256 to match the program's
// solana_program::keccak::hashv verification.
//
// Leaf preimage layout (fixed, little-endian integers):
//
//	userKey(32) || epoch u64 || amount u64 || index u32 || salt(32)
//
// Odd layers pad by duplicating the last node. Both rules are load-bearing:
// proof verification on-chain depends on them byte for byte.
package merkle

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/crypto/sha3"
)

// HashSize is the size of every node hash, user key and salt.
const HashSize = 32

// Hash32 is a 32-byte keccak256 digest.
type Hash32 [HashSize]byte

// ErrNoLeaves is returned when building a tree from an empty leaf set.
var ErrNoLeaves = errors.New("merkle: no leaves")

// Leaf is the fixed-field encoding of one claim entry.
type Leaf struct {
	UserKey Hash32
	Epoch   uint64
	Amount  uint64
	Index   uint32
	Salt    Hash32
}

// Keccak256 hashes the concatenation of the given byte slices.
func Keccak256(parts ...[]byte) Hash32 {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// Hash computes the leaf digest over the fixed-field encoding.
func (l Leaf) Hash() Hash32 {
	var epochLE, amountLE [8]byte
	var indexLE [4]byte
	binary.LittleEndian.PutUint64(epochLE[:], l.Epoch)
	binary.LittleEndian.PutUint64(amountLE[:], l.Amount)
	binary.LittleEndian.PutUint32(indexLE[:], l.Index)
	return Keccak256(l.UserKey[:], epochLE[:], amountLE[:], indexLE[:], l.Salt[:])
}

func parentHash(left, right Hash32) Hash32 {
	return Keccak256(left[:], right[:])
}

// Tree holds every layer of a built tree, leaves first.
type Tree struct {
	Layers [][]Hash32
}

// Root returns the tree's root hash.
func (t *Tree) Root() Hash32 {
	top := t.Layers[len(t.Layers)-1]
	return top[0]
}

// Build constructs a binary merkle tree bottom-up. Layers with an odd node
// count duplicate their last node to form the final pair.
func Build(leaves []Hash32) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	layers := [][]Hash32{leaves}
	for len(layers[len(layers)-1]) > 1 {
		prev := layers[len(layers)-1]
		next := make([]Hash32, 0, (len(prev)+1)/2)
		for i := 0; i < len(prev); i += 2 {
			left := prev[i]
			right := left
			if i+1 < len(prev) {
				right = prev[i+1]
			}
			next = append(next, parentHash(left, right))
		}
		layers = append(layers, next)
	}
	return &Tree{Layers: layers}, nil
}

// Proof returns the ordered sibling hashes for the leaf at index. A missing
// sibling (odd layer end) duplicates the node itself, mirroring Build.
func (t *Tree) Proof(index int) ([]Hash32, error) {
	if index < 0 || index >= len(t.Layers[0]) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.Layers[0]))
	}

	proof := make([]Hash32, 0, len(t.Layers)-1)
	idx := index
	for layer := 0; layer < len(t.Layers)-1; layer++ {
		nodes := t.Layers[layer]
		siblingIdx := idx ^ 1
		if siblingIdx >= len(nodes) {
			siblingIdx = idx
		}
		proof = append(proof, nodes[siblingIdx])
		idx /= 2
	}
	return proof, nil
}

// Verify walks a proof from leaf to root. The leaf index determines whether
// each step hashes the node as left or right child.
func Verify(leaf Hash32, proof []Hash32, root Hash32, index int) bool {
	node := leaf
	idx := index
	for _, sibling := range proof {
		if idx&1 == 1 {
			node = parentHash(sibling, node)
		} else {
			node = parentHash(node, sibling)
		}
		idx /= 2
	}
	return node == root
}

// NewSalt generates a cryptographically random 32-byte salt.
func NewSalt() (Hash32, error) {
	var s Hash32
	if _, err := rand.Read(s[:]); err != nil {
		return Hash32{}, fmt.Errorf("merkle: failed to generate salt: %w", err)
	}
	return s, nil
}

// UserKeyFromWallet derives a user key from a wallet public key: the raw
// 32 pubkey bytes, matching on-chain claimer-derived identity.
func UserKeyFromWallet(wallet solana.PublicKey) Hash32 {
	var k Hash32
	copy(k[:], wallet.Bytes())
	return k
}

// UserKeyFromUserID derives a user key for users without a linked wallet:
// keccak256 of the user id. Such leaves become claimable once the user links
// a wallet and the epoch is rebuilt; until publication that is always safe.
func UserKeyFromUserID(userID string) Hash32 {
	return Keccak256([]byte(userID))
}

// Hex renders a hash as lowercase hex without a 0x prefix.
func (h Hash32) Hex() string {
	return hex.EncodeToString(h[:])
}

// ParseHex parses a 64-char hex string, tolerating a 0x prefix.
func ParseHex(s string) (Hash32, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s) != HashSize*2 {
		return Hash32{}, fmt.Errorf("merkle: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash32{}, fmt.Errorf("merkle: invalid hex: %w", err)
	}
	var out Hash32
	copy(out[:], b)
	return out, nil
}

// ProofToHex converts a proof path to hex strings for storage.
func ProofToHex(proof []Hash32) []string {
	out := make([]string, len(proof))
	for i, p := range proof {
		out[i] = p.Hex()
	}
	return out
}

// ProofFromHex parses a stored hex proof path.
func ProofFromHex(proofHex []string) ([]Hash32, error) {
	out := make([]Hash32, len(proofHex))
	for i, s := range proofHex {
		h, err := ParseHex(s)
		if err != nil {
			return nil, fmt.Errorf("merkle: proof element %d: %w", i, err)
		}
		out[i] = h
	}
	return out, nil
}
