package rewards

import (
	"bytes"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// leafDomainTag prefixes every leaf preimage so an entitlement hash can never
// be reinterpreted as an internal node or as a leaf of another structure.
const leafDomainTag = "rewardhub/entitlement/v1"

// Commitment is the output of building a period's hash tree: the root plus
// one sibling-hash path per leaf, in entrant order.
type Commitment struct {
	Root   [32]byte
	Proofs [][][32]byte
}

// LeafHash computes the domain-separated hash of one entitlement. Amounts
// are encoded as 32-byte big-endian integers so the preimage has a fixed
// shape regardless of magnitude.
func LeafHash(account [20]byte, amount *big.Int) [32]byte {
	var amt [32]byte
	if amount != nil && amount.Sign() > 0 {
		amount.FillBytes(amt[:])
	}
	buf := make([]byte, 0, len(leafDomainTag)+len(account)+len(amt))
	buf = append(buf, leafDomainTag...)
	buf = append(buf, account[:]...)
	buf = append(buf, amt[:]...)
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(buf))
	return out
}

// combine hashes two child nodes into their parent. Children are ordered by
// byte value before concatenation, so proof verification needs only the
// sibling hash at each level and no left/right flag.
func combine(a, b [32]byte) [32]byte {
	var out [32]byte
	if bytes.Compare(a[:], b[:]) <= 0 {
		copy(out[:], ethcrypto.Keccak256(a[:], b[:]))
	} else {
		copy(out[:], ethcrypto.Keccak256(b[:], a[:]))
	}
	return out
}

// BuildCommitment hashes the entrants into leaves and builds the binary tree
// over them. Levels with an odd node count duplicate their last node before
// pairing; the same rule is baked into VerifyProof, which walks the very
// same combine step, so generation and verification cannot drift apart.
//
// The build is deterministic: the same ordered input always reproduces the
// same root and proofs bit-for-bit.
func BuildCommitment(entrants []Entrant) (*Commitment, error) {
	if len(entrants) == 0 {
		return nil, ErrEmptyPeriod
	}
	seen := make(map[[20]byte]struct{}, len(entrants))
	level := make([][32]byte, len(entrants))
	for i, entrant := range entrants {
		if entrant.Amount == nil || entrant.Amount.Sign() < 0 {
			return nil, fmt.Errorf("%w: entrant %d", ErrInvalidAmount, i)
		}
		if _, ok := seen[entrant.Account]; ok {
			return nil, fmt.Errorf("%w: entrant %d", ErrDuplicateEntrant, i)
		}
		seen[entrant.Account] = struct{}{}
		level[i] = LeafHash(entrant.Account, entrant.Amount)
	}

	proofs := make([][][32]byte, len(entrants))
	positions := make([]int, len(entrants))
	for i := range positions {
		positions[i] = i
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		for i := range positions {
			sibling := positions[i] ^ 1
			proofs[i] = append(proofs[i], level[sibling])
			positions[i] >>= 1
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = combine(level[i], level[i+1])
		}
		level = next
	}

	return &Commitment{Root: level[0], Proofs: proofs}, nil
}

// VerifyProof recomputes the candidate root for (account, amount) by folding
// the sibling hashes into the leaf hash and reports whether it matches root.
func VerifyProof(root [32]byte, account [20]byte, amount *big.Int, proof [][32]byte) bool {
	if amount == nil || amount.Sign() < 0 {
		return false
	}
	node := LeafHash(account, amount)
	for _, sibling := range proof {
		node = combine(node, sibling)
	}
	return node == root
}
