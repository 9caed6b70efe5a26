package rewards

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
)

func testEntrants(amounts ...int64) []Entrant {
	entrants := make([]Entrant, len(amounts))
	for i, amount := range amounts {
		var addr [20]byte
		addr[0] = byte(i + 1)
		entrants[i] = Entrant{Account: addr, Amount: big.NewInt(amount)}
	}
	return entrants
}

func TestBuildCommitmentDeterminism(t *testing.T) {
	entrants := testEntrants(100, 75, 150, 20, 999)
	first, err := BuildCommitment(entrants)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := BuildCommitment(entrants)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if first.Root != second.Root {
		t.Fatalf("roots differ across identical builds")
	}
	for i := range first.Proofs {
		if len(first.Proofs[i]) != len(second.Proofs[i]) {
			t.Fatalf("proof %d length differs", i)
		}
		for j := range first.Proofs[i] {
			if first.Proofs[i][j] != second.Proofs[i][j] {
				t.Fatalf("proof %d sibling %d differs", i, j)
			}
		}
	}
}

func TestBuildCommitmentRejectsBadInput(t *testing.T) {
	if _, err := BuildCommitment(nil); !errors.Is(err, ErrEmptyPeriod) {
		t.Fatalf("expected ErrEmptyPeriod, got %v", err)
	}
	entrants := testEntrants(10, 20)
	entrants[1].Amount = big.NewInt(-5)
	if _, err := BuildCommitment(entrants); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	entrants[1].Amount = nil
	if _, err := BuildCommitment(entrants); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil amount, got %v", err)
	}
	dup := testEntrants(10, 20)
	dup[1].Account = dup[0].Account
	if _, err := BuildCommitment(dup); !errors.Is(err, ErrDuplicateEntrant) {
		t.Fatalf("expected ErrDuplicateEntrant, got %v", err)
	}
}

func TestProofSoundnessAcrossSizes(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4, 5, 7, 8, 9, 33} {
		amounts := make([]int64, size)
		for i := range amounts {
			amounts[i] = int64(i+1) * 11
		}
		entrants := testEntrants(amounts...)
		commitment, err := BuildCommitment(entrants)
		if err != nil {
			t.Fatalf("size %d: build: %v", size, err)
		}
		for i, entrant := range entrants {
			if !VerifyProof(commitment.Root, entrant.Account, entrant.Amount, commitment.Proofs[i]) {
				t.Fatalf("size %d: leaf %d does not verify", size, i)
			}
		}
	}
}

func TestProofRejectsTampering(t *testing.T) {
	entrants := testEntrants(100, 75, 150)
	commitment, err := BuildCommitment(entrants)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	target := entrants[1]
	proof := commitment.Proofs[1]

	mutated := make([][32]byte, len(proof))
	copy(mutated, proof)
	mutated[0][5] ^= 0x01
	if VerifyProof(commitment.Root, target.Account, target.Amount, mutated) {
		t.Fatalf("mutated proof byte verified")
	}
	if VerifyProof(commitment.Root, target.Account, big.NewInt(76), proof) {
		t.Fatalf("mutated amount verified")
	}
	otherAccount := target.Account
	otherAccount[19] ^= 0x01
	if VerifyProof(commitment.Root, otherAccount, target.Amount, proof) {
		t.Fatalf("mutated account verified")
	}
	if VerifyProof(commitment.Root, target.Account, target.Amount, commitment.Proofs[0]) {
		t.Fatalf("sibling leaf's proof verified for wrong leaf")
	}
}

// Odd leaf counts duplicate the last node at each level before pairing. The
// rule lives in one place shared by build and verify; this pins the exact
// tree shape so a silent change breaks loudly.
func TestOddLeafDuplication(t *testing.T) {
	entrants := testEntrants(1, 2, 3)
	commitment, err := BuildCommitment(entrants)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	l0 := LeafHash(entrants[0].Account, entrants[0].Amount)
	l1 := LeafHash(entrants[1].Account, entrants[1].Amount)
	l2 := LeafHash(entrants[2].Account, entrants[2].Amount)
	p01 := combine(l0, l1)
	p22 := combine(l2, l2)
	root := combine(p01, p22)
	if commitment.Root != root {
		t.Fatalf("3-leaf root does not match hand-built duplication tree")
	}
	expected := [][32]byte{l2, p01}
	if len(commitment.Proofs[2]) != len(expected) {
		t.Fatalf("leaf 2 proof length = %d, want %d", len(commitment.Proofs[2]), len(expected))
	}
	for i := range expected {
		if commitment.Proofs[2][i] != expected[i] {
			t.Fatalf("leaf 2 proof sibling %d mismatch", i)
		}
	}
}

func TestSingleLeafCommitment(t *testing.T) {
	entrants := testEntrants(42)
	commitment, err := BuildCommitment(entrants)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	leaf := LeafHash(entrants[0].Account, entrants[0].Amount)
	if commitment.Root != leaf {
		t.Fatalf("single-leaf root must equal the leaf hash")
	}
	if len(commitment.Proofs[0]) != 0 {
		t.Fatalf("single-leaf proof must be empty")
	}
}

func TestCombineIsOrderInsensitive(t *testing.T) {
	a := LeafHash([20]byte{1}, big.NewInt(1))
	b := LeafHash([20]byte{2}, big.NewInt(2))
	ab := combine(a, b)
	if ab != combine(b, a) {
		t.Fatalf("sorted-pair combine must ignore argument order")
	}
	if bytes.Equal(ab[:], a[:]) || bytes.Equal(ab[:], b[:]) {
		t.Fatalf("combine must not pass a child through")
	}
}
