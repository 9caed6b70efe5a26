package rewards

import (
	"math/big"
	"time"
)

// SnapshotStatus tracks the lifecycle of a period commitment.
type SnapshotStatus uint8

const (
	SnapshotStatusGenerating SnapshotStatus = iota
	SnapshotStatusCompleted
	SnapshotStatusFailed
)

func (s SnapshotStatus) Valid() bool {
	switch s {
	case SnapshotStatusGenerating, SnapshotStatusCompleted, SnapshotStatusFailed:
		return true
	default:
		return false
	}
}

func (s SnapshotStatus) String() string {
	switch s {
	case SnapshotStatusGenerating:
		return "generating"
	case SnapshotStatusCompleted:
		return "completed"
	case SnapshotStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entrant is one (account, amount) pair supplied by the external reward
// computation when a period is committed.
type Entrant struct {
	Account [20]byte
	Amount  *big.Int
}

// Leaf is one committed entitlement inside a period, carrying the sibling
// hashes needed to recompute the period root from the leaf hash.
type Leaf struct {
	Account   [20]byte
	Amount    *big.Int
	LeafIndex uint32
	Proof     [][32]byte
}

// Clone produces a deep copy so callers cannot mutate stored state.
func (l *Leaf) Clone() *Leaf {
	if l == nil {
		return nil
	}
	clone := &Leaf{Account: l.Account, LeafIndex: l.LeafIndex}
	if l.Amount != nil {
		clone.Amount = new(big.Int).Set(l.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if len(l.Proof) > 0 {
		clone.Proof = make([][32]byte, len(l.Proof))
		copy(clone.Proof, l.Proof)
	}
	return clone
}

// Snapshot is the committed record for one period. Once the status reaches
// Completed the root and leaves never change; corrections require a new
// period.
type Snapshot struct {
	PeriodID     uint64
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Root         [32]byte
	Leaves       []*Leaf
	TotalAmount  *big.Int
	Status       SnapshotStatus
	FailureCause string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	clone := &Snapshot{
		PeriodID:     s.PeriodID,
		PeriodStart:  s.PeriodStart,
		PeriodEnd:    s.PeriodEnd,
		Root:         s.Root,
		Status:       s.Status,
		FailureCause: s.FailureCause,
		CreatedAt:    s.CreatedAt,
	}
	if s.TotalAmount != nil {
		clone.TotalAmount = new(big.Int).Set(s.TotalAmount)
	} else {
		clone.TotalAmount = big.NewInt(0)
	}
	if len(s.Leaves) > 0 {
		clone.Leaves = make([]*Leaf, len(s.Leaves))
		for i, leaf := range s.Leaves {
			clone.Leaves[i] = leaf.Clone()
		}
	}
	if s.CompletedAt != nil {
		ts := *s.CompletedAt
		clone.CompletedAt = &ts
	}
	return clone
}

// ClaimRecord is the immutable audit entry produced by a successful batch
// claim. At most one record may ever exist per (period, leaf index).
type ClaimRecord struct {
	PeriodID      uint64
	LeafIndex     uint32
	Account       [20]byte
	Amount        *big.Int
	RedeemedAt    time.Time
	SettlementRef string
}

func (r *ClaimRecord) Clone() *ClaimRecord {
	if r == nil {
		return nil
	}
	clone := &ClaimRecord{
		PeriodID:      r.PeriodID,
		LeafIndex:     r.LeafIndex,
		Account:       r.Account,
		RedeemedAt:    r.RedeemedAt,
		SettlementRef: r.SettlementRef,
	}
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return clone
}

// PeriodStats aggregates redemption progress for one period.
type PeriodStats struct {
	PeriodID      uint64
	TotalEntitled *big.Int
	TotalClaimed  *big.Int
	LeafCount     int
	ClaimedCount  int
}

// ClaimRate returns claimed-over-entitled as a ratio, zero when nothing has
// been entitled.
func (s *PeriodStats) ClaimRate() *big.Rat {
	if s == nil || s.TotalEntitled == nil || s.TotalEntitled.Sign() <= 0 {
		return new(big.Rat)
	}
	claimed := s.TotalClaimed
	if claimed == nil {
		claimed = big.NewInt(0)
	}
	return new(big.Rat).SetFrac(new(big.Int).Set(claimed), new(big.Int).Set(s.TotalEntitled))
}
