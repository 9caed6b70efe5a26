package rewards

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"rewardhub/core/events"
	"rewardhub/core/types"
	"rewardhub/storage"
)

const (
	snapshotIndexKey    = "rewards/snapshot/index"
	snapshotKeyFormat   = "rewards/snapshot/%020d"
	defaultListPageSize = 20
	maxListPageSize     = 100
)

// SnapshotStore persists one commitment per period. Once a period reaches
// Completed its record is never rewritten; corrections require a new period.
type SnapshotStore struct {
	db   storage.Database
	mu   sync.Mutex
	now  func() time.Time
	sink func(*types.Event)
}

// NewSnapshotStore constructs a store backed by the supplied key-value
// database.
func NewSnapshotStore(db storage.Database) *SnapshotStore {
	return &SnapshotStore{db: db, now: time.Now}
}

// SetClock overrides the store clock, primarily for deterministic testing.
func (s *SnapshotStore) SetClock(now func() time.Time) {
	if s == nil || now == nil {
		return
	}
	s.now = now
}

// SetEventSink registers a receiver for lifecycle events.
func (s *SnapshotStore) SetEventSink(sink func(*types.Event)) {
	if s == nil {
		return
	}
	s.sink = sink
}

func (s *SnapshotStore) emit(evt *types.Event) {
	if s.sink != nil && evt != nil {
		s.sink(evt)
	}
}

type storedLeaf struct {
	Account   []byte
	Amount    []byte
	LeafIndex uint32
	Proof     [][]byte
}

type storedSnapshot struct {
	PeriodID     uint64
	PeriodStart  uint64
	PeriodEnd    uint64
	Root         []byte
	Leaves       []storedLeaf
	TotalAmount  []byte
	Status       uint8
	FailureCause string
	CreatedAt    uint64
	CompletedAt  uint64
}

// Create commits a period. It rejects the call when any snapshot, completed
// or still generating, exists for periodID, builds the commitment from the
// supplied entrants and transitions the record Generating -> Completed, or
// Generating -> Failed with a cause when construction fails. The failed
// record is kept so the rejection is durable and auditable.
func (s *SnapshotStore) Create(periodID uint64, start, end time.Time, entrants []Entrant) (*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("rewards: snapshot store not initialised")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Completed and generating snapshots block the period id forever; a
	// failed build may be retried with corrected input.
	existing, err := s.load(periodID)
	if err != nil && !errors.Is(err, ErrUnknownPeriod) {
		return nil, err
	}
	if existing != nil && existing.Status != SnapshotStatusFailed {
		return nil, fmt.Errorf("%w: %d", ErrPeriodAlreadyExists, periodID)
	}

	now := s.now().UTC()
	snapshot := &Snapshot{
		PeriodID:    periodID,
		PeriodStart: start.UTC(),
		PeriodEnd:   end.UTC(),
		TotalAmount: big.NewInt(0),
		Status:      SnapshotStatusGenerating,
		CreatedAt:   now,
	}
	if err := s.write(snapshot); err != nil {
		return nil, err
	}

	commitment, err := BuildCommitment(entrants)
	if err != nil {
		snapshot.Status = SnapshotStatusFailed
		snapshot.FailureCause = err.Error()
		if writeErr := s.write(snapshot); writeErr != nil {
			return nil, writeErr
		}
		s.emit(events.SnapshotFailed{PeriodID: periodID, Cause: err.Error()}.Event())
		return nil, err
	}

	total := big.NewInt(0)
	leaves := make([]*Leaf, len(entrants))
	for i, entrant := range entrants {
		total.Add(total, entrant.Amount)
		leaves[i] = &Leaf{
			Account:   entrant.Account,
			Amount:    new(big.Int).Set(entrant.Amount),
			LeafIndex: uint32(i),
			Proof:     commitment.Proofs[i],
		}
	}
	completed := s.now().UTC()
	snapshot.Root = commitment.Root
	snapshot.Leaves = leaves
	snapshot.TotalAmount = total
	snapshot.Status = SnapshotStatusCompleted
	snapshot.CompletedAt = &completed
	if err := s.write(snapshot); err != nil {
		return nil, err
	}
	if err := s.appendIndex(periodID); err != nil {
		return nil, err
	}
	s.emit(events.SnapshotCompleted{
		PeriodID:    periodID,
		Root:        commitment.Root,
		Leaves:      len(leaves),
		TotalAmount: total,
	}.Event())
	return snapshot.Clone(), nil
}

// Get loads the snapshot for a period, failed and generating records
// included.
func (s *SnapshotStore) Get(periodID uint64) (*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("rewards: snapshot store not initialised")
	}
	return s.load(periodID)
}

// GetLeaf returns the committed entitlement for one account in a period,
// proof included. Only completed snapshots are consulted.
func (s *SnapshotStore) GetLeaf(periodID uint64, account [20]byte) (*Leaf, error) {
	snapshot, err := s.load(periodID)
	if err != nil {
		return nil, err
	}
	if snapshot.Status != SnapshotStatusCompleted {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeriod, periodID)
	}
	for _, leaf := range snapshot.Leaves {
		if leaf.Account == account {
			return leaf.Clone(), nil
		}
	}
	return nil, ErrLeafNotFound
}

// List returns snapshots ordered by period id descending. Pages are
// 1-based; size is clamped to a sane maximum.
func (s *SnapshotStore) List(page, size int) ([]*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("rewards: snapshot store not initialised")
	}
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultListPageSize
	}
	if size > maxListPageSize {
		size = maxListPageSize
	}
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	sort.Slice(index, func(i, j int) bool { return index[i] > index[j] })
	offset := (page - 1) * size
	if offset >= len(index) {
		return []*Snapshot{}, nil
	}
	endIdx := offset + size
	if endIdx > len(index) {
		endIdx = len(index)
	}
	out := make([]*Snapshot, 0, endIdx-offset)
	for _, id := range index[offset:endIdx] {
		snapshot, err := s.load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot)
	}
	return out, nil
}

func snapshotKey(periodID uint64) []byte {
	return []byte(fmt.Sprintf(snapshotKeyFormat, periodID))
}

func (s *SnapshotStore) write(snapshot *Snapshot) error {
	stored := storedSnapshot{
		PeriodID:     snapshot.PeriodID,
		PeriodStart:  uint64(snapshot.PeriodStart.Unix()),
		PeriodEnd:    uint64(snapshot.PeriodEnd.Unix()),
		Root:         append([]byte(nil), snapshot.Root[:]...),
		TotalAmount:  snapshot.TotalAmount.Bytes(),
		Status:       uint8(snapshot.Status),
		FailureCause: snapshot.FailureCause,
		CreatedAt:    uint64(snapshot.CreatedAt.Unix()),
	}
	if snapshot.CompletedAt != nil {
		stored.CompletedAt = uint64(snapshot.CompletedAt.Unix())
	}
	stored.Leaves = make([]storedLeaf, len(snapshot.Leaves))
	for i, leaf := range snapshot.Leaves {
		entry := storedLeaf{
			Account:   append([]byte(nil), leaf.Account[:]...),
			Amount:    leaf.Amount.Bytes(),
			LeafIndex: leaf.LeafIndex,
		}
		entry.Proof = make([][]byte, len(leaf.Proof))
		for j, sibling := range leaf.Proof {
			entry.Proof[j] = append([]byte(nil), sibling[:]...)
		}
		stored.Leaves[i] = entry
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return s.db.Put(snapshotKey(snapshot.PeriodID), encoded)
}

func (s *SnapshotStore) load(periodID uint64) (*Snapshot, error) {
	data, err := s.db.Get(snapshotKey(periodID))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownPeriod, periodID)
		}
		return nil, err
	}
	var stored storedSnapshot
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	snapshot := &Snapshot{
		PeriodID:     stored.PeriodID,
		PeriodStart:  time.Unix(int64(stored.PeriodStart), 0).UTC(),
		PeriodEnd:    time.Unix(int64(stored.PeriodEnd), 0).UTC(),
		Status:       SnapshotStatus(stored.Status),
		FailureCause: stored.FailureCause,
		CreatedAt:    time.Unix(int64(stored.CreatedAt), 0).UTC(),
		TotalAmount:  new(big.Int).SetBytes(stored.TotalAmount),
	}
	copy(snapshot.Root[:], stored.Root)
	if stored.CompletedAt > 0 {
		ts := time.Unix(int64(stored.CompletedAt), 0).UTC()
		snapshot.CompletedAt = &ts
	}
	snapshot.Leaves = make([]*Leaf, len(stored.Leaves))
	for i, entry := range stored.Leaves {
		leaf := &Leaf{
			Amount:    new(big.Int).SetBytes(entry.Amount),
			LeafIndex: entry.LeafIndex,
		}
		copy(leaf.Account[:], entry.Account)
		leaf.Proof = make([][32]byte, len(entry.Proof))
		for j, sibling := range entry.Proof {
			copy(leaf.Proof[j][:], sibling)
		}
		snapshot.Leaves[i] = leaf
	}
	return snapshot, nil
}

func (s *SnapshotStore) loadIndex() ([]uint64, error) {
	data, err := s.db.Get([]byte(snapshotIndexKey))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return []uint64{}, nil
		}
		return nil, err
	}
	var index []uint64
	if err := rlp.DecodeBytes(data, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (s *SnapshotStore) appendIndex(periodID uint64) error {
	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, existing := range index {
		if existing == periodID {
			return nil
		}
	}
	index = append(index, periodID)
	encoded, err := rlp.EncodeToBytes(index)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(snapshotIndexKey), encoded)
}
