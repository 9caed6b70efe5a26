package rewards

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"rewardhub/core/events"
	"rewardhub/core/settlement"
	"rewardhub/core/types"
	"rewardhub/storage"
)

const (
	claimRecordKeyFormat = "rewards/claim/%020d/%010d"
	claimBitmapKeyFormat = "rewards/claimed/%020d"
	claimWordBits        = 64
)

// indexSet is a dense per-period claimed bitmap. Test-and-set is a single
// compare-and-swap on one word, so two concurrent claims for the same leaf
// index can never both pass without any per-leaf locking.
type indexSet struct {
	words []atomic.Uint64
}

func newIndexSet(size int) *indexSet {
	return &indexSet{words: make([]atomic.Uint64, (size+claimWordBits-1)/claimWordBits)}
}

func (s *indexSet) testAndSet(index uint32) bool {
	word := &s.words[index/claimWordBits]
	mask := uint64(1) << (index % claimWordBits)
	for {
		old := word.Load()
		if old&mask != 0 {
			return false
		}
		if word.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

func (s *indexSet) test(index uint32) bool {
	return s.words[index/claimWordBits].Load()&(uint64(1)<<(index%claimWordBits)) != 0
}

func (s *indexSet) clear(index uint32) {
	word := &s.words[index/claimWordBits]
	mask := uint64(1) << (index % claimWordBits)
	for {
		old := word.Load()
		if word.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

func (s *indexSet) snapshot() []uint64 {
	out := make([]uint64, len(s.words))
	for i := range s.words {
		out[i] = s.words[i].Load()
	}
	return out
}

func (s *indexSet) restore(words []uint64) {
	for i := 0; i < len(words) && i < len(s.words); i++ {
		s.words[i].Store(words[i])
	}
}

type periodClaims struct {
	snapshot *Snapshot
	set      *indexSet
}

// ClaimEngine redeems committed entitlements. Each (period, leaf index)
// moves Unclaimed -> Claimed exactly once; the transition is guarded by the
// per-period bitmap and evidenced by an immutable ClaimRecord.
type ClaimEngine struct {
	store  *SnapshotStore
	db     storage.Database
	settle settlement.Authorizer
	now    func() time.Time
	sink   func(*types.Event)

	mu      sync.Mutex
	periods map[uint64]*periodClaims
}

// NewClaimEngine constructs a claim engine sharing the snapshot store's
// database for claim records and bitmap persistence.
func NewClaimEngine(store *SnapshotStore, db storage.Database, settle settlement.Authorizer) *ClaimEngine {
	return &ClaimEngine{
		store:   store,
		db:      db,
		settle:  settle,
		now:     time.Now,
		periods: make(map[uint64]*periodClaims),
	}
}

// SetClock overrides the engine clock, primarily for deterministic testing.
func (e *ClaimEngine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// SetEventSink registers a receiver for claim events.
func (e *ClaimEngine) SetEventSink(sink func(*types.Event)) {
	if e == nil {
		return
	}
	e.sink = sink
}

func (e *ClaimEngine) emit(evt *types.Event) {
	if e.sink != nil && evt != nil {
		e.sink(evt)
	}
}

// Claim verifies the proof for (account, amount) against the committed root
// of the period and, on the first valid request for the leaf index, marks it
// consumed, appends the claim record and authorizes the transfer.
//
// ErrAlreadyClaimed is terminal from the caller's point of view: the leaf
// was redeemed, retrying cannot succeed.
func (e *ClaimEngine) Claim(periodID uint64, leafIndex uint32, account [20]byte, amount *big.Int, proof [][32]byte) (*ClaimRecord, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("rewards: claim engine not initialised")
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	period, err := e.claimsFor(periodID)
	if err != nil {
		return nil, err
	}
	if int(leafIndex) >= len(period.snapshot.Leaves) {
		return nil, fmt.Errorf("%w: index %d", ErrLeafOutOfRange, leafIndex)
	}
	// The leaf index is caller-supplied; bind it to the committed leaf so a
	// valid proof cannot be replayed against a different index.
	committed := period.snapshot.Leaves[leafIndex]
	if committed.Account != account || committed.Amount.Cmp(amount) != 0 {
		return nil, ErrInvalidProof
	}
	if !VerifyProof(period.snapshot.Root, account, amount, proof) {
		return nil, ErrInvalidProof
	}
	if !period.set.testAndSet(leafIndex) {
		return nil, ErrAlreadyClaimed
	}

	record, err := e.finalize(period, periodID, leafIndex, account, amount)
	if err != nil {
		period.set.clear(leafIndex)
		return nil, err
	}
	e.emit(events.RewardClaimed{
		PeriodID:      periodID,
		LeafIndex:     leafIndex,
		Account:       account,
		Amount:        record.Amount,
		SettlementRef: record.SettlementRef,
	}.Event())
	return record, nil
}

// GetClaim returns the audit record for a redeemed leaf, if any.
func (e *ClaimEngine) GetClaim(periodID uint64, leafIndex uint32) (*ClaimRecord, bool, error) {
	if e == nil || e.db == nil {
		return nil, false, errors.New("rewards: claim engine not initialised")
	}
	key := []byte(fmt.Sprintf(claimRecordKeyFormat, periodID, leafIndex))
	data, err := e.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var stored storedClaimRecord
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	record := &ClaimRecord{
		PeriodID:      stored.PeriodID,
		LeafIndex:     stored.LeafIndex,
		Amount:        new(big.Int).SetBytes(stored.Amount),
		RedeemedAt:    time.Unix(int64(stored.RedeemedAt), 0).UTC(),
		SettlementRef: stored.SettlementRef,
	}
	copy(record.Account[:], stored.Account)
	return record, true, nil
}

// Stats aggregates redemption progress for one period.
func (e *ClaimEngine) Stats(periodID uint64) (*PeriodStats, error) {
	period, err := e.claimsFor(periodID)
	if err != nil {
		return nil, err
	}
	stats := &PeriodStats{
		PeriodID:      periodID,
		TotalEntitled: new(big.Int).Set(period.snapshot.TotalAmount),
		TotalClaimed:  big.NewInt(0),
		LeafCount:     len(period.snapshot.Leaves),
	}
	for _, leaf := range period.snapshot.Leaves {
		if period.set.test(leaf.LeafIndex) {
			stats.ClaimedCount++
			stats.TotalClaimed.Add(stats.TotalClaimed, leaf.Amount)
		}
	}
	return stats, nil
}

// Claimed reports whether the leaf index has been redeemed.
func (e *ClaimEngine) Claimed(periodID uint64, leafIndex uint32) (bool, error) {
	period, err := e.claimsFor(periodID)
	if err != nil {
		return false, err
	}
	if int(leafIndex) >= len(period.snapshot.Leaves) {
		return false, fmt.Errorf("%w: index %d", ErrLeafOutOfRange, leafIndex)
	}
	return period.set.test(leafIndex), nil
}

// claimsFor resolves the completed snapshot and its claimed bitmap,
// rehydrating persisted bitmap words on first touch after a restart.
func (e *ClaimEngine) claimsFor(periodID uint64) (*periodClaims, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.periods[periodID]; ok {
		return cached, nil
	}
	snapshot, err := e.store.Get(periodID)
	if err != nil {
		return nil, err
	}
	if snapshot.Status != SnapshotStatusCompleted {
		// Generating and failed periods have no redeemable commitment.
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeriod, periodID)
	}
	set := newIndexSet(len(snapshot.Leaves))
	data, err := e.db.Get([]byte(fmt.Sprintf(claimBitmapKeyFormat, periodID)))
	if err == nil {
		var words []uint64
		if err := rlp.DecodeBytes(data, &words); err != nil {
			return nil, err
		}
		set.restore(words)
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return nil, err
	}
	period := &periodClaims{snapshot: snapshot, set: set}
	e.periods[periodID] = period
	return period, nil
}

type storedClaimRecord struct {
	PeriodID      uint64
	LeafIndex     uint32
	Account       []byte
	Amount        []byte
	RedeemedAt    uint64
	SettlementRef string
}

// finalize authorizes the transfer and persists the claim record and bitmap.
// The caller clears the claimed bit when finalize fails, so a storage or
// settlement error leaves no partial state.
func (e *ClaimEngine) finalize(period *periodClaims, periodID uint64, leafIndex uint32, account [20]byte, amount *big.Int) (*ClaimRecord, error) {
	ref, err := e.settle.Authorize(account, amount, fmt.Sprintf("rewards:%d:%d", periodID, leafIndex))
	if err != nil {
		return nil, err
	}
	record := &ClaimRecord{
		PeriodID:      periodID,
		LeafIndex:     leafIndex,
		Account:       account,
		Amount:        new(big.Int).Set(amount),
		RedeemedAt:    e.now().UTC(),
		SettlementRef: ref,
	}
	encoded, err := rlp.EncodeToBytes(storedClaimRecord{
		PeriodID:      record.PeriodID,
		LeafIndex:     record.LeafIndex,
		Account:       append([]byte(nil), account[:]...),
		Amount:        record.Amount.Bytes(),
		RedeemedAt:    uint64(record.RedeemedAt.Unix()),
		SettlementRef: ref,
	})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := []byte(fmt.Sprintf(claimRecordKeyFormat, periodID, leafIndex))
	if err := e.db.Put(key, encoded); err != nil {
		return nil, err
	}
	words, err := rlp.EncodeToBytes(period.set.snapshot())
	if err != nil {
		return nil, err
	}
	if err := e.db.Put([]byte(fmt.Sprintf(claimBitmapKeyFormat, periodID)), words); err != nil {
		return nil, err
	}
	return record, nil
}
