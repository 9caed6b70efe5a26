package rewards

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"rewardhub/core/types"
	"rewardhub/storage"
)

func testStore(t *testing.T) *SnapshotStore {
	t.Helper()
	store := NewSnapshotStore(storage.NewMemDB())
	store.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return store
}

func periodBounds() (time.Time, time.Time) {
	start := time.Unix(1_699_000_000, 0).UTC()
	return start, start.Add(7 * 24 * time.Hour)
}

func TestSnapshotCreateAndGet(t *testing.T) {
	store := testStore(t)
	start, end := periodBounds()
	entrants := testEntrants(100, 75, 150)

	snapshot, err := store.Create(1, start, end, entrants)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snapshot.Status != SnapshotStatusCompleted {
		t.Fatalf("status = %s, want completed", snapshot.Status)
	}
	if snapshot.TotalAmount.Cmp(big.NewInt(325)) != 0 {
		t.Fatalf("total = %s, want 325", snapshot.TotalAmount)
	}
	if snapshot.CompletedAt == nil {
		t.Fatalf("completed snapshot missing CompletedAt")
	}

	loaded, err := store.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Root != snapshot.Root {
		t.Fatalf("persisted root differs from returned root")
	}
	if len(loaded.Leaves) != 3 {
		t.Fatalf("leaves = %d, want 3", len(loaded.Leaves))
	}
	for i, leaf := range loaded.Leaves {
		if leaf.LeafIndex != uint32(i) {
			t.Fatalf("leaf %d carries index %d", i, leaf.LeafIndex)
		}
		if !VerifyProof(loaded.Root, leaf.Account, leaf.Amount, leaf.Proof) {
			t.Fatalf("persisted proof for leaf %d does not verify", i)
		}
	}
}

func TestSnapshotCreateRejectsExistingPeriod(t *testing.T) {
	store := testStore(t)
	start, end := periodBounds()
	if _, err := store.Create(7, start, end, testEntrants(10)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(7, start, end, testEntrants(10)); !errors.Is(err, ErrPeriodAlreadyExists) {
		t.Fatalf("expected ErrPeriodAlreadyExists, got %v", err)
	}
}

func TestSnapshotCreateFailureIsDurableAndRetryable(t *testing.T) {
	store := testStore(t)
	var captured []*types.Event
	store.SetEventSink(func(evt *types.Event) { captured = append(captured, evt) })
	start, end := periodBounds()

	if _, err := store.Create(3, start, end, nil); !errors.Is(err, ErrEmptyPeriod) {
		t.Fatalf("expected ErrEmptyPeriod, got %v", err)
	}
	failed, err := store.Get(3)
	if err != nil {
		t.Fatalf("get failed snapshot: %v", err)
	}
	if failed.Status != SnapshotStatusFailed {
		t.Fatalf("status = %s, want failed", failed.Status)
	}
	if failed.FailureCause == "" {
		t.Fatalf("failed snapshot missing cause")
	}
	if len(captured) != 1 || captured[0].Type != "rewards.snapshot.failed" {
		t.Fatalf("expected one failure event, got %v", captured)
	}

	// A failed build does not burn the period id.
	snapshot, err := store.Create(3, start, end, testEntrants(5))
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if snapshot.Status != SnapshotStatusCompleted {
		t.Fatalf("retried status = %s, want completed", snapshot.Status)
	}
}

func TestSnapshotGetLeaf(t *testing.T) {
	store := testStore(t)
	start, end := periodBounds()
	entrants := testEntrants(100, 75, 150)
	snapshot, err := store.Create(2, start, end, entrants)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	leaf, err := store.GetLeaf(2, entrants[1].Account)
	if err != nil {
		t.Fatalf("get leaf: %v", err)
	}
	if leaf.LeafIndex != 1 || leaf.Amount.Cmp(big.NewInt(75)) != 0 {
		t.Fatalf("unexpected leaf %d/%s", leaf.LeafIndex, leaf.Amount)
	}
	if !VerifyProof(snapshot.Root, leaf.Account, leaf.Amount, leaf.Proof) {
		t.Fatalf("leaf proof does not verify")
	}

	var stranger [20]byte
	stranger[0] = 0xff
	if _, err := store.GetLeaf(2, stranger); !errors.Is(err, ErrLeafNotFound) {
		t.Fatalf("expected ErrLeafNotFound, got %v", err)
	}
	if _, err := store.GetLeaf(99, entrants[0].Account); !errors.Is(err, ErrUnknownPeriod) {
		t.Fatalf("expected ErrUnknownPeriod, got %v", err)
	}
}

func TestSnapshotListDescending(t *testing.T) {
	store := testStore(t)
	start, end := periodBounds()
	for _, id := range []uint64{5, 1, 9, 3} {
		if _, err := store.Create(id, start, end, testEntrants(int64(id))); err != nil {
			t.Fatalf("create %d: %v", id, err)
		}
	}
	page, err := store.List(1, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := []uint64{page[0].PeriodID, page[1].PeriodID, page[2].PeriodID}
	want := []uint64{9, 5, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("page 1 = %v, want %v", got, want)
		}
	}
	rest, err := store.List(2, 3)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(rest) != 1 || rest[0].PeriodID != 1 {
		t.Fatalf("page 2 = %v, want [1]", rest)
	}
	empty, err := store.List(3, 3)
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("page past the end must be empty")
	}
}

func TestSnapshotRegenerationReproducesRoot(t *testing.T) {
	entrants := testEntrants(11, 22, 33, 44, 55)
	first, err := testStore(t).Create(1, time.Unix(0, 0), time.Unix(1, 0), entrants)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := testStore(t).Create(1, time.Unix(0, 0), time.Unix(1, 0), entrants)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if first.Root != second.Root {
		t.Fatalf("audit regeneration produced a different root")
	}
}
