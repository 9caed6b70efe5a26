package voucher

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"rewardhub/core/settlement"
	"rewardhub/crypto"
	"rewardhub/storage"
)

type fixture struct {
	engine *Engine
	store  *StateStore
	settle *settlement.LocalAuthorizer
	key    *crypto.PrivateKey
	now    time.Time
}

func newFixture(t *testing.T, configs ...*CategoryConfig) *fixture {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	store := NewStateStore(storage.NewMemDB())
	if len(configs) == 0 {
		configs = DefaultCategories()
	}
	if err := store.Seed(configs); err != nil {
		t.Fatalf("seed categories: %v", err)
	}
	settle := settlement.NewLocalAuthorizer()
	engine := NewEngine(store, NewStaticSigner(key.PubKey().Address().Fixed()), settle)
	f := &fixture{
		engine: engine,
		store:  store,
		settle: settle,
		key:    key,
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	engine.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advanceDays(days int) {
	f.now = f.now.Add(time.Duration(days) * 24 * time.Hour)
}

func (f *fixture) claim(t *testing.T, account [20]byte, category Category, taskID string, nonce [32]byte) (*ClaimResult, error) {
	t.Helper()
	signature, err := Sign(f.key, account, category, taskID, nonce)
	if err != nil {
		t.Fatalf("sign voucher: %v", err)
	}
	return f.engine.Claim(account, category, taskID, nonce, signature)
}

func testAccount(tag byte) [20]byte {
	var account [20]byte
	account[0] = tag
	return account
}

func testNonce(tag byte) [32]byte {
	var nonce [32]byte
	nonce[0] = tag
	return nonce
}

func TestVoucherClaimHappyPath(t *testing.T) {
	f := newFixture(t)
	account := testAccount(1)

	result, err := f.claim(t, account, CategoryTask, "task-42", testNonce(1))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if result.AmountGranted.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("granted = %s, want 100", result.AmountGranted)
	}
	if result.NewTotalEarned.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("total = %s, want 100", result.NewTotalEarned)
	}
	if result.SettlementRef == "" {
		t.Fatalf("missing settlement reference")
	}

	ledger, err := f.engine.Ledger(account)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if ledger.TotalEarned.Cmp(big.NewInt(100)) != 0 || ledger.EarnedToday.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("ledger %s/%s, want 100/100", ledger.TotalEarned, ledger.EarnedToday)
	}
	if ledger.LastClaimDay != DayOf(f.now) {
		t.Fatalf("last claim day = %d, want %d", ledger.LastClaimDay, DayOf(f.now))
	}
	pending := f.settle.Pending()
	if len(pending) != 1 || pending[0].Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("settlement queue = %v", pending)
	}
}

func TestVoucherNonceReplay(t *testing.T) {
	f := newFixture(t)
	account := testAccount(1)
	nonce := testNonce(7)

	if _, err := f.claim(t, account, CategoryTask, "task-1", nonce); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.claim(t, account, CategoryTask, "task-2", nonce); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected ErrNonceReplay, got %v", err)
	}
}

func TestVoucherNonceStickyAfterFailedClaim(t *testing.T) {
	f := newFixture(t)
	account := testAccount(1)
	nonce := testNonce(9)

	rogue, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate rogue key: %v", err)
	}
	signature, err := Sign(rogue, account, CategoryTask, "task-1", nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.engine.Claim(account, CategoryTask, "task-1", nonce, signature); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("expected ErrUnauthorizedSigner, got %v", err)
	}

	// The nonce burned with the failed attempt; a properly signed retry
	// must not pass.
	if _, err := f.claim(t, account, CategoryTask, "task-1", nonce); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected ErrNonceReplay after failed claim, got %v", err)
	}
}

func TestVoucherRejectsMalformedSignature(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Claim(testAccount(1), CategoryTask, "task-1", testNonce(1), []byte("short")); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVoucherTamperedFieldsFailRecovery(t *testing.T) {
	f := newFixture(t)
	account := testAccount(1)
	nonce := testNonce(2)
	signature, err := Sign(f.key, account, CategoryTask, "task-1", nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Signature over task-1 presented for task-2 recovers a different
	// address and must be unauthorized.
	if _, err := f.engine.Claim(account, CategoryTask, "task-2", nonce, signature); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("expected ErrUnauthorizedSigner, got %v", err)
	}
}

func TestVoucherTaskDedup(t *testing.T) {
	f := newFixture(t)
	account := testAccount(1)

	if _, err := f.claim(t, account, CategoryTask, "task-1", testNonce(1)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.claim(t, account, CategoryTask, "task-1", testNonce(2)); !errors.Is(err, ErrTaskAlreadyClaimed) {
		t.Fatalf("expected ErrTaskAlreadyClaimed, got %v", err)
	}

	// Another account may still complete the same task.
	if _, err := f.claim(t, testAccount(2), CategoryTask, "task-1", testNonce(3)); err != nil {
		t.Fatalf("other account claim: %v", err)
	}

	// Repeatable categories skip the dedup entirely.
	if _, err := f.claim(t, account, CategoryPromo, "promo-1", testNonce(4)); err != nil {
		t.Fatalf("promo claim: %v", err)
	}
	if _, err := f.claim(t, account, CategoryPromo, "promo-1", testNonce(5)); err != nil {
		t.Fatalf("repeat promo claim: %v", err)
	}
}

func TestVoucherDailyLimitAndReset(t *testing.T) {
	f := newFixture(t)
	account := testAccount(1)

	// Task pays 100 against a 1000 daily cap with reject policy.
	for i := 0; i < 10; i++ {
		if _, err := f.claim(t, account, CategoryTask, fmt.Sprintf("task-%d", i), testNonce(byte(i+1))); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}
	if _, err := f.claim(t, account, CategoryTask, "task-extra", testNonce(100)); !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("expected ErrDailyLimitExceeded, got %v", err)
	}

	// A new day starts the meter from zero without touching the total.
	f.advanceDays(1)
	result, err := f.claim(t, account, CategoryTask, "task-next-day", testNonce(101))
	if err != nil {
		t.Fatalf("next-day claim: %v", err)
	}
	if result.NewTotalEarned.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("total = %s, want 1100", result.NewTotalEarned)
	}
	ledger, err := f.engine.Ledger(account)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if ledger.EarnedToday.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("earned today = %s, want 100", ledger.EarnedToday)
	}
}

func TestVoucherClampPolicy(t *testing.T) {
	f := newFixture(t, &CategoryConfig{
		Category:    CategoryPromo,
		Enabled:     true,
		Repeatable:  true,
		BaseAmount:  big.NewInt(50),
		DailyCap:    big.NewInt(220),
		LimitPolicy: LimitPolicyClamp,
	})
	account := testAccount(1)

	for i := 0; i < 4; i++ {
		result, err := f.claim(t, account, CategoryPromo, "promo", testNonce(byte(i+1)))
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if result.AmountGranted.Cmp(big.NewInt(50)) != 0 {
			t.Fatalf("claim %d granted %s, want 50", i, result.AmountGranted)
		}
	}

	// 200 of 220 spent: the fifth claim clamps to the allowance.
	clamped, err := f.claim(t, account, CategoryPromo, "promo", testNonce(5))
	if err != nil {
		t.Fatalf("clamped claim: %v", err)
	}
	if clamped.AmountGranted.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("clamped grant = %s, want 20", clamped.AmountGranted)
	}

	// Nothing left: even the clamp policy refuses a zero grant.
	if _, err := f.claim(t, account, CategoryPromo, "promo", testNonce(6)); !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("expected ErrDailyLimitExceeded, got %v", err)
	}
}

func TestVoucherStreakBonus(t *testing.T) {
	f := newFixture(t, &CategoryConfig{
		Category:        CategoryCheckin,
		Enabled:         true,
		Repeatable:      true,
		BaseAmount:      big.NewInt(10),
		LimitPolicy:     LimitPolicyClamp,
		StreakThreshold: 7,
		StreakBonusBps:  15000,
	})
	account := testAccount(1)

	for day := 1; day <= 8; day++ {
		result, err := f.claim(t, account, CategoryCheckin, "daily", testNonce(byte(day)))
		if err != nil {
			t.Fatalf("day %d: %v", day, err)
		}
		want := big.NewInt(10)
		if day >= 7 {
			// 10 * 1.5, rounded down
			want = big.NewInt(15)
		}
		if result.AmountGranted.Cmp(want) != 0 {
			t.Fatalf("day %d granted %s, want %s", day, result.AmountGranted, want)
		}
		if result.ConsecutiveDays != uint32(day) {
			t.Fatalf("day %d streak = %d", day, result.ConsecutiveDays)
		}
		f.advanceDays(1)
	}
}

func TestVoucherStreakResetsOnGap(t *testing.T) {
	f := newFixture(t, &CategoryConfig{
		Category:        CategoryCheckin,
		Enabled:         true,
		Repeatable:      true,
		BaseAmount:      big.NewInt(10),
		LimitPolicy:     LimitPolicyClamp,
		StreakThreshold: 7,
		StreakBonusBps:  15000,
	})
	account := testAccount(1)

	for day := 1; day <= 8; day++ {
		if _, err := f.claim(t, account, CategoryCheckin, "daily", testNonce(byte(day))); err != nil {
			t.Fatalf("day %d: %v", day, err)
		}
		f.advanceDays(1)
	}

	// Day 9 and 10 missed; the day 11 claim starts a fresh streak at base
	// amount even though the account claimed every day before the gap.
	f.advanceDays(2)
	result, err := f.claim(t, account, CategoryCheckin, "daily", testNonce(42))
	if err != nil {
		t.Fatalf("post-gap claim: %v", err)
	}
	if result.AmountGranted.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("post-gap grant = %s, want 10", result.AmountGranted)
	}
	if result.ConsecutiveDays != 1 {
		t.Fatalf("post-gap streak = %d, want 1", result.ConsecutiveDays)
	}
}

func TestVoucherLifetimeCap(t *testing.T) {
	f := newFixture(t, &CategoryConfig{
		Category:    CategoryReferral,
		Enabled:     true,
		BaseAmount:  big.NewInt(250),
		LifetimeCap: big.NewInt(500),
		LimitPolicy: LimitPolicyReject,
	})
	account := testAccount(1)

	for i := 0; i < 2; i++ {
		if _, err := f.claim(t, account, CategoryReferral, fmt.Sprintf("ref-%d", i), testNonce(byte(i+1))); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}
	if _, err := f.claim(t, account, CategoryReferral, "ref-2", testNonce(3)); !errors.Is(err, ErrLifetimeLimitExceeded) {
		t.Fatalf("expected ErrLifetimeLimitExceeded, got %v", err)
	}

	// Lifetime caps do not reset with the day.
	f.advanceDays(1)
	if _, err := f.claim(t, account, CategoryReferral, "ref-3", testNonce(4)); !errors.Is(err, ErrLifetimeLimitExceeded) {
		t.Fatalf("expected ErrLifetimeLimitExceeded on new day, got %v", err)
	}
}

func TestVoucherCategoryGates(t *testing.T) {
	f := newFixture(t, &CategoryConfig{
		Category:   CategoryTask,
		Enabled:    false,
		BaseAmount: big.NewInt(100),
	})
	account := testAccount(1)

	if _, err := f.claim(t, account, CategoryTask, "task-1", testNonce(1)); !errors.Is(err, ErrCategoryDisabled) {
		t.Fatalf("expected ErrCategoryDisabled, got %v", err)
	}
	if _, err := f.claim(t, account, Category("mystery"), "task-1", testNonce(2)); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestVoucherConcurrentSameNonce(t *testing.T) {
	f := newFixture(t)
	account := testAccount(1)
	nonce := testNonce(1)
	signature, err := Sign(f.key, account, CategoryPromo, "promo", nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Claim(account, CategoryPromo, "promo", nonce, signature)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, replays int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrNonceReplay):
			replays++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || replays != attempts-1 {
		t.Fatalf("successes = %d, replays = %d", successes, replays)
	}
}

func TestVoucherRotatingSignerSet(t *testing.T) {
	outgoing, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	incoming, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	set := NewSignerSet(outgoing.PubKey().Address().Fixed())

	store := NewStateStore(storage.NewMemDB())
	if err := store.Seed(DefaultCategories()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	engine := NewEngine(store, set, settlement.NewLocalAuthorizer())
	account := testAccount(1)

	claimWith := func(key *crypto.PrivateKey, taskID string, nonce [32]byte) error {
		signature, err := Sign(key, account, CategoryTask, taskID, nonce)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		_, err = engine.Claim(account, CategoryTask, taskID, nonce, signature)
		return err
	}

	if err := claimWith(outgoing, "task-1", testNonce(1)); err != nil {
		t.Fatalf("claim with original key: %v", err)
	}
	if err := claimWith(incoming, "task-2", testNonce(2)); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("expected ErrUnauthorizedSigner before rotation, got %v", err)
	}

	set.Add(incoming.PubKey().Address().Fixed())
	if err := claimWith(incoming, "task-2", testNonce(3)); err != nil {
		t.Fatalf("claim with rotated-in key: %v", err)
	}
	set.Remove(outgoing.PubKey().Address().Fixed())
	if err := claimWith(outgoing, "task-3", testNonce(4)); !errors.Is(err, ErrUnauthorizedSigner) {
		t.Fatalf("expected ErrUnauthorizedSigner after rotation, got %v", err)
	}
}
