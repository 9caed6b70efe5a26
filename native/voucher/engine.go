package voucher

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"rewardhub/core/events"
	"rewardhub/core/settlement"
	"rewardhub/core/types"
)

const secondsPerDay = 86400

// Engine grants instant rewards against signed vouchers. Every claim is
// applied as a single atomic unit per account: a failed claim leaves no
// state behind except the nonce reservation, which is intentionally sticky.
type Engine struct {
	store   Store
	signers SignerRegistry
	settle  settlement.Authorizer
	now     func() time.Time
	sink    func(*types.Event)

	mu       sync.Mutex
	accounts map[[20]byte]*sync.Mutex
}

// NewEngine constructs a voucher claim engine over the supplied state store,
// issuer registry and settlement authorizer.
func NewEngine(store Store, signers SignerRegistry, settle settlement.Authorizer) *Engine {
	return &Engine{
		store:    store,
		signers:  signers,
		settle:   settle,
		now:      time.Now,
		accounts: make(map[[20]byte]*sync.Mutex),
	}
}

// SetClock overrides the engine clock, primarily for deterministic testing.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// SetEventSink registers a receiver for claim events.
func (e *Engine) SetEventSink(sink func(*types.Event)) {
	if e == nil {
		return
	}
	e.sink = sink
}

func (e *Engine) emit(evt *types.Event) {
	if e.sink != nil && evt != nil {
		e.sink(evt)
	}
}

// DayOf converts a wall-clock instant into the day counter used for daily
// resets and streaks: whole days since the Unix epoch, in UTC.
func DayOf(t time.Time) uint64 {
	return uint64(t.UTC().Unix() / secondsPerDay)
}

// accountLock serializes claims per account. Contention stays local to one
// account; there is no cross-account lock.
func (e *Engine) accountLock(account [20]byte) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.accounts[account]
	if !ok {
		lock = &sync.Mutex{}
		e.accounts[account] = lock
	}
	return lock
}

func (e *Engine) reject(account [20]byte, category Category, taskID, reason string, err error) (*ClaimResult, error) {
	e.emit(events.VoucherRejected{Account: account, Category: string(category), TaskID: taskID, Reason: reason}.Event())
	return nil, err
}

// Claim verifies and applies one voucher. The nonce is reserved before any
// other check so that concurrent submissions of the same voucher cannot race
// past the replay guard, and so that a claim failing later cannot be retried
// with the same nonce.
func (e *Engine) Claim(account [20]byte, category Category, taskID string, nonce [32]byte, signature []byte) (*ClaimResult, error) {
	if e == nil || e.store == nil {
		return nil, errors.New("voucher: engine not initialised")
	}

	reserved, err := e.store.ReserveNonce(nonce)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return e.reject(account, category, taskID, "nonce_replay", ErrNonceReplay)
	}

	signer, err := RecoverSigner(Digest(account, category, taskID, nonce), signature)
	if err != nil {
		return e.reject(account, category, taskID, "invalid_signature", err)
	}
	if e.signers == nil || !e.signers.Authorized(signer) {
		return e.reject(account, category, taskID, "unauthorized_signer", ErrUnauthorizedSigner)
	}

	lock := e.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	cfg, ok, err := e.store.CategoryConfig(category)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.reject(account, category, taskID, "unknown_category", fmt.Errorf("%w: %s", ErrUnknownCategory, category))
	}
	if !cfg.Enabled {
		return e.reject(account, category, taskID, "category_disabled", fmt.Errorf("%w: %s", ErrCategoryDisabled, category))
	}
	cfg = cfg.Clone().Normalize()

	if !cfg.Repeatable {
		consumed, err := e.store.TaskConsumed(account, category, taskID)
		if err != nil {
			return nil, err
		}
		if consumed {
			return e.reject(account, category, taskID, "task_already_claimed", ErrTaskAlreadyClaimed)
		}
	}

	ledger, err := e.store.AccountLedger(account)
	if err != nil {
		return nil, err
	}
	ledger = ledger.Clone()
	ledger.Account = account

	today := DayOf(e.now())
	if ledger.LastClaimDay != today {
		// New day: the daily meter starts from zero before any limit check.
		// Day LastClaimDay's record is untouched.
		ledger.EarnedToday = big.NewInt(0)
	}
	if category == CategoryCheckin {
		switch {
		case ledger.LastClaimDay == today:
			// same-day claim, streak unchanged
		case ledger.LastClaimDay+1 == today && ledger.LastClaimDay > 0:
			ledger.ConsecutiveDays++
		default:
			ledger.ConsecutiveDays = 1
		}
	}

	amount := new(big.Int).Set(cfg.BaseAmount)
	if category == CategoryCheckin && cfg.StreakThreshold > 0 && cfg.StreakBonusBps > 0 &&
		ledger.ConsecutiveDays >= cfg.StreakThreshold {
		amount.Mul(amount, new(big.Int).SetUint64(cfg.StreakBonusBps))
		amount.Quo(amount, big.NewInt(StreakBonusDenominator))
	}

	if cfg.DailyCap.Sign() > 0 {
		remaining := new(big.Int).Sub(cfg.DailyCap, ledger.EarnedToday)
		if remaining.Sign() <= 0 {
			return e.reject(account, category, taskID, "daily_limit", ErrDailyLimitExceeded)
		}
		if amount.Cmp(remaining) > 0 {
			if cfg.LimitPolicy != LimitPolicyClamp {
				return e.reject(account, category, taskID, "daily_limit", ErrDailyLimitExceeded)
			}
			amount = remaining
		}
	}
	if cfg.LifetimeCap.Sign() > 0 {
		remaining := new(big.Int).Sub(cfg.LifetimeCap, ledger.TotalEarned)
		if remaining.Sign() <= 0 {
			return e.reject(account, category, taskID, "lifetime_limit", ErrLifetimeLimitExceeded)
		}
		if amount.Cmp(remaining) > 0 {
			if cfg.LimitPolicy != LimitPolicyClamp {
				return e.reject(account, category, taskID, "lifetime_limit", ErrLifetimeLimitExceeded)
			}
			amount = remaining
		}
	}

	ref, err := e.settle.Authorize(account, amount, fmt.Sprintf("voucher:%s:%s", category, taskID))
	if err != nil {
		return nil, err
	}

	ledger.TotalEarned = new(big.Int).Add(ledger.TotalEarned, amount)
	ledger.EarnedToday = new(big.Int).Add(ledger.EarnedToday, amount)
	ledger.LastClaimDay = today
	if !cfg.Repeatable {
		if err := e.store.MarkTaskConsumed(account, category, taskID); err != nil {
			return nil, err
		}
	}
	if err := e.store.PutAccountLedger(ledger); err != nil {
		return nil, err
	}

	e.emit(events.VoucherClaimed{
		Account:       account,
		Category:      string(category),
		TaskID:        taskID,
		Amount:        amount,
		TotalEarned:   ledger.TotalEarned,
		SettlementRef: ref,
	}.Event())
	return &ClaimResult{
		AmountGranted:   new(big.Int).Set(amount),
		NewTotalEarned:  new(big.Int).Set(ledger.TotalEarned),
		ConsecutiveDays: ledger.ConsecutiveDays,
		SettlementRef:   ref,
	}, nil
}

// Ledger exposes the per-account running state for read queries.
func (e *Engine) Ledger(account [20]byte) (*AccountLedger, error) {
	if e == nil || e.store == nil {
		return nil, errors.New("voucher: engine not initialised")
	}
	return e.store.AccountLedger(account)
}

// Categories lists the configured reward categories, sorted by name.
func (e *Engine) Categories() ([]*CategoryConfig, error) {
	if e == nil || e.store == nil {
		return nil, errors.New("voucher: engine not initialised")
	}
	return e.store.ListCategories()
}

// EffectiveToday returns the amount the account has earned for the current
// day, rolling the meter forward when the stored ledger is from a prior day.
func (e *Engine) EffectiveToday(ledger *AccountLedger) *big.Int {
	if ledger == nil || ledger.EarnedToday == nil {
		return big.NewInt(0)
	}
	if ledger.LastClaimDay != DayOf(e.now()) {
		return big.NewInt(0)
	}
	return new(big.Int).Set(ledger.EarnedToday)
}
