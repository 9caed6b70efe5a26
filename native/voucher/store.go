package voucher

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"rewardhub/storage"
)

const (
	categoryKeyFormat = "voucher/category/%s"
	categoryIndexKey  = "voucher/categories"
	ledgerKeyFormat   = "voucher/ledger/%s"
	taskKeyFormat     = "voucher/task/%s/%s/%s"
	nonceKeyFormat    = "voucher/nonce/%s"
)

// Store is the state surface the claim engine needs. It is an explicit
// handle injected into the engine so tests can construct isolated instances
// per case instead of sharing ambient globals.
type Store interface {
	CategoryConfig(category Category) (*CategoryConfig, bool, error)
	ListCategories() ([]*CategoryConfig, error)
	AccountLedger(account [20]byte) (*AccountLedger, error)
	PutAccountLedger(ledger *AccountLedger) error
	TaskConsumed(account [20]byte, category Category, taskID string) (bool, error)
	MarkTaskConsumed(account [20]byte, category Category, taskID string) error
	// ReserveNonce atomically inserts the nonce, reporting false when it was
	// present already. Reservations are never released.
	ReserveNonce(nonce [32]byte) (bool, error)
	NonceUsed(nonce [32]byte) (bool, error)
}

// StateStore persists voucher state in the shared key-value database.
type StateStore struct {
	db storage.Database
	mu sync.Mutex
}

func NewStateStore(db storage.Database) *StateStore {
	return &StateStore{db: db}
}

// Seed writes category configurations, replacing any existing rows. Intended
// for startup wiring and administrative tooling.
func (s *StateStore) Seed(configs []*CategoryConfig) error {
	for _, cfg := range configs {
		if err := s.PutCategoryConfig(cfg); err != nil {
			return err
		}
	}
	return nil
}

type storedCategoryConfig struct {
	Category        string
	Enabled         bool
	Repeatable      bool
	BaseAmount      []byte
	DailyCap        []byte
	LifetimeCap     []byte
	LimitPolicy     uint8
	StreakThreshold uint32
	StreakBonusBps  uint64
}

// PutCategoryConfig inserts or replaces one category row. Administrative
// authority is enforced by the caller.
func (s *StateStore) PutCategoryConfig(cfg *CategoryConfig) error {
	if s == nil || s.db == nil {
		return errors.New("voucher: state store not initialised")
	}
	if cfg == nil || cfg.Category == "" {
		return errors.New("voucher: category config required")
	}
	normalized := cfg.Clone().Normalize()
	encoded, err := rlp.EncodeToBytes(storedCategoryConfig{
		Category:        string(normalized.Category),
		Enabled:         normalized.Enabled,
		Repeatable:      normalized.Repeatable,
		BaseAmount:      normalized.BaseAmount.Bytes(),
		DailyCap:        normalized.DailyCap.Bytes(),
		LifetimeCap:     normalized.LifetimeCap.Bytes(),
		LimitPolicy:     uint8(normalized.LimitPolicy),
		StreakThreshold: normalized.StreakThreshold,
		StreakBonusBps:  normalized.StreakBonusBps,
	})
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(fmt.Sprintf(categoryKeyFormat, normalized.Category)), encoded); err != nil {
		return err
	}
	return s.indexCategory(string(normalized.Category))
}

func (s *StateStore) indexCategory(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.categoryIndex()
	if err != nil {
		return err
	}
	for _, existing := range names {
		if existing == name {
			return nil
		}
	}
	names = append(names, name)
	sort.Strings(names)
	encoded, err := rlp.EncodeToBytes(names)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(categoryIndexKey), encoded)
}

func (s *StateStore) categoryIndex() ([]string, error) {
	data, err := s.db.Get([]byte(categoryIndexKey))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	if err := rlp.DecodeBytes(data, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// ListCategories returns every configured category, sorted by name.
func (s *StateStore) ListCategories() ([]*CategoryConfig, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("voucher: state store not initialised")
	}
	names, err := s.categoryIndex()
	if err != nil {
		return nil, err
	}
	out := make([]*CategoryConfig, 0, len(names))
	for _, name := range names {
		cfg, ok, err := s.CategoryConfig(Category(name))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *StateStore) CategoryConfig(category Category) (*CategoryConfig, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("voucher: state store not initialised")
	}
	data, err := s.db.Get([]byte(fmt.Sprintf(categoryKeyFormat, category)))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var stored storedCategoryConfig
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	cfg := &CategoryConfig{
		Category:        Category(stored.Category),
		Enabled:         stored.Enabled,
		Repeatable:      stored.Repeatable,
		BaseAmount:      new(big.Int).SetBytes(stored.BaseAmount),
		DailyCap:        new(big.Int).SetBytes(stored.DailyCap),
		LifetimeCap:     new(big.Int).SetBytes(stored.LifetimeCap),
		LimitPolicy:     LimitPolicy(stored.LimitPolicy),
		StreakThreshold: stored.StreakThreshold,
		StreakBonusBps:  stored.StreakBonusBps,
	}
	return cfg, true, nil
}

type storedAccountLedger struct {
	Account         []byte
	TotalEarned     []byte
	EarnedToday     []byte
	LastClaimDay    uint64
	ConsecutiveDays uint32
}

// AccountLedger loads the running state for an account, returning a zeroed
// ledger when the account has never claimed.
func (s *StateStore) AccountLedger(account [20]byte) (*AccountLedger, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("voucher: state store not initialised")
	}
	data, err := s.db.Get([]byte(fmt.Sprintf(ledgerKeyFormat, hex.EncodeToString(account[:]))))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return &AccountLedger{Account: account, TotalEarned: big.NewInt(0), EarnedToday: big.NewInt(0)}, nil
		}
		return nil, err
	}
	var stored storedAccountLedger
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	ledger := &AccountLedger{
		TotalEarned:     new(big.Int).SetBytes(stored.TotalEarned),
		EarnedToday:     new(big.Int).SetBytes(stored.EarnedToday),
		LastClaimDay:    stored.LastClaimDay,
		ConsecutiveDays: stored.ConsecutiveDays,
	}
	copy(ledger.Account[:], stored.Account)
	return ledger, nil
}

func (s *StateStore) PutAccountLedger(ledger *AccountLedger) error {
	if s == nil || s.db == nil {
		return errors.New("voucher: state store not initialised")
	}
	if ledger == nil {
		return errors.New("voucher: ledger required")
	}
	clone := ledger.Clone()
	encoded, err := rlp.EncodeToBytes(storedAccountLedger{
		Account:         append([]byte(nil), clone.Account[:]...),
		TotalEarned:     clone.TotalEarned.Bytes(),
		EarnedToday:     clone.EarnedToday.Bytes(),
		LastClaimDay:    clone.LastClaimDay,
		ConsecutiveDays: clone.ConsecutiveDays,
	})
	if err != nil {
		return err
	}
	return s.db.Put([]byte(fmt.Sprintf(ledgerKeyFormat, hex.EncodeToString(clone.Account[:]))), encoded)
}

func taskKey(account [20]byte, category Category, taskID string) []byte {
	return []byte(fmt.Sprintf(taskKeyFormat, hex.EncodeToString(account[:]), category, taskID))
}

func (s *StateStore) TaskConsumed(account [20]byte, category Category, taskID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("voucher: state store not initialised")
	}
	return s.db.Has(taskKey(account, category, taskID))
}

func (s *StateStore) MarkTaskConsumed(account [20]byte, category Category, taskID string) error {
	if s == nil || s.db == nil {
		return errors.New("voucher: state store not initialised")
	}
	return s.db.Put(taskKey(account, category, taskID), []byte{1})
}

// ReserveNonce test-and-sets the nonce under a store-wide lock; the nonce
// set is global and append-only.
func (s *StateStore) ReserveNonce(nonce [32]byte) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("voucher: state store not initialised")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := []byte(fmt.Sprintf(nonceKeyFormat, hex.EncodeToString(nonce[:])))
	used, err := s.db.Has(key)
	if err != nil {
		return false, err
	}
	if used {
		return false, nil
	}
	if err := s.db.Put(key, []byte{1}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *StateStore) NonceUsed(nonce [32]byte) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("voucher: state store not initialised")
	}
	return s.db.Has([]byte(fmt.Sprintf(nonceKeyFormat, hex.EncodeToString(nonce[:]))))
}
