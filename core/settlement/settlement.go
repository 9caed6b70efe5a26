package settlement

import (
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// Authorizer hands a granted claim off to the surrounding execution
// environment for actual transfer of value. The memo uniquely identifies the
// claim, and implementations must be idempotent on it: authorizing the same
// memo again returns the original reference without a second payout. That
// memo is the exactly-once boundary when an engine retries a claim whose
// record failed to persist after authorization.
type Authorizer interface {
	Authorize(account [20]byte, amount *big.Int, memo string) (string, error)
}

// Authorization captures one granted transfer, as recorded by the local
// authorizer. Useful for tests and for tooling that drains the queue.
type Authorization struct {
	Reference string
	Account   [20]byte
	Amount    *big.Int
	Memo      string
}

// LocalAuthorizer queues authorizations in memory and issues a UUID
// settlement reference for each. Production deployments replace it with a
// bridge into the payout environment.
type LocalAuthorizer struct {
	mu     sync.Mutex
	queue  []Authorization
	byMemo map[string]string
}

func NewLocalAuthorizer() *LocalAuthorizer {
	return &LocalAuthorizer{byMemo: make(map[string]string)}
}

func (a *LocalAuthorizer) Authorize(account [20]byte, amount *big.Int, memo string) (string, error) {
	if amount == nil || amount.Sign() < 0 {
		return "", errors.New("settlement: amount must be non-negative")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ref, ok := a.byMemo[memo]; ok {
		return ref, nil
	}
	ref := uuid.NewString()
	a.byMemo[memo] = ref
	a.queue = append(a.queue, Authorization{
		Reference: ref,
		Account:   account,
		Amount:    new(big.Int).Set(amount),
		Memo:      memo,
	})
	return ref, nil
}

// Pending returns a copy of the queued authorizations in grant order.
func (a *LocalAuthorizer) Pending() []Authorization {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Authorization, len(a.queue))
	for i, item := range a.queue {
		out[i] = Authorization{
			Reference: item.Reference,
			Account:   item.Account,
			Amount:    new(big.Int).Set(item.Amount),
			Memo:      item.Memo,
		}
	}
	return out
}
