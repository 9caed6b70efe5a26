package rewards

import "errors"

var (
	// ErrEmptyPeriod indicates a commitment was requested for zero entrants.
	ErrEmptyPeriod = errors.New("rewards: period has no entrants")
	// ErrInvalidAmount indicates an entrant carried a nil or negative amount.
	ErrInvalidAmount = errors.New("rewards: amount must be non-negative")
	// ErrDuplicateEntrant indicates the same account appeared twice in one period.
	ErrDuplicateEntrant = errors.New("rewards: duplicate entrant account")
	// ErrPeriodAlreadyExists indicates a snapshot already exists for the period.
	ErrPeriodAlreadyExists = errors.New("rewards: period already exists")
	// ErrUnknownPeriod indicates no completed snapshot exists for the period.
	ErrUnknownPeriod = errors.New("rewards: unknown period")
	// ErrInvalidProof indicates the supplied proof does not recompute the committed root.
	ErrInvalidProof = errors.New("rewards: invalid proof")
	// ErrAlreadyClaimed indicates the leaf was redeemed before. Callers must
	// surface this as "already redeemed", never retry it.
	ErrAlreadyClaimed = errors.New("rewards: leaf already claimed")
	// ErrLeafOutOfRange indicates the leaf index is not part of the period.
	ErrLeafOutOfRange = errors.New("rewards: leaf index out of range")
	// ErrLeafNotFound indicates the account has no entitlement in the period.
	ErrLeafNotFound = errors.New("rewards: leaf not found")
)
