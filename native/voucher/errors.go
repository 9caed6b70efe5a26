package voucher

import "errors"

var (
	// ErrNonceReplay indicates the voucher nonce was consumed before. The
	// nonce is reserved before any other check, so a failed claim is never
	// replayable either.
	ErrNonceReplay = errors.New("voucher: nonce already used")
	// ErrUnauthorizedSigner indicates the signature does not recover to a
	// configured issuer.
	ErrUnauthorizedSigner = errors.New("voucher: unauthorized signer")
	// ErrTaskAlreadyClaimed indicates the (category, task) pair was consumed
	// before for this account.
	ErrTaskAlreadyClaimed = errors.New("voucher: task already claimed")
	// ErrDailyLimitExceeded indicates the per-account daily cap blocks the claim.
	ErrDailyLimitExceeded = errors.New("voucher: daily limit exceeded")
	// ErrLifetimeLimitExceeded indicates the per-account lifetime cap blocks the claim.
	ErrLifetimeLimitExceeded = errors.New("voucher: lifetime limit exceeded")
	// ErrUnknownCategory indicates no configuration exists for the category.
	ErrUnknownCategory = errors.New("voucher: unknown category")
	// ErrCategoryDisabled indicates the category is configured but switched off.
	ErrCategoryDisabled = errors.New("voucher: category disabled")
	// ErrInvalidSignature indicates the signature bytes are malformed.
	ErrInvalidSignature = errors.New("voucher: invalid signature")
)
