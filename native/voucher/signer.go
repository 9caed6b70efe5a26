package voucher

import (
	"encoding/hex"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rewardhub/crypto"
)

// voucherDomainV1 prefixes every signed payload so a voucher signature can
// never be replayed as a signature over any other message in the system.
const voucherDomainV1 = "rewardhub_voucher|v1"

// Digest computes the canonical 32-byte digest an issuer signs for one
// voucher. Both the issuer tooling and the claim engine derive the payload
// from the same fields, so a mismatch anywhere fails signature recovery.
func Digest(account [20]byte, category Category, taskID string, nonce [32]byte) []byte {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s",
		voucherDomainV1,
		hex.EncodeToString(account[:]),
		category,
		taskID,
		hex.EncodeToString(nonce[:]),
	)
	return ethcrypto.Keccak256([]byte(payload))
}

// Sign produces a 65-byte recoverable voucher signature. Intended for issuer
// tooling and tests.
func Sign(key *crypto.PrivateKey, account [20]byte, category Category, taskID string, nonce [32]byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("voucher: signing key required")
	}
	return key.Sign(Digest(account, category, taskID, nonce))
}

// RecoverSigner recovers the issuer address from a voucher signature.
func RecoverSigner(digest []byte, signature []byte) ([20]byte, error) {
	var signer [20]byte
	if len(signature) != 65 {
		return signer, ErrInvalidSignature
	}
	pubKey, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return signer, ErrInvalidSignature
	}
	copy(signer[:], ethcrypto.PubkeyToAddress(*pubKey).Bytes())
	return signer, nil
}

// SignerRegistry answers whether a recovered address is an authorized
// voucher issuer. Implementations exist for a single trusted key and for a
// rotating key set, so the engine is testable without a live signing
// authority.
type SignerRegistry interface {
	Authorized(signer [20]byte) bool
}

// StaticSigner authorizes exactly one issuer address.
type StaticSigner struct {
	signer [20]byte
}

func NewStaticSigner(signer [20]byte) *StaticSigner {
	return &StaticSigner{signer: signer}
}

func (s *StaticSigner) Authorized(signer [20]byte) bool {
	return s != nil && s.signer == signer
}

// SignerSet authorizes a mutable set of issuer addresses. Rotation adds the
// incoming key before removing the outgoing one, so in-flight vouchers
// signed by either remain claimable during the overlap.
type SignerSet struct {
	mu      sync.RWMutex
	signers map[[20]byte]struct{}
}

func NewSignerSet(signers ...[20]byte) *SignerSet {
	set := &SignerSet{signers: make(map[[20]byte]struct{}, len(signers))}
	for _, signer := range signers {
		set.signers[signer] = struct{}{}
	}
	return set
}

func (s *SignerSet) Add(signer [20]byte) {
	s.mu.Lock()
	s.signers[signer] = struct{}{}
	s.mu.Unlock()
}

func (s *SignerSet) Remove(signer [20]byte) {
	s.mu.Lock()
	delete(s.signers, signer)
	s.mu.Unlock()
}

func (s *SignerSet) Authorized(signer [20]byte) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.signers[signer]
	return ok
}
