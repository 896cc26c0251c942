package challenge

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// ErrInvalidCredential is returned by a Verifier for a wrong credential.
var ErrInvalidCredential = errors.New("invalid credential")

// Verifier checks a submitted credential.
type Verifier interface {
	Verify(credential string) error
}

// SharedSecret compares against one configured password.
type SharedSecret struct {
	digest [sha256.Size]byte
}

// NewSharedSecret rejects an empty secret; an empty password would let any
// visitor in with an empty form.
func NewSharedSecret(secret string) (*SharedSecret, error) {
	if secret == "" {
		return nil, errors.New("shared secret must not be empty")
	}
	return &SharedSecret{digest: sha256.Sum256([]byte(secret))}, nil
}

// Verify compares digests in constant time, so neither content nor length leaks
// through timing.
func (s *SharedSecret) Verify(credential string) error {
	got := sha256.Sum256([]byte(credential))
	if subtle.ConstantTimeCompare(got[:], s.digest[:]) != 1 {
		return ErrInvalidCredential
	}
	return nil
}
