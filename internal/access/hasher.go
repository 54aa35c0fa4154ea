package access

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// AlgorithmPBKDF2SHA256 is the only derivation algorithm currently
	// issued. Records keep their own algorithm id so new algorithms can be
	// introduced without invalidating stored credentials.
	AlgorithmPBKDF2SHA256 = "pbkdf2-sha256"

	// DefaultIterations follows the OWASP recommendation for PBKDF2-SHA256.
	DefaultIterations = 600_000

	saltLength        = 32 // 256 bits
	keyLength         = 64 // 512 bits
	minPasswordLength = 8
)

// HashParams records the derivation parameters alongside a digest.
type HashParams struct {
	Algorithm  string
	Iterations int
	KeyLength  int
}

// Hasher derives and verifies salted password digests. The work factor is
// deliberately high to resist offline brute force against a leaked digest
// store; lower it only in tests.
type Hasher struct {
	iterations int
}

// NewHasher returns a hasher with the default work factor.
func NewHasher() Hasher {
	return Hasher{iterations: DefaultIterations}
}

// NewHasherWithIterations returns a hasher with an explicit iteration count.
// Non-positive values fall back to the default.
func NewHasherWithIterations(iterations int) Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return Hasher{iterations: iterations}
}

func (h Hasher) iter() int {
	if h.iterations <= 0 {
		return DefaultIterations
	}
	return h.iterations
}

// Params returns the parameters this hasher stamps onto new credentials.
func (h Hasher) Params() HashParams {
	return HashParams{
		Algorithm:  AlgorithmPBKDF2SHA256,
		Iterations: h.iter(),
		KeyLength:  keyLength,
	}
}

// Hash derives a salted digest for password. A nil salt requests a fresh
// cryptographically random one; callers supply a salt only when recomputing
// an existing credential.
func (h Hasher) Hash(password string, salt []byte) (digest, usedSalt []byte, err error) {
	if len(password) < minPasswordLength {
		return nil, nil, fmt.Errorf("%w: password must be at least %d characters",
			ErrInvalidCredentialFormat, minPasswordLength)
	}
	if salt == nil {
		salt = make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	digest = pbkdf2.Key([]byte(password), salt, h.iter(), keyLength, sha256.New)
	return digest, salt, nil
}

// Verify reports whether password matches the stored digest. It recomputes
// with the record's own parameters and never returns an error: a malformed
// salt, unknown algorithm, corrupted digest, and a plain wrong password are
// indistinguishable to the caller.
func (h Hasher) Verify(password string, storedDigest, salt []byte, p HashParams) bool {
	if password == "" || len(storedDigest) == 0 || len(salt) == 0 {
		return false
	}
	if p.Algorithm != AlgorithmPBKDF2SHA256 || p.Iterations <= 0 || p.KeyLength <= 0 {
		return false
	}
	computed := pbkdf2.Key([]byte(password), salt, p.Iterations, p.KeyLength, sha256.New)
	// Verification sits on the attacker-observable authentication path, so
	// the comparison must not exit early on the first mismatched byte.
	return subtle.ConstantTimeCompare(computed, storedDigest) == 1
}
