package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params bundles the cost parameters for the password KDF. The
// defaults follow the argon2 package's own recommended interactive
// parameters.
type Argon2Params struct {
	MemoryKiB  uint32
	Iterations uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params returns the cost parameters used when none are
// supplied explicitly.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		MemoryKiB:   64 * 1024,
		Iterations:  1,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// ErrInvalidVerifier indicates a stored password verifier is not in
// the expected argon2id encoding.
var ErrInvalidVerifier = errors.New("auth: invalid password verifier encoding")

// PasswordHasher hashes and verifies passwords with argon2id, a
// memory-hard KDF suited to a stored password verifier. The salt is
// embedded directly in the returned verifier string so no side table
// is needed to look it back up.
type PasswordHasher struct {
	params Argon2Params
}

// NewPasswordHasher constructs a PasswordHasher. Passing a zero-value
// Argon2Params falls back to DefaultArgon2Params.
func NewPasswordHasher(params Argon2Params) *PasswordHasher {
	if params.MemoryKiB == 0 {
		params = DefaultArgon2Params()
	}
	return &PasswordHasher{params: params}
}

// HashPassword derives an argon2id verifier for plaintext, encoded as
// "$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<hash>" with the salt
// and hash base64-encoded, the same self-describing shape Argon2's own
// reference encoding uses.
func (h *PasswordHasher) HashPassword(plaintext string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(plaintext), salt, h.params.Iterations, h.params.MemoryKiB, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		h.params.MemoryKiB, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword reports whether plaintext matches verifier, using a
// constant-time comparison of the derived key so that timing cannot
// leak how many bytes of the guess were correct.
func (h *PasswordHasher) VerifyPassword(plaintext, verifier string) (bool, error) {
	params, salt, hash, err := decodeVerifier(verifier)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(plaintext), salt, params.Iterations, params.MemoryKiB, params.Parallelism, uint32(len(hash)))
	return subtle.ConstantTimeCompare(candidate, hash) == 1, nil
}

func decodeVerifier(verifier string) (Argon2Params, []byte, []byte, error) {
	segments := strings.Split(verifier, "$")
	if len(segments) != 6 || segments[1] != "argon2id" {
		return Argon2Params{}, nil, nil, ErrInvalidVerifier
	}

	var memory, iterations uint64
	var parallelism uint64
	if _, err := fmt.Sscanf(segments[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: %v", ErrInvalidVerifier, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(segments[4])
	if err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: %v", ErrInvalidVerifier, err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(segments[5])
	if err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: %v", ErrInvalidVerifier, err)
	}

	return Argon2Params{
		MemoryKiB:   uint32(memory),
		Iterations:  uint32(iterations),
		Parallelism: uint8(parallelism),
	}, salt, hash, nil
}
