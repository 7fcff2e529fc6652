package auth

import "testing"

func TestHashAndVerifyPasswordRoundTrip(t *testing.T) {
	hasher := NewPasswordHasher(DefaultArgon2Params())

	verifier, err := hasher.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}

	ok, err := hasher.VerifyPassword("correct horse battery staple", verifier)
	if err != nil {
		t.Fatalf("VerifyPassword returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected correct password to verify")
	}

	ok, err = hasher.VerifyPassword("wrong password", verifier)
	if err != nil {
		t.Fatalf("VerifyPassword returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected incorrect password to fail verification")
	}
}

func TestHashPasswordProducesDistinctSaltsForSameInput(t *testing.T) {
	hasher := NewPasswordHasher(DefaultArgon2Params())

	first, err := hasher.HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	second, err := hasher.HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct verifiers for repeated hashing of the same password")
	}
}

func TestVerifyPasswordRejectsMalformedVerifier(t *testing.T) {
	hasher := NewPasswordHasher(DefaultArgon2Params())

	if _, err := hasher.VerifyPassword("whatever", "not-a-verifier"); err != ErrInvalidVerifier {
		t.Fatalf("expected ErrInvalidVerifier, got %v", err)
	}
}

func TestNewPasswordHasherFallsBackToDefaults(t *testing.T) {
	hasher := NewPasswordHasher(Argon2Params{})
	verifier, err := hasher.HashPassword("plaintext")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	ok, err := hasher.VerifyPassword("plaintext", verifier)
	if err != nil {
		t.Fatalf("VerifyPassword returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected verification to succeed with default params")
	}
}
