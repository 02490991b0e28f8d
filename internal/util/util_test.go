package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestAES(t *testing.T) {
	key, _ := NewAESKey()
	plainText := []byte("hello world")
	aad := []byte("context")

	t.Run("EncryptDecryptWithAAD", func(t *testing.T) {
		cipherText, err := EncryptAESWithAAD(plainText, key, aad)
		if err != nil {
			t.Fatalf("EncryptAESWithAAD failed: %v", err)
		}
		if len(cipherText) != GCMNonceSize+len(plainText)+16 {
			t.Errorf("unexpected ciphertext length %d", len(cipherText))
		}

		decrypted, err := DecryptAESWithAAD(cipherText, key, aad)
		if err != nil {
			t.Fatalf("DecryptAESWithAAD failed: %v", err)
		}

		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		_, err := DecryptAESWithAAD(cipherText, key, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		cipherText[len(cipherText)-1] ^= 0xFF
		_, err := DecryptAESWithAAD(cipherText, key, aad)
		if err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := EncryptAESWithAAD(plainText, []byte("too short"), aad)
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})

	t.Run("RejectShortCipherText", func(t *testing.T) {
		_, err := DecryptAESWithAAD([]byte("short"), key, aad)
		if err == nil {
			t.Error("expected error with truncated ciphertext, got nil")
		}
	})
}

func testParams() Argon2idParams {
	return Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}
}

func TestHashPassword(t *testing.T) {
	phc, err := HashPassword("correct horse battery staple", testParams())
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if !strings.HasPrefix(phc, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Errorf("unexpected PHC prefix: %s", phc)
	}

	ok, err := VerifyPassword("correct horse battery staple", phc)
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if !ok {
		t.Error("expected password to verify")
	}

	ok, err = VerifyPassword("wrong password", phc)
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if ok {
		t.Error("expected wrong password to fail")
	}

	other, _ := HashPassword("correct horse battery staple", testParams())
	if other == phc {
		t.Error("expected distinct salts to produce distinct hashes")
	}
}

func TestHashPassword_Empty(t *testing.T) {
	if _, err := HashPassword("", testParams()); err == nil {
		t.Error("expected error for empty password")
	}
}

func TestVerifyPassword_NormalizesInput(t *testing.T) {
	// U+FB01 (ﬁ ligature) folds to "fi" under NFKC.
	phc, _ := HashPassword("ﬁle", testParams())
	ok, err := VerifyPassword("file", phc)
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if !ok {
		t.Error("expected NFKC-equivalent password to verify")
	}
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	cases := []string{
		"",
		"plain",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=18$m=1,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$garbage$c2FsdA$a2V5",
		"$argon2id$v=19$m=1,t=1,p=1$!!!$a2V5",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdA$",
	}
	for _, c := range cases {
		if _, err := VerifyPassword("x", c); err != ErrInvalidHash {
			t.Errorf("VerifyPassword(%q): expected ErrInvalidHash, got %v", c, err)
		}
	}
}

func TestDefaultArgon2idParams_MeetsOWASPMinimums(t *testing.T) {
	p := DefaultArgon2idParams()
	if p.MemoryKiB < 19*1024 {
		t.Errorf("memory %d KiB below OWASP minimum", p.MemoryKiB)
	}
	if p.Time < 2 {
		t.Errorf("time %d below OWASP minimum", p.Time)
	}
	if p.KeyLen < 32 {
		t.Errorf("key length %d too short", p.KeyLen)
	}
}

func TestHKDF(t *testing.T) {
	seed := []byte("seed")
	k1, err := HKDF(seed, []byte("salt"), []byte("info"))
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	if len(k1) != HKDFKeyLength {
		t.Errorf("expected %d bytes, got %d", HKDFKeyLength, len(k1))
	}
	k2, _ := HKDF(seed, []byte("salt"), []byte("other"))
	if bytes.Equal(k1, k2) {
		t.Error("different info should derive different keys")
	}
}

func TestBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("expected zeroed slice, got %v", b)
	}
}

func TestEncoding(t *testing.T) {
	if got := NormalizeIdentifier("  Alice@Example.COM "); got != "alice@example.com" {
		t.Errorf("unexpected identifier %q", got)
	}
	if got := NormalizeIdentifier("Ａlice"); got != "alice" {
		t.Errorf("expected fullwidth A to fold, got %q", got)
	}
	if got := Normalize("ﬁ"); got != "fi" {
		t.Errorf("expected ligature to decompose, got %q", got)
	}
}

func TestRandom(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b2, _ := RandomBytes(32)
	if bytes.Equal(b1, b2) {
		t.Error("expected different random bytes")
	}

	digits, err := RandomDigits(6)
	if err != nil {
		t.Fatalf("RandomDigits failed: %v", err)
	}
	if len(digits) != 6 {
		t.Fatalf("expected 6 digits, got %q", digits)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			t.Fatalf("non-digit in %q", digits)
		}
	}

	tok, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	if len(tok) != 43 || strings.ContainsAny(tok, "+/=") {
		t.Errorf("unexpected token encoding %q", tok)
	}

	for i := 0; i < 100; i++ {
		n, err := RandomIntn(10)
		if err != nil || n < 0 || n >= 10 {
			t.Fatalf("RandomIntn out of range: %d, %v", n, err)
		}
	}
}
