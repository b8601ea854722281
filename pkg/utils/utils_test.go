package utils

import (
	"strings"
	"testing"
	"time"
)

func TestTokenCipherRoundTrip(t *testing.T) {
	c, err := NewTokenCipher([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	sealed, err := c.Encrypt("IGQVJ-access-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(sealed, "IGQVJ") {
		t.Fatal("ciphertext leaks plaintext")
	}

	plain, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "IGQVJ-access-token" {
		t.Fatalf("plain = %q", plain)
	}
}

func TestTokenCipherEmptyStaysEmpty(t *testing.T) {
	c, _ := NewTokenCipher([]byte("0123456789abcdef"))
	sealed, err := c.Encrypt("")
	if err != nil || sealed != "" {
		t.Fatalf("encrypt empty: %q, %v", sealed, err)
	}
}

func TestTokenCipherRejectsShortInput(t *testing.T) {
	c, _ := NewTokenCipher([]byte("0123456789abcdef"))
	if _, err := c.Decrypt("AAAA"); err == nil {
		t.Fatal("expected error for short ciphertext")
	}
}

func TestNewTokenCipherRejectsBadKey(t *testing.T) {
	if _, err := NewTokenCipher([]byte("short")); err == nil {
		t.Fatal("expected error for invalid key size")
	}
}

func TestValidateToken(t *testing.T) {
	token, err := GenerateToken("secret", "42", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ValidateToken("secret", token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "42" {
		t.Fatalf("user id = %q", claims.UserID)
	}

	if _, err := ValidateToken("other-secret", token); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	token, err := GenerateToken("secret", "42", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ValidateToken("secret", token); err == nil {
		t.Fatal("expected expiry error")
	}
}
