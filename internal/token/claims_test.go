package token

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func makeUnsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "none", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + "."
}

func TestDecodeIdentityClaims(t *testing.T) {
	expiry := time.Date(2026, 6, 1, 10, 30, 0, 0, time.UTC)
	raw := makeUnsignedJWT(t, map[string]any{
		"exp":                expiry.Unix(),
		"sub":                "user-42",
		"preferred_username": "pat@example.com",
	})

	claims, err := decodeIdentityClaims(raw)
	if err != nil {
		t.Fatalf("decodeIdentityClaims() error = %v", err)
	}
	if !claims.ExpiresAt.Equal(expiry) {
		t.Fatalf("ExpiresAt = %v, want %v", claims.ExpiresAt, expiry)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("Subject = %q", claims.Subject)
	}
	if claims.Account != "pat@example.com" {
		t.Fatalf("Account = %q", claims.Account)
	}
}

func TestDecodeIdentityClaims_AccountFallbackKeys(t *testing.T) {
	raw := makeUnsignedJWT(t, map[string]any{
		"exp": time.Now().Add(time.Hour).Unix(),
		"upn": "upn@example.com",
	})
	claims, err := decodeIdentityClaims(raw)
	if err != nil {
		t.Fatalf("decodeIdentityClaims() error = %v", err)
	}
	if claims.Account != "upn@example.com" {
		t.Fatalf("Account = %q, want upn fallback", claims.Account)
	}
}

func TestDecodeIdentityClaims_MissingExpiry(t *testing.T) {
	raw := makeUnsignedJWT(t, map[string]any{"sub": "user-42"})
	if _, err := decodeIdentityClaims(raw); err == nil {
		t.Fatal("decodeIdentityClaims() expected error for missing exp claim")
	}
}

func TestDecodeIdentityClaims_Garbage(t *testing.T) {
	if _, err := decodeIdentityClaims("not-a-jwt"); err == nil {
		t.Fatal("decodeIdentityClaims() expected error for opaque token")
	}
}
