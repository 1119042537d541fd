package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier([]byte("test-secret-at-least-32-bytes-long!"))
	if err != nil {
		t.Fatalf("verifier init failed: %v", err)
	}
	return v
}

func TestNewVerifierRejectsEmptySecret(t *testing.T) {
	if _, err := NewVerifier(nil); err == nil {
		t.Error("expected an error for an empty secret")
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Issue("client-a", []string{ScopeSubscribe, ScopePublish}, time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.ClientID != "client-a" {
		t.Errorf("expected client-a, got %q", claims.ClientID)
	}
	if !claims.HasScope(ScopeSubscribe) || !claims.HasScope(ScopePublish) {
		t.Errorf("missing expected scopes: %v", claims.Scopes)
	}
	if claims.HasScope(ScopeModerate) {
		t.Error("unexpected moderate scope")
	}
	if claims.ExpiresAt.Before(time.Now().Add(55 * time.Minute)) {
		t.Errorf("expiry too soon: %v", claims.ExpiresAt)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := newTestVerifier(t)

	// A zero ttl issues an already-expired token.
	token, err := v.Issue("client-a", []string{ScopeSubscribe}, 0)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	_, err = v.Verify(token)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	v := newTestVerifier(t)
	other, err := NewVerifier([]byte("a-completely-different-secret-value"))
	if err != nil {
		t.Fatalf("verifier init failed: %v", err)
	}

	token, err := other.Issue("client-a", []string{ScopeSubscribe}, time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	_, err = v.Verify(token)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyGarbageToken(t *testing.T) {
	v := newTestVerifier(t)

	for _, token := range []string{"", "not-a-jwt", "a.b", "a.b.c.d"} {
		if _, err := v.Verify(token); !errors.Is(err, ErrMalformed) {
			t.Errorf("token %q: expected ErrMalformed, got %v", token, err)
		}
	}
}

func TestVerifyTamperedToken(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Issue("client-a", []string{ScopeSubscribe}, time.Hour)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	// Flip a character in the signature segment.
	tampered := token[:len(token)-2]
	if token[len(token)-1] == 'A' {
		tampered += "BB"
	} else {
		tampered += "AA"
	}
	if _, err := v.Verify(tampered); err == nil {
		t.Error("expected tampered token to fail verification")
	}
}
