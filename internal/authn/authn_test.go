package authn

import (
	"strings"
	"testing"
	"time"
)

func testVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier([]byte(strings.Repeat("k", 32)), "taskforge", "taskforge-api")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	v := testVerifier(t)
	tok, err := v.Issue("alice", "approver", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	approver, role, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if approver != "alice" || role != "approver" {
		t.Fatalf("got approver=%q role=%q", approver, role)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := testVerifier(t)
	tok, err := v.Issue("alice", "approver", -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, _, err := v.Verify(tok); err == nil {
		t.Fatalf("expected expired token to fail verification")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := testVerifier(t)
	tok, err := v.Issue("alice", "approver", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other, _ := NewVerifier([]byte(strings.Repeat("z", 32)), "taskforge", "taskforge-api")
	if _, _, err := other.Verify(tok); err == nil {
		t.Fatalf("expected verification with the wrong secret to fail")
	}
}

func TestNewVerifierRejectsShortSecret(t *testing.T) {
	if _, err := NewVerifier([]byte("short"), "taskforge", "taskforge-api"); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}
