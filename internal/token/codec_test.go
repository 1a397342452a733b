package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec("test-secret", 30*time.Second)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	tok, err := c.Issue("session-1", t0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	sessionID, err := c.Verify(Encode(tok), t0.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sessionID != "session-1" {
		t.Errorf("Expected session-1, got %q", sessionID)
	}
}

func TestValidityWindow(t *testing.T) {
	c := newTestCodec(t)
	tok, err := c.Issue("session-1", t0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	encoded := Encode(tok)

	tests := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{"at issuance", t0, nil},
		{"mid window", t0.Add(15 * time.Second), nil},
		{"at expiry boundary", t0.Add(30 * time.Second), nil},
		{"one second past expiry", t0.Add(31 * time.Second), ErrExpired},
		{"long past expiry", t0.Add(time.Hour), ErrExpired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Verify(encoded, tc.at)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Verify at %s: got %v, want %v", tc.at, err, tc.wantErr)
			}
		})
	}
}

func TestTamperedExpiryRejected(t *testing.T) {
	c := newTestCodec(t)
	tok, err := c.Issue("session-1", t0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Stretch the expiry without re-signing; the signature covers it.
	tok.ExpiresAt = tok.ExpiresAt.Add(time.Hour)
	if _, err := c.Verify(Encode(tok), t0.Add(5*time.Second)); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered expiry: got %v, want ErrBadSignature", err)
	}
}

func TestTamperedIssuedAtStillBounded(t *testing.T) {
	c := newTestCodec(t)
	tok, err := c.Issue("session-1", t0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Even if an attacker could somehow re-sign with a future issued_at,
	// the window check against issued_at caps validity independently.
	tok.IssuedAt = t0.Add(-10 * time.Minute)
	tok.Signature = c.sign(tok)
	if _, err := c.Verify(Encode(tok), t0); !errors.Is(err, ErrExpired) {
		t.Errorf("stale issued_at: got %v, want ErrExpired", err)
	}
}

func TestWrongKeyRejected(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec("other-secret", 30*time.Second)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	tok, err := c.Issue("session-1", t0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := other.Verify(Encode(tok), t0); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong key: got %v, want ErrBadSignature", err)
	}
}

func TestMalformedTokens(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no separator", "notatoken"},
		{"bad base64", "!!!!.sig"},
		{"missing fields", "c2Vzc2lvbi0x.sig"},
		{"trailing dot", "c2Vzc2lvbi0x."},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Verify(tc.input, t0); !errors.Is(err, ErrMalformed) {
				t.Errorf("Verify(%q): got %v, want ErrMalformed", tc.input, err)
			}
		})
	}
}

func TestNonceUniquePerIssue(t *testing.T) {
	c := newTestCodec(t)
	a, _ := c.Issue("session-1", t0)
	b, _ := c.Issue("session-1", t0)
	if a.Nonce == b.Nonce {
		t.Error("two issues produced the same nonce")
	}
	if Encode(a) == Encode(b) {
		t.Error("two issues produced the same encoded token")
	}
}

func TestEncodeIsOpaqueSingleLine(t *testing.T) {
	c := newTestCodec(t)
	tok, _ := c.Issue("session-1", t0)
	encoded := Encode(tok)
	if strings.ContainsAny(encoded, "\n ") {
		t.Errorf("encoded token should be a single line, got %q", encoded)
	}
}
