// Package token signs and verifies the short-lived attendance tokens a
// session rotates while it is open for redemption. Tokens are MAC-signed,
// not encrypted: they stay small enough for a QR code and verify statelessly.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed means the token string could not be parsed at all.
	ErrMalformed = errors.New("malformed token")
	// ErrExpired means the token parsed but is outside its validity window.
	ErrExpired = errors.New("token expired")
	// ErrBadSignature means the signature does not match the payload.
	ErrBadSignature = errors.New("bad token signature")
)

// Token is one issued attendance credential.
type Token struct {
	SessionID string
	IssuedAt  time.Time
	Nonce     string
	ExpiresAt time.Time
	Signature string
}

// Codec issues and verifies tokens with a shared MAC key and a fixed
// validity window.
type Codec struct {
	key    []byte
	window time.Duration
}

// NewCodec creates a codec. Window must be positive.
func NewCodec(key string, window time.Duration) (*Codec, error) {
	if key == "" {
		return nil, errors.New("token: signing key required")
	}
	if window <= 0 {
		return nil, errors.New("token: validity window must be positive")
	}
	return &Codec{key: []byte(key), window: window}, nil
}

// Window returns the configured validity window.
func (c *Codec) Window() time.Duration { return c.window }

// Issue creates a fresh token for the session at now. The caller persists
// the result as the session's single current token.
func (c *Codec) Issue(sessionID string, now time.Time) (Token, error) {
	if sessionID == "" {
		return Token{}, errors.New("token: session id required")
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Token{}, fmt.Errorf("token: nonce: %w", err)
	}
	t := Token{
		SessionID: sessionID,
		IssuedAt:  now.UTC().Truncate(time.Second),
		Nonce:     hex.EncodeToString(nonce),
		ExpiresAt: now.UTC().Truncate(time.Second).Add(c.window),
	}
	t.Signature = c.sign(t)
	return t, nil
}

// Encode renders a token as an opaque string for QR display.
func Encode(t Token) string {
	payload := strings.Join([]string{
		t.SessionID,
		strconv.FormatInt(t.IssuedAt.Unix(), 10),
		t.Nonce,
		strconv.FormatInt(t.ExpiresAt.Unix(), 10),
	}, "\n")
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + t.Signature
}

// Decode parses an encoded token string without verifying it.
func Decode(s string) (Token, error) {
	dot := strings.LastIndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return Token{}, ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[:dot])
	if err != nil {
		return Token{}, ErrMalformed
	}
	parts := strings.Split(string(raw), "\n")
	if len(parts) != 4 {
		return Token{}, ErrMalformed
	}
	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Token{}, ErrMalformed
	}
	expires, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Token{}, ErrMalformed
	}
	if parts[0] == "" || parts[2] == "" {
		return Token{}, ErrMalformed
	}
	return Token{
		SessionID: parts[0],
		IssuedAt:  time.Unix(issued, 0).UTC(),
		Nonce:     parts[2],
		ExpiresAt: time.Unix(expires, 0).UTC(),
		Signature: s[dot+1:],
	}, nil
}

// Verify checks an encoded token and returns its session id. The expiry is
// checked twice: against the authenticated expires_at field and against
// issued_at plus the configured window, so neither field alone can stretch
// validity.
func (c *Codec) Verify(encoded string, now time.Time) (string, error) {
	t, err := Decode(encoded)
	if err != nil {
		return "", err
	}
	expected := c.sign(t)
	if !hmac.Equal([]byte(expected), []byte(t.Signature)) {
		return "", ErrBadSignature
	}
	now = now.UTC()
	if now.After(t.ExpiresAt) {
		return "", ErrExpired
	}
	if now.Sub(t.IssuedAt) > c.window {
		return "", ErrExpired
	}
	return t.SessionID, nil
}

// sign computes the MAC over every token field, expiry included.
func (c *Codec) sign(t Token) string {
	mac := hmac.New(sha256.New, c.key)
	fmt.Fprintf(mac, "%s\n%d\n%s\n%d",
		t.SessionID, t.IssuedAt.Unix(), t.Nonce, t.ExpiresAt.Unix())
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
