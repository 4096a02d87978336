// Package gwclock centralizes the gateway's notion of time, randomness, and
// the HMAC-SHA256 primitive used by the auth handshake. Centralizing it
// keeps the sliding-window limiter, the challenge table, and the session
// table testable against an injected clock instead of wall time.
package gwclock

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now so tests can inject deterministic timestamps.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// NewID returns a fresh UUID string, used for session IDs and generated
// requestIds.
func NewID() string {
	return uuid.New().String()
}

// RandomToken returns n cryptographically random bytes hex-encoded. The
// auth challenge uses 16 bytes (spec.md §3, §4.2).
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RandomSecret returns 32 cryptographically random bytes, used when no
// shared secret is discovered at startup (spec.md §4.2).
func RandomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SignChallenge computes HMAC-SHA256(secret, challenge) and returns it
// hex-encoded, matching the client's expected `response` field.
func SignChallenge(secret []byte, challenge string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyResponse performs a constant-time comparison of the client's
// response against the expected HMAC. A length mismatch is treated as a
// reject without attempting subtle.ConstantTimeCompare, since that
// function itself only promises constant time for equal-length inputs.
func VerifyResponse(secret []byte, challenge string, response string) bool {
	expected := SignChallenge(secret, challenge)
	if len(expected) != len(response) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}
