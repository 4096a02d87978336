// Package auth implements the Auth Manager: HMAC-SHA256 challenge/response
// authentication, the single-use challenge table, the session table, and
// the auth-failure lockout (spec.md §4.2). The in-memory lockout table is
// the source of truth for a running gateway; Redis, when attached, is a
// durable mirror so lockouts survive a restart — adapted from the
// teacher's escalating ban store (internal/ban/store.go), which uses
// Redis the same way for fingerprint bans.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
	"github.com/brwsrgw/browser-control-gateway/internal/ratelimit"
)

var (
	ErrChallengeNotFound = errors.New("auth: challenge not found or already used")
	ErrChallengeExpired  = errors.New("auth: challenge expired")
	ErrChallengeMismatch = errors.New("auth: challenge issued to a different connection")
	ErrBadResponse       = errors.New("auth: challenge response did not verify")
	ErrLockedOut         = errors.New("auth: remote address is locked out after repeated auth failures")
	ErrSessionNotFound   = errors.New("auth: session not found")
	ErrSessionExpired    = errors.New("auth: session expired")
)

const redisLockoutPrefix = "gw:lockout:"

// Manager owns the challenge table, session table, and auth-failure
// lockout for the gateway.
type Manager struct {
	mu         sync.RWMutex
	secret     []byte
	challenges map[string]*gwtypes.Challenge
	sessions   map[string]*gwtypes.Session

	clock            gwclock.Clock
	limiter          *ratelimit.Limiter
	sessionTTL       time.Duration
	challengeTimeout time.Duration

	redis *redis.Client
}

// NewManager creates a Manager. limiter supplies both the auth-failure
// sliding window and the in-memory lockout table (internal/ratelimit),
// since both are sliding-window-shaped state the gateway already needs a
// locked-map primitive for.
func NewManager(secret []byte, limiter *ratelimit.Limiter, clock gwclock.Clock, sessionTTL, challengeTimeout time.Duration) *Manager {
	return &Manager{
		secret:           secret,
		challenges:       make(map[string]*gwtypes.Challenge),
		sessions:         make(map[string]*gwtypes.Session),
		clock:            clock,
		limiter:          limiter,
		sessionTTL:       sessionTTL,
		challengeTimeout: challengeTimeout,
	}
}

// AttachRedis enables the durable lockout mirror.
func (m *Manager) AttachRedis(client *redis.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redis = client
}

// RestoreLockouts reloads any still-active lockouts from the Redis mirror
// into the in-memory limiter. Call this once at startup, after
// AttachRedis, so a restarted gateway doesn't forget an in-progress
// lockout (spec.md §4.2).
func (m *Manager) RestoreLockouts(ctx context.Context) error {
	m.mu.RLock()
	client := m.redis
	m.mu.RUnlock()
	if client == nil {
		return nil
	}

	keys, err := client.Keys(ctx, redisLockoutPrefix+"*").Result()
	if err != nil {
		return fmt.Errorf("auth: failed to list redis lockout keys: %w", err)
	}

	restored := 0
	for _, key := range keys {
		ttl, err := client.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			continue
		}
		remoteIP := key[len(redisLockoutPrefix):]
		m.limiter.Lockout(remoteIP, ttl)
		restored++
	}
	if restored > 0 {
		log.Printf("auth: restored %d lockouts from redis mirror", restored)
	}
	return nil
}

// IssueChallenge mints a fresh single-use challenge bound to connID.
func (m *Manager) IssueChallenge(connID string) (*gwtypes.Challenge, error) {
	token, err := gwclock.RandomToken(16)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to generate challenge: %w", err)
	}

	ch := &gwtypes.Challenge{
		Token:     token,
		ExpiresAt: m.clock.Now().Add(m.challengeTimeout),
		ConnID:    connID,
	}

	m.mu.Lock()
	m.challenges[token] = ch
	m.mu.Unlock()

	return ch, nil
}

// IsLockedOut reports whether remoteIP is currently locked out from
// attempting the handshake.
func (m *Manager) IsLockedOut(remoteIP string) (bool, time.Duration) {
	return m.limiter.IsLockedOut(remoteIP)
}

// VerifyAndCreateSession validates a challenge response and, on success,
// issues a session. The challenge is consumed (deleted) whether or not
// verification succeeds, since a challenge is single-use regardless of
// outcome (spec.md §4.2).
func (m *Manager) VerifyAndCreateSession(token, response, connID, remoteIP string, role gwtypes.Role, permissions []string) (*gwtypes.Session, error) {
	if locked, remaining := m.limiter.IsLockedOut(remoteIP); locked {
		return nil, fmt.Errorf("%w: retry after %v", ErrLockedOut, remaining.Round(time.Second))
	}

	m.mu.Lock()
	ch, ok := m.challenges[token]
	if ok {
		delete(m.challenges, token)
	}
	m.mu.Unlock()

	if !ok {
		m.recordFailure(remoteIP)
		return nil, ErrChallengeNotFound
	}
	if ch.Expired(m.clock.Now()) {
		m.recordFailure(remoteIP)
		return nil, ErrChallengeExpired
	}
	if ch.ConnID != connID {
		m.recordFailure(remoteIP)
		return nil, ErrChallengeMismatch
	}
	if !gwclock.VerifyResponse(m.secret, ch.Token, response) {
		m.recordFailure(remoteIP)
		return nil, ErrBadResponse
	}

	now := m.clock.Now()
	sess := &gwtypes.Session{
		ID:          gwclock.NewID(),
		ClientID:    connID,
		Role:        role,
		Permissions: permissions,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.sessionTTL),
		LastActive:  now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.limiter.ClearLockout(remoteIP)
	return sess, nil
}

// recordFailure records an auth failure against remoteIP and, once the
// failures in the window reach the threshold, imposes a lockout mirrored
// to Redis when attached.
func (m *Manager) recordFailure(remoteIP string) {
	m.limiter.Record(remoteIP, ratelimit.RuleAuthFailure)
	if m.limiter.CheckLimit(remoteIP, ratelimit.RuleAuthFailure) {
		return
	}

	m.limiter.Lockout(remoteIP, ratelimit.AuthLockoutDuration)
	log.Printf("auth: locking out %s for %v after repeated auth failures", remoteIP, ratelimit.AuthLockoutDuration)

	m.mu.RLock()
	client := m.redis
	m.mu.RUnlock()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := redisLockoutPrefix + remoteIP
	if err := client.Set(ctx, key, "locked", ratelimit.AuthLockoutDuration).Err(); err != nil {
		log.Printf("auth: failed to mirror lockout for %s to redis: %v", remoteIP, err)
	}
}

// GetSession returns the session for id if it exists and has not expired.
func (m *Manager) GetSession(id string) (*gwtypes.Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Expired(m.clock.Now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Touch refreshes a session's LastActive timestamp.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.LastActive = m.clock.Now()
	}
}

// RemoveSession deletes a session, e.g. on disconnect.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// SweepExpired removes expired challenges and sessions, returning the
// counts removed. No periodic loop in this repository calls it;
// GetSession rejects an expired session on lookup without deleting it.
func (m *Manager) SweepExpired() (challengesSwept, sessionsSwept int) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for token, ch := range m.challenges {
		if ch.Expired(now) {
			delete(m.challenges, token)
			challengesSwept++
		}
	}
	for id, sess := range m.sessions {
		if sess.Expired(now) {
			delete(m.sessions, id)
			sessionsSwept++
		}
	}
	return challengesSwept, sessionsSwept
}

// Clear wipes the challenge and session tables, used during graceful
// shutdown so a freshly-started gateway never inherits stale in-memory
// handshake or session state (spec.md §5 testable property 9).
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges = make(map[string]*gwtypes.Challenge)
	m.sessions = make(map[string]*gwtypes.Session)
}

// SessionCount returns the number of live sessions, used by /api/status.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SecretFingerprint returns the first 8 hex characters of SHA-256(secret),
// for the loopback-only GET /auth/secret operator debugging endpoint
// (SPEC_FULL.md §4.14). The raw secret is never exposed.
func (m *Manager) SecretFingerprint() string {
	sum := sha256.Sum256(m.secret)
	return hex.EncodeToString(sum[:])[:8]
}
