package auth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brwsrgw/browser-control-gateway/internal/gwclock"
	"github.com/brwsrgw/browser-control-gateway/internal/gwtypes"
	"github.com/brwsrgw/browser-control-gateway/internal/ratelimit"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(clock gwclock.Clock) *Manager {
	limiter := ratelimit.NewLimiter(clock)
	return NewManager([]byte("test-secret"), limiter, clock, time.Hour, 10*time.Second)
}

func TestIssueChallengeAndVerify_Success(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(clock)

	ch, err := m.IssueChallenge("conn-1")
	if err != nil {
		t.Fatalf("IssueChallenge error: %v", err)
	}

	response := gwclock.SignChallenge([]byte("test-secret"), ch.Token)
	sess, err := m.VerifyAndCreateSession(ch.Token, response, "conn-1", "1.2.3.4", gwtypes.RoleAutomation, []string{"control"})
	if err != nil {
		t.Fatalf("VerifyAndCreateSession error: %v", err)
	}
	if sess.Role != gwtypes.RoleAutomation {
		t.Errorf("expected role automation, got %v", sess.Role)
	}
	if sess.ClientID != "conn-1" {
		t.Errorf("expected clientId conn-1, got %v", sess.ClientID)
	}
}

func TestVerify_ChallengeIsSingleUse(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(clock)

	ch, _ := m.IssueChallenge("conn-1")
	response := gwclock.SignChallenge([]byte("test-secret"), ch.Token)

	if _, err := m.VerifyAndCreateSession(ch.Token, response, "conn-1", "1.2.3.4", gwtypes.RoleAutomation, nil); err != nil {
		t.Fatalf("first verify should succeed: %v", err)
	}
	if _, err := m.VerifyAndCreateSession(ch.Token, response, "conn-1", "1.2.3.5", gwtypes.RoleAutomation, nil); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound on reuse, got %v", err)
	}
}

func TestVerify_ExpiredChallenge(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(clock)

	ch, _ := m.IssueChallenge("conn-1")
	response := gwclock.SignChallenge([]byte("test-secret"), ch.Token)
	clock.Advance(11 * time.Second)

	if _, err := m.VerifyAndCreateSession(ch.Token, response, "conn-1", "1.2.3.4", gwtypes.RoleAutomation, nil); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestVerify_ConnMismatch(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(clock)

	ch, _ := m.IssueChallenge("conn-1")
	response := gwclock.SignChallenge([]byte("test-secret"), ch.Token)

	if _, err := m.VerifyAndCreateSession(ch.Token, response, "conn-2", "1.2.3.4", gwtypes.RoleAutomation, nil); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected ErrChallengeMismatch, got %v", err)
	}
}

func TestVerify_BadResponse(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(clock)

	ch, _ := m.IssueChallenge("conn-1")
	if _, err := m.VerifyAndCreateSession(ch.Token, "not-the-right-hmac", "conn-1", "1.2.3.4", gwtypes.RoleAutomation, nil); !errors.Is(err, ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}

func TestRepeatedFailures_TriggerLockout(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(clock)

	for i := 0; i < int(ratelimit.RuleAuthFailure.Limit); i++ {
		ch, _ := m.IssueChallenge("conn-1")
		m.VerifyAndCreateSession(ch.Token, "wrong", "conn-1", "9.9.9.9", gwtypes.RoleAutomation, nil)
	}

	locked, _ := m.IsLockedOut("9.9.9.9")
	if !locked {
		t.Fatal("expected lockout once the auth-failure threshold is reached")
	}

	ch, _ := m.IssueChallenge("conn-1")
	response := gwclock.SignChallenge([]byte("test-secret"), ch.Token)
	if _, err := m.VerifyAndCreateSession(ch.Token, response, "conn-1", "9.9.9.9", gwtypes.RoleAutomation, nil); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("expected ErrLockedOut even with a correct response during lockout, got %v", err)
	}
}

func TestSuccessfulAuth_LeavesNoLockout(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(clock)

	ch, _ := m.IssueChallenge("conn-1")
	response := gwclock.SignChallenge([]byte("test-secret"), ch.Token)
	if _, err := m.VerifyAndCreateSession(ch.Token, response, "conn-1", "5.5.5.5", gwtypes.RoleAutomation, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if locked, _ := m.IsLockedOut("5.5.5.5"); locked {
		t.Fatal("expected no lockout after a clean success")
	}
}

func TestSessionLifecycle(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(clock)

	ch, _ := m.IssueChallenge("conn-1")
	response := gwclock.SignChallenge([]byte("test-secret"), ch.Token)
	sess, _ := m.VerifyAndCreateSession(ch.Token, response, "conn-1", "1.2.3.4", gwtypes.RoleExtension, nil)

	if _, err := m.GetSession(sess.ID); err != nil {
		t.Fatalf("expected session to be retrievable, got %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := m.GetSession(sess.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	swept, sessionsSwept := m.SweepExpired()
	_ = swept
	if sessionsSwept != 1 {
		t.Fatalf("expected SweepExpired to remove 1 expired session, got %d", sessionsSwept)
	}
	if _, err := m.GetSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after sweep, got %v", err)
	}
}

func TestRemoveSession(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(clock)

	ch, _ := m.IssueChallenge("conn-1")
	response := gwclock.SignChallenge([]byte("test-secret"), ch.Token)
	sess, _ := m.VerifyAndCreateSession(ch.Token, response, "conn-1", "1.2.3.4", gwtypes.RoleExtension, nil)

	m.RemoveSession(sess.ID)
	if _, err := m.GetSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after RemoveSession, got %v", err)
	}
}

func TestClear_WipesChallengesAndSessions(t *testing.T) {
	clock := newManualClock()
	m := newTestManager(clock)

	ch, _ := m.IssueChallenge("conn-1")
	response := gwclock.SignChallenge([]byte("test-secret"), ch.Token)
	sess, _ := m.VerifyAndCreateSession(ch.Token, response, "conn-1", "1.2.3.4", gwtypes.RoleExtension, nil)

	ch2, err := m.IssueChallenge("conn-2")
	if err != nil {
		t.Fatalf("IssueChallenge error: %v", err)
	}

	m.Clear()

	if _, err := m.GetSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after Clear, got %v", err)
	}
	if m.SessionCount() != 0 {
		t.Fatalf("expected SessionCount 0 after Clear, got %d", m.SessionCount())
	}
	response2 := gwclock.SignChallenge([]byte("test-secret"), ch2.Token)
	if _, err := m.VerifyAndCreateSession(ch2.Token, response2, "conn-2", "1.2.3.4", gwtypes.RoleExtension, nil); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound for a challenge issued before Clear, got %v", err)
	}
}
