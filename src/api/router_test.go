package api

import (
	"testing"
	"time"
)

func TestRedactSecrets(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no query string",
			input:    "/sessions/abc",
			expected: "/sessions/abc",
		},
		{
			name:     "no sensitive params",
			input:    "/sessions?limit=10&order=desc",
			expected: "/sessions?limit=10&order=desc",
		},
		{
			name:     "token param",
			input:    "/events?token=abc123xyz",
			expected: "/events?token=%5BREDACTED%5D",
		},
		{
			name:     "password param mixed with safe ones",
			input:    "/auth/login?password=hunter2&next=%2F",
			expected: "/auth/login?next=%2F&password=%5BREDACTED%5D",
		},
		{
			name:     "case insensitive",
			input:    "/events?TOKEN=abc",
			expected: "/events?TOKEN=%5BREDACTED%5D",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := redactSecrets(tc.input); got != tc.expected {
				t.Errorf("redactSecrets(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestAuthenticatorDisabledWithoutCredentials(t *testing.T) {
	a := NewAuthenticator("", "")
	if a.Enabled() {
		t.Error("empty credentials should disable auth")
	}
}

func TestAuthSessionLifecycle(t *testing.T) {
	a := NewAuthenticator("admin", "secret")

	token := a.issue()
	if token == "" {
		t.Fatal("issue returned empty token")
	}
	if !a.validate(token) {
		t.Error("fresh token rejected")
	}
	if a.validate("deadbeef") {
		t.Error("unknown token accepted")
	}
}

func TestAuthSessionSlidingExpiry(t *testing.T) {
	a := NewAuthenticator("admin", "secret")
	current := time.Now()
	a.now = func() time.Time { return current }

	token := a.issue()

	// Touch the session every 20 hours; the sliding TTL keeps it alive
	// far past the initial 24-hour window.
	for i := 0; i < 3; i++ {
		current = current.Add(20 * time.Hour)
		if !a.validate(token) {
			t.Fatalf("token expired despite sliding touches at step %d", i)
		}
	}

	current = current.Add(25 * time.Hour)
	if a.validate(token) {
		t.Error("token survived past the sliding TTL")
	}
}

func TestAuthSessionLRUEviction(t *testing.T) {
	a := NewAuthenticator("admin", "secret")
	current := time.Now()
	a.now = func() time.Time { return current }

	first := a.issue()
	for i := 0; i < maxAuthSessions; i++ {
		current = current.Add(time.Second)
		a.issue()
	}
	if a.validate(first) {
		t.Error("oldest session survived LRU eviction")
	}
}

func TestRateLimitLockout(t *testing.T) {
	a := NewAuthenticator("admin", "secret")
	current := time.Now()
	a.now = func() time.Time { return current }

	addr := "203.0.113.7"
	for i := 0; i < maxFailedAttempts; i++ {
		a.recordFailure(addr)
	}
	if !a.locked(addr) {
		t.Fatal("address not locked after threshold failures")
	}

	// The lockout decays after its window.
	current = current.Add(lockoutWindow + time.Minute)
	if a.locked(addr) {
		t.Error("lockout did not decay")
	}
}
