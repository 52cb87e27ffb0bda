package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	authCookieName = "codeman_session"

	// sessionTTL is the sliding expiry of an auth cookie.
	sessionTTL = 24 * time.Hour

	// maxAuthSessions bounds concurrent cookie sessions; the least
	// recently used session is evicted beyond it.
	maxAuthSessions = 100

	// maxFailedAttempts per client address before lockout.
	maxFailedAttempts = 10

	// lockoutWindow is how long a flooded address is refused.
	lockoutWindow = 15 * time.Minute
)

type authSession struct {
	token    string
	lastUsed time.Time
}

type failedCounter struct {
	count    int
	lockedAt time.Time
}

// Authenticator implements the optional username/password scheme with
// HTTP-only session cookies and per-address rate limiting.
type Authenticator struct {
	username string
	password string

	mu       sync.Mutex
	sessions map[string]*authSession
	failures map[string]*failedCounter

	now func() time.Time
}

// NewAuthenticator creates an authenticator. Empty credentials disable
// authentication entirely.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
		sessions: make(map[string]*authSession),
		failures: make(map[string]*failedCounter),
		now:      time.Now,
	}
}

// Enabled reports whether credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

func clientAddr(c *gin.Context) string {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}

// locked reports whether the address is inside its lockout window.
func (a *Authenticator) locked(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.failures[addr]
	if !ok || f.count < maxFailedAttempts {
		return false
	}
	if a.now().Sub(f.lockedAt) > lockoutWindow {
		delete(a.failures, addr)
		return false
	}
	return true
}

func (a *Authenticator) recordFailure(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.failures[addr]
	if !ok {
		f = &failedCounter{}
		a.failures[addr] = f
	}
	f.count++
	if f.count >= maxFailedAttempts {
		f.lockedAt = a.now()
		logrus.Warnf("auth: address %s locked out after %d failures", addr, f.count)
	}
}

func (a *Authenticator) clearFailures(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failures, addr)
}

// issue creates a new cookie session, evicting the least recently used
// one beyond the cap.
func (a *Authenticator) issue() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		logrus.Errorf("auth: token generation failed: %v", err)
		return ""
	}
	token := hex.EncodeToString(raw)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[token] = &authSession{token: token, lastUsed: a.now()}
	for len(a.sessions) > maxAuthSessions {
		var oldest *authSession
		for _, s := range a.sessions {
			if oldest == nil || s.lastUsed.Before(oldest.lastUsed) {
				oldest = s
			}
		}
		delete(a.sessions, oldest.token)
	}
	return token
}

// validate checks a cookie token and slides its expiry.
func (a *Authenticator) validate(token string) bool {
	if token == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[token]
	if !ok {
		return false
	}
	if a.now().Sub(s.lastUsed) > sessionTTL {
		delete(a.sessions, token)
		return false
	}
	s.lastUsed = a.now()
	return true
}

// HandleLogin verifies credentials and issues the session cookie.
func (a *Authenticator) HandleLogin(c *gin.Context) {
	addr := clientAddr(c)
	if a.locked(addr) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":  "rate_limited",
			"error": "too many failed attempts, retry later",
		})
		return
	}

	username, password, ok := c.Request.BasicAuth()
	if !ok {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&body); err == nil {
			username, password = body.Username, body.Password
		}
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		a.recordFailure(addr)
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "unauthorized",
			"error": "invalid credentials",
		})
		return
	}

	a.clearFailures(addr)
	token := a.issue()
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(authCookieName, token, int(sessionTTL.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"message": "authenticated"})
}

// Middleware gates requests on a valid session cookie. The hook-ingest
// path is exempt for loopback sources only; login and health are open.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		switch c.FullPath() {
		case "/auth/login", "/health":
			c.Next()
			return
		case "/hook-event":
			host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
			if err == nil {
				if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
					c.Next()
					return
				}
			}
		}

		token, _ := c.Cookie(authCookieName)
		if !a.validate(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "unauthorized",
				"error": "authentication required",
			})
			return
		}
		c.Next()
	}
}
