package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

// Session is one authenticated browser, minted after JWT validation and
// referenced by an opaque cookie value.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionManager holds live browser sessions in memory. Sessions do not
// survive a relay restart; browsers re-present their JWT and get a new one.
type SessionManager struct {
	mu         sync.Mutex
	byID       map[string]*Session
	cookieName string
	secure     bool
	ttl        time.Duration
}

// NewSessionManager creates a manager and starts its background expiry sweep.
func NewSessionManager(cookieName string, secure bool, ttl time.Duration) *SessionManager {
	sm := &SessionManager{
		byID:       make(map[string]*Session),
		cookieName: cookieName,
		secure:     secure,
		ttl:        ttl,
	}
	go sm.sweep()
	return sm
}

// CreateSession mints a session for validated claims. A session never
// outlives the token it was minted from: expiry is the sooner of the
// configured TTL and the token's own expiration.
func (sm *SessionManager) CreateSession(claims *Claims) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expires := now.Add(sm.ttl)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Time.Before(expires) {
		expires = exp.Time
	}
	sess := &Session{
		ID:        id,
		UserID:    claims.Subject,
		CreatedAt: now,
		ExpiresAt: expires,
	}

	sm.mu.Lock()
	sm.byID[id] = sess
	sm.mu.Unlock()
	return sess, nil
}

// GetSession returns the session for an id, or nil when unknown or expired.
// Expired entries are evicted on lookup rather than waiting for the sweep.
func (sm *SessionManager) GetSession(id string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.byID[id]
	if !ok {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(sm.byID, id)
		return nil
	}
	return sess
}

// GetSessionFromRequest resolves the session referenced by the request's
// cookie, or nil when the cookie is absent or stale.
func (sm *SessionManager) GetSessionFromRequest(r *http.Request) *Session {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		return nil
	}
	return sm.GetSession(cookie.Value)
}

// DeleteSession removes a session.
func (sm *SessionManager) DeleteSession(id string) {
	sm.mu.Lock()
	delete(sm.byID, id)
	sm.mu.Unlock()
}

// SetCookie attaches the session cookie to the response.
func (sm *SessionManager) SetCookie(w http.ResponseWriter, sess *Session) {
	http.SetCookie(w, sm.cookie(sess.ID, sess.ExpiresAt))
}

// ClearCookie overwrites the session cookie with an already-expired one.
func (sm *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie("", time.Unix(0, 0)))
}

func (sm *SessionManager) cookie(value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ActiveSessions counts sessions that have not yet expired.
func (sm *SessionManager) ActiveSessions() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	n := 0
	for _, sess := range sm.byID {
		if now.Before(sess.ExpiresAt) {
			n++
		}
	}
	return n
}

func (sm *SessionManager) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		sm.mu.Lock()
		for id, sess := range sm.byID {
			if now.After(sess.ExpiresAt) {
				delete(sm.byID, id)
			}
		}
		sm.mu.Unlock()
	}
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
