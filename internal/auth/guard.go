// Package auth is the HTTP request layer of the authorization server. It
// parses requests, calls the engine and maps engine errors onto OAuth
// responses. It holds no OAuth state of its own beyond short-lived form
// tokens and rate limit windows.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// csrfExpiry controls how long a CSRF token remains valid.
	csrfExpiry = 10 * time.Minute

	// csrfPruneThreshold is the number of outstanding CSRF tokens above
	// which expired ones are dropped on the next save.
	csrfPruneThreshold = 10000

	// registrationsPerMinute caps unauthenticated client registrations.
	registrationsPerMinute = 10
)

// csrfEntry binds a CSRF token to the authorization its form belongs to.
type csrfEntry struct {
	authorizationID string
	expiresAt       time.Time
}

// Guard holds the request layer's short-lived state: CSRF tokens for the
// sign-in and consent forms and the registration rate window.
type Guard struct {
	mu   sync.Mutex
	csrf map[string]csrfEntry // csrf token -> entry
	now  func() time.Time

	// registrationTimes tracks recent registration timestamps for
	// rate limiting unauthenticated /oauth/register requests.
	registrationTimes []time.Time
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{
		csrf: make(map[string]csrfEntry),
		now:  time.Now,
	}
}

// IssueCSRF creates a CSRF token bound to an authorization.
func (g *Guard) IssueCSRF(authorizationID string) string {
	token := RandomHex(16)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if len(g.csrf) > csrfPruneThreshold {
		for k, e := range g.csrf {
			if now.After(e.expiresAt) {
				delete(g.csrf, k)
			}
		}
	}

	g.csrf[token] = csrfEntry{authorizationID: authorizationID, expiresAt: now.Add(csrfExpiry)}

	return token
}

// ConsumeCSRF deletes a CSRF token and reports whether it was valid for
// the authorization. Tokens are single use even when the check fails.
func (g *Guard) ConsumeCSRF(token, authorizationID string) bool {
	if token == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.csrf[token]
	if !ok {
		return false
	}

	delete(g.csrf, token)

	return entry.authorizationID == authorizationID && g.now().Before(entry.expiresAt)
}

// RegistrationAllowed checks whether a new registration is allowed under
// the rate limit. Returns false if the limit is exceeded.
func (g *Guard) RegistrationAllowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	window := now.Add(-1 * time.Minute)

	valid := g.registrationTimes[:0]
	for _, t := range g.registrationTimes {
		if t.After(window) {
			valid = append(valid, t)
		}
	}

	g.registrationTimes = valid

	if len(g.registrationTimes) >= registrationsPerMinute {
		return false
	}

	g.registrationTimes = append(g.registrationTimes, now)

	return true
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
