// Package scope parses OAuth scope strings and decides whether a stored
// consent covers a new request.
package scope

import (
	"sort"
	"strings"

	"github.com/alexjbarnes/authflow/internal/models"
)

// OpenID is the scope that triggers ID token issuance.
const OpenID = "openid"

// Set is a deduplicated collection of scope tokens.
type Set map[string]struct{}

// Parse splits a space-delimited scope string. Tokens are trimmed, empty
// tokens dropped and duplicates collapsed, so Parse(Parse(s).String())
// equals Parse(s).
func Parse(s string) Set {
	set := make(Set)

	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}

	return set
}

// FromSlice builds a Set from individual tokens.
func FromSlice(tokens []string) Set {
	return Parse(strings.Join(tokens, " "))
}

// Has reports whether tok is in the set.
func (s Set) Has(tok string) bool {
	_, ok := s[tok]
	return ok
}

// Slice returns the tokens sorted.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for tok := range s {
		out = append(out, tok)
	}

	sort.Strings(out)

	return out
}

// String joins the sorted tokens with single spaces.
func (s Set) String() string {
	return strings.Join(s.Slice(), " ")
}

// Union returns a new set holding the tokens of both sets.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for tok := range s {
		out[tok] = struct{}{}
	}

	for tok := range other {
		out[tok] = struct{}{}
	}

	return out
}

// Unknown returns the tokens of s that are not in supported.
func (s Set) Unknown(supported Set) []string {
	var out []string

	for _, tok := range s.Slice() {
		if !supported.Has(tok) {
			out = append(out, tok)
		}
	}

	return out
}

// Covers reports whether every requested token is granted. An empty request
// is always covered.
func Covers(granted, requested Set) bool {
	for tok := range requested {
		if !granted.Has(tok) {
			return false
		}
	}

	return true
}

// IsActive reports whether a consent exists and has not been revoked.
func IsActive(c *models.OAuthConsent) bool {
	return c != nil && c.RevokedAt == nil
}

// AutoApprovable reports whether an active consent covers the requested
// scopes, allowing the authorization to skip the consent prompt.
func AutoApprovable(c *models.OAuthConsent, requested Set) bool {
	return IsActive(c) && Covers(Parse(c.Scope), requested)
}
