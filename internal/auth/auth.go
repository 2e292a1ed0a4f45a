// Package auth checks bearer tokens against a keyring of scoped grants.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the intake API. A ":rw" scope implies its ":ro"
// counterpart. "*" grants everything.
const (
	ScopeAll        = "*"
	ScopeCommandsRW = "commands:rw"
	ScopeCommandsRO = "commands:ro"
	ScopeEventsRO   = "events:ro"
)

var (
	ErrNoCredentials = errors.New("missing bearer token")
	ErrBadScheme     = errors.New("authorization scheme must be Bearer")
)

// Grant binds a bearer token to scopes.
type Grant struct {
	Token  string
	Scopes []string
}

// ScopeSet is an expanded set of scopes.
type ScopeSet map[string]struct{}

// ParseScopes trims and expands scopes; blanks are dropped.
func ParseScopes(scopes ...string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
		if resource, ok := strings.CutSuffix(s, ":rw"); ok {
			set[resource+":ro"] = struct{}{}
		}
	}
	return set
}

// Allows reports whether the set holds "*" or any of required. An empty
// requirement is always allowed.
func (s ScopeSet) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := s[ScopeAll]; ok {
		return true
	}
	for _, r := range required {
		if _, ok := s[r]; ok {
			return true
		}
	}
	return false
}

// Principal is the caller behind a matched grant. Grant is the grant's
// position in the keyring; the admin key is -1.
type Principal struct {
	Grant  int
	Scopes ScopeSet
}

// Admin reports whether the principal came from the admin key.
func (p Principal) Admin() bool { return p.Grant < 0 }

type entry struct {
	grant  int
	token  []byte
	scopes ScopeSet
}

// Keyring is the immutable set of accepted tokens.
type Keyring struct {
	entries []entry
}

// NewKeyring builds a keyring. A non-empty adminKey holds every scope.
// Grants with an empty token are skipped.
func NewKeyring(adminKey string, grants []Grant) *Keyring {
	k := &Keyring{}
	if adminKey != "" {
		k.entries = append(k.entries, entry{grant: -1, token: []byte(adminKey), scopes: ParseScopes(ScopeAll)})
	}
	for i, g := range grants {
		if g.Token == "" {
			continue
		}
		k.entries = append(k.entries, entry{grant: i, token: []byte(g.Token), scopes: ParseScopes(g.Scopes...)})
	}
	return k
}

// Lookup finds the grant for presented. Every entry is compared so the
// time taken does not depend on which one matches.
func (k *Keyring) Lookup(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	p := []byte(presented)
	var (
		found Principal
		ok    bool
	)
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(p, e.token) == 1 && !ok {
			found, ok = Principal{Grant: e.grant, Scopes: e.scopes}, true
		}
	}
	return found, ok
}

// BearerToken reads the token from the Authorization header.
func BearerToken(h http.Header) (string, error) {
	value := strings.TrimSpace(h.Get("Authorization"))
	if value == "" {
		return "", ErrNoCredentials
	}
	scheme, token, _ := strings.Cut(value, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return "", ErrBadScheme
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrNoCredentials
	}
	return token, nil
}

type principalKey struct{}

// NewContext returns ctx carrying p.
func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by NewContext.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
