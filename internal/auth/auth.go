// Package auth resolves bearer tokens on API requests to scoped principals.
//
// Scopes take the form "<resource>:<access>" where access is "ro" or "rw";
// "rw" implies "ro" on the same resource and "*" grants everything.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const ScopeAll = "*"

var (
	ErrMissingToken    = errors.New("missing Authorization header")
	ErrMalformedHeader = errors.New("authorization header must be 'Bearer <token>'")
	ErrUnknownToken    = errors.New("invalid API key")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. Label names the credential that
// matched ("api_key", "token[2]") and never carries the secret.
type Principal struct {
	Label  string
	scopes map[string]struct{}
}

// Can reports whether p holds "*" or at least one of required.
func (p Principal) Can(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

// Scopes returns the effective scopes, sorted.
func (p Principal) Scopes() []string {
	out := make([]string, 0, len(p.scopes))
	for s := range p.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Anonymous is the principal used when no credentials are configured.
func Anonymous() Principal {
	return Principal{Label: "anonymous", scopes: map[string]struct{}{ScopeAll: {}}}
}

type credential struct {
	secret    []byte
	principal Principal
}

// Keyring holds the configured credentials. It is immutable once built.
type Keyring struct {
	creds []credential
}

// NewKeyring builds a keyring from the admin api key and scoped tokens.
// Empty secrets are skipped.
func NewKeyring(apiKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if apiKey != "" {
		k.creds = append(k.creds, credential{
			secret:    []byte(apiKey),
			principal: Principal{Label: "api_key", scopes: map[string]struct{}{ScopeAll: {}}},
		})
	}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.creds = append(k.creds, credential{
			secret:    []byte(t.Token),
			principal: Principal{Label: fmt.Sprintf("token[%d]", i), scopes: expandScopes(t.Scopes)},
		})
	}
	return k
}

// Open reports whether the keyring holds no credentials at all.
func (k *Keyring) Open() bool {
	return len(k.creds) == 0
}

// Verify authenticates the request's bearer token.
func (k *Keyring) Verify(r *http.Request) (Principal, error) {
	token, err := bearerToken(r)
	if err != nil {
		return Principal{}, err
	}
	return k.Match(token)
}

// Match looks token up. Every credential is compared so the time taken does
// not depend on which one matched.
func (k *Keyring) Match(token string) (Principal, error) {
	presented := []byte(token)
	var found *Principal
	for i := range k.creds {
		c := &k.creds[i]
		if len(c.secret) == len(presented) && subtle.ConstantTimeCompare(c.secret, presented) == 1 && found == nil {
			found = &c.principal
		}
	}
	if found == nil {
		return Principal{}, ErrUnknownToken
	}
	return *found, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedHeader
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if res, ok := strings.CutSuffix(s, ":rw"); ok {
			out[res+":ro"] = struct{}{}
		}
	}
	return out
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
