// Package auth resolves bearer tokens to the actor and scopes they carry.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API. A ":rw" scope implies its ":ro" twin.
const (
	ScopeAll          = "*"
	ScopeJobsRO       = "jobs:ro"
	ScopeJobsRW       = "jobs:rw"
	ScopeStageRO      = "stage:ro"
	ScopeStageRW      = "stage:rw"
	ScopeKillRW       = "kill:rw"
	ScopeGovernanceRO = "governance:ro"
	ScopeGovernanceRW = "governance:rw"
	ScopeSystemRO     = "system:ro"
	ScopeSystemRW     = "system:rw"
	ScopeEventsRO     = "events:ro"
)

// KnownScopes lists every scope a token may carry.
var KnownScopes = []string{
	ScopeAll,
	ScopeJobsRO, ScopeJobsRW,
	ScopeStageRO, ScopeStageRW,
	ScopeKillRW,
	ScopeGovernanceRO, ScopeGovernanceRW,
	ScopeSystemRO, ScopeSystemRW,
	ScopeEventsRO,
}

// IsKnownScope reports whether s is one of KnownScopes.
func IsKnownScope(s string) bool {
	for _, k := range KnownScopes {
		if s == k {
			return true
		}
	}
	return false
}

// TokenConfig is a bearer token bound to an actor and a set of scopes.
type TokenConfig struct {
	Actor  string
	Token  string
	Scopes []string
}

// Principal is the authenticated caller. Actor is what audit rows record.
type Principal struct {
	Actor  string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// Every configured token is compared so timing does not reveal its position.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	var (
		match Principal
		found bool
	)
	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) && !found {
			match = Principal{Actor: t.Actor, Scopes: normalizeScopes(t.Scopes)}
			found = true
		}
	}
	return match, found
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Write implies read.
	for s := range out {
		if ro, ok := strings.CutSuffix(s, ":rw"); ok {
			out[ro+":ro"] = struct{}{}
		}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
