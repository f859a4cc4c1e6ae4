package main

import (
	"crypto/sha256"
	"crypto/subtle"
)

// AuthGate validates an optional shared token extracted from a client
// request's params.proxy.authToken. With no token configured, every
// request is authorized.
type AuthGate struct {
	token   string
	present bool
}

// NewAuthGate builds a gate for the given configured token. An empty token
// means auth is not configured.
func NewAuthGate(token string) *AuthGate {
	return &AuthGate{token: token, present: token != ""}
}

// Configured reports whether a shared token was set.
func (g *AuthGate) Configured() bool {
	return g.present
}

// Validate reports whether presented matches the configured token. When no
// token is configured, every presented value (including empty) validates.
// The comparison hashes both sides before a constant-time compare so a
// length mismatch can't be inferred from timing either.
func (g *AuthGate) Validate(presented string) bool {
	if !g.present {
		return true
	}
	want := sha256.Sum256([]byte(g.token))
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}
