// Package auth implements the Principal/Capability authorization model
// described in SPEC_FULL.md §4.10. There is no role hierarchy or RBAC —
// a Principal carries an explicit set of Capabilities, checked directly
// against the capability a tool invocation requires.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
)

// Capability is a coarse permission a Principal may hold. Tool handlers
// declare the single Capability they require; there is no capability
// composition or inheritance.
type Capability string

const (
	CapRead  Capability = "read"
	CapWrite Capability = "write"
	CapAdmin Capability = "admin"
)

// ParseCapabilities splits a comma-separated capability list (as configured
// via PrincipalCapabilitiesCSV) into a set.
func ParseCapabilities(csv string) map[Capability]struct{} {
	caps := make(map[Capability]struct{})
	for _, field := range strings.Split(csv, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		caps[Capability(field)] = struct{}{}
	}
	return caps
}

// Principal identifies the caller a DebugCommand is attributed to. In
// stdio mode there is exactly one Principal, seeded from config at
// startup; in tcp mode a Principal is established per-connection from a
// validated bearer token.
type Principal struct {
	ID           string
	Capabilities map[Capability]struct{}
}

// Has reports whether p holds cap.
func (p Principal) Has(cap Capability) bool {
	if p.Capabilities == nil {
		return false
	}
	_, ok := p.Capabilities[cap]
	return ok
}

// NewPrincipal builds a Principal from an id and a capability set.
func NewPrincipal(id string, caps map[Capability]struct{}) Principal {
	return Principal{ID: id, Capabilities: caps}
}

// SharedSecretEquals performs a constant-time comparison of a presented
// secret against the configured one, avoiding a timing side-channel on
// the TCP bearer handshake.
func SharedSecretEquals(presented, configured string) bool {
	if len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// ErrMissingCapability is returned by RequireCapability when a Principal
// lacks the capability a tool invocation needs.
type ErrMissingCapability struct {
	Principal  string
	Capability Capability
}

func (e *ErrMissingCapability) Error() string {
	return fmt.Sprintf("auth: principal %q lacks capability %q", e.Principal, e.Capability)
}

// RequireCapability checks p against cap, returning *ErrMissingCapability
// on failure so callers can map it to errs.CodePermissionDenied.
func RequireCapability(p Principal, cap Capability) error {
	if p.Has(cap) {
		return nil
	}
	return &ErrMissingCapability{Principal: p.ID, Capability: cap}
}

type principalCtxKey struct{}

// WithPrincipal attaches p to ctx so handlers downstream of
// Registry.Dispatch can recover the caller's identity without threading
// it through every Handler signature.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext recovers the Principal WithPrincipal attached, the
// zero Principal if none was.
func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalCtxKey{}).(Principal)
	return p
}
