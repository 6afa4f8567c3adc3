package access

import (
	"context"
	"net/http"

	"github.com/talosaether/gymops/rbac"
)

// Guard is a predicate over a snapshot. Guards deny nil snapshots.
type Guard func(*Snapshot) bool

// Permission guards on a single capability.
func Permission(c rbac.Capability) Guard {
	return func(s *Snapshot) bool { return s.HasPermission(c) }
}

// AnyPermission passes when at least one of cs is granted.
func AnyPermission(cs ...rbac.Capability) Guard {
	return func(s *Snapshot) bool { return s.HasAnyPermission(cs...) }
}

// AllPermissions passes when every one of cs is granted. With no
// capabilities it still requires a signed-in user.
func AllPermissions(cs ...rbac.Capability) Guard {
	return func(s *Snapshot) bool { return s.Authenticated() && s.HasAllPermissions(cs...) }
}

// Roles passes when the user holds one of roles.
func Roles(roles ...rbac.RoleID) Guard {
	return func(s *Snapshot) bool { return s.RequireRole(roles...) }
}

// MinLevel passes when the user's role level is at least level.
func MinLevel(level int) Guard {
	return func(s *Snapshot) bool { return s.HasRoleLevel(level) }
}

// Allows evaluates g against s.
func (g Guard) Allows(s *Snapshot) bool {
	return g != nil && g(s)
}

// Render returns children when g allows s and fallback otherwise.
func Render[T any](g Guard, s *Snapshot, children, fallback T) T {
	if g.Allows(s) {
		return children
	}
	return fallback
}

// Middleware serves next only when g allows the request's snapshot and
// answers 403 otherwise.
func (g Guard) Middleware(next http.Handler) http.Handler {
	return g.MiddlewareWithFallback(DeniedHandler())(next)
}

// MiddlewareWithFallback is Middleware with a custom denial handler.
func (g Guard) MiddlewareWithFallback(fallback http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Render(g, SnapshotFromContext(r.Context()), next, fallback).ServeHTTP(w, r)
		})
	}
}

// DeniedHandler writes the generic access-denied response.
func DeniedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Deny(w)
	})
}

// Deny writes a 403 with a body that reveals nothing about the rule.
func Deny(w http.ResponseWriter) {
	http.Error(w, "access denied", http.StatusForbidden)
}

type snapshotKey struct{}

// WithSnapshot stores s in ctx.
func WithSnapshot(ctx context.Context, s *Snapshot) context.Context {
	return context.WithValue(ctx, snapshotKey{}, s)
}

// SnapshotFromContext returns the snapshot stored by WithSnapshot, or nil.
func SnapshotFromContext(ctx context.Context) *Snapshot {
	s, _ := ctx.Value(snapshotKey{}).(*Snapshot)
	return s
}
