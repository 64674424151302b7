package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"connectrpc.com/authn"
)

var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrForbidden       = errors.New("permission denied")
)

// Roles carried in the roles claim.
const (
	RoleCandidate = "candidate"
	RoleAdmin     = "admin"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// IdentityFromContext returns the identity set by the authentication
// middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := authn.GetInfo(ctx).(*Identity)
	return id, ok && id != nil
}

// WithIdentity returns a context carrying id, as the middleware would.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return authn.SetInfo(ctx, id)
}

// RequireRole returns the identity if it carries role.
func RequireRole(ctx context.Context, role string) (*Identity, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if !id.HasRole(role) {
		return nil, fmt.Errorf("%w: %s requires role %s", ErrForbidden, id.UserID, role)
	}
	return id, nil
}

// HeaderIdentityMiddleware trusts the X-User-ID and X-User-Roles headers.
// It is only for local development with authentication disabled.
func HeaderIdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		var roles []string
		for role := range strings.SplitSeq(r.Header.Get("X-User-Roles"), ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{UserID: userID, Roles: roles})))
	})
}
