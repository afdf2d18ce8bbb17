package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Role is the privilege tier granted by a bearer token. Higher roles
// include the lower ones.
type Role int

const (
	RoleNone Role = iota
	RoleRead
	RoleOperate
	RoleAdminister
)

// String returns the role label recorded as the acting identity on
// audited operations.
func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleOperate:
		return "operate"
	case RoleAdminister:
		return "administer"
	default:
		return "anonymous"
	}
}

type contextKey struct{ name string }

var roleKey = &contextKey{"role"}

// RoleFrom returns the role the request authenticated as.
func RoleFrom(ctx context.Context) Role {
	if r, ok := ctx.Value(roleKey).(Role); ok {
		return r
	}
	return RoleNone
}

// Auth resolves bearer tokens to roles. Tokens are static and loaded from
// configuration; an empty token disables that tier entirely rather than
// matching empty Authorization headers.
type Auth struct {
	readToken    string
	operateToken string
	adminToken   string
}

// NewAuth creates the role resolver from the three configured tokens.
func NewAuth(readToken, operateToken, adminToken string) *Auth {
	return &Auth{
		readToken:    readToken,
		operateToken: operateToken,
		adminToken:   adminToken,
	}
}

func (a *Auth) resolve(r *http.Request) Role {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return RoleNone
	}

	switch {
	case tokenMatch(token, a.adminToken):
		return RoleAdminister
	case tokenMatch(token, a.operateToken):
		return RoleOperate
	case tokenMatch(token, a.readToken):
		return RoleRead
	default:
		return RoleNone
	}
}

// tokenMatch compares a presented token against a configured one in
// constant time. An empty configured token disables its tier.
func tokenMatch(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// Require returns middleware that rejects requests below the minimum role.
// Missing or unknown tokens get 401; a valid token of insufficient tier
// gets 403.
func (a *Auth) Require(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := a.resolve(r)
			if role == RoleNone {
				writeError(w, "missing or invalid bearer token", http.StatusUnauthorized)
				return
			}
			if role < min {
				writeError(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey, role)))
		})
	}
}
