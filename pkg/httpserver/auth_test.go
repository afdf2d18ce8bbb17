package httpserver

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuth_RoleHierarchy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"read allows positions", http.MethodGet, "/api/v1/positions", "read-token", http.StatusOK},
		{"operate allows positions", http.MethodGet, "/api/v1/positions", "operate-token", http.StatusOK},
		{"admin allows positions", http.MethodGet, "/api/v1/positions", "admin-token", http.StatusOK},
		{"no token refused", http.MethodGet, "/api/v1/positions", "", http.StatusUnauthorized},
		{"unknown token refused", http.MethodGet, "/api/v1/positions", "wrong", http.StatusUnauthorized},
		{"read cannot change roster", http.MethodPost, "/api/v1/roster/0x00000000000000000000000000000000000000aa/status", "read-token", http.StatusForbidden},
		{"read cannot reset breaker", http.MethodPost, "/api/v1/breaker/reset", "read-token", http.StatusForbidden},
		{"operate cannot reset breaker", http.MethodPost, "/api/v1/breaker/reset", "operate-token", http.StatusForbidden},
		{"admin resets breaker", http.MethodPost, "/api/v1/breaker/reset", "admin-token", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body []byte
			if tc.method == http.MethodPost && tc.path != "/api/v1/breaker/reset" {
				body = []byte(`{"status":"active"}`)
			}
			rec := f.do(t, tc.method, tc.path, tc.token, body)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestAuth_EmptyTokenNeverMatches(t *testing.T) {
	t.Parallel()

	a := NewAuth("", "", "admin-token")
	req, _ := http.NewRequest(http.MethodGet, "/", nil)

	req.Header.Set("Authorization", "Bearer ")
	assert.Equal(t, RoleNone, a.resolve(req))

	req.Header.Set("Authorization", "Bearer admin-token")
	assert.Equal(t, RoleAdminister, a.resolve(req))
}

func TestTokenMatch(t *testing.T) {
	t.Parallel()

	assert.True(t, tokenMatch("secret", "secret"))
	assert.False(t, tokenMatch("secret-extra", "secret"))
	assert.False(t, tokenMatch("", "secret"))

	// An unset tier never matches, not even an empty presentation.
	assert.False(t, tokenMatch("", ""))
	assert.False(t, tokenMatch("anything", ""))
}

func TestRoleString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "read", RoleRead.String())
	assert.Equal(t, "operate", RoleOperate.String())
	assert.Equal(t, "administer", RoleAdminister.String())
	assert.Equal(t, "anonymous", RoleNone.String())
}
