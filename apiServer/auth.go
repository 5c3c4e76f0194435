package apiServer

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// AuthFunc authenticates a request before it reaches a handler.
type AuthFunc func(*http.Request) error

// Option customizes a Server.
type Option func(*Server)

// defaultAuth accepts every request. Deployments that expose the
// server beyond localhost should configure TokenAuth.
func defaultAuth(*http.Request) error {
	return nil
}

// TokenAuth requires a static bearer token on every request, either as
// "Authorization: Bearer <token>" or in the X-Auth-Token header.
func TokenAuth(token string) AuthFunc {
	return func(r *http.Request) error {
		got := r.Header.Get("X-Auth-Token")
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if got == "" {
			return fmt.Errorf("missing authentication token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return fmt.Errorf("invalid authentication token")
		}
		return nil
	}
}
