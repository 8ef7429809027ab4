package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is matched by a 401 that the client will not recover from.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionExpired is matched by every request rejected because the
	// token refresh failed. The stored credential has been cleared.
	ErrSessionExpired = errors.New("session expired")
	// ErrNoAccessToken is returned when the refresh endpoint answers 2xx
	// without an access token.
	ErrNoAccessToken = errors.New("no access token in refresh response")
)

type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api %s %s: %d %s body=%s",
		e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), short(string(e.Body)))
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// RefreshError is shared by the leader and every queued request of one
// failed refresh.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string { return "token refresh failed: " + e.Err.Error() }

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool { return target == ErrSessionExpired }

func short(s string) string {
	if len(s) > 180 {
		return s[:180] + "..."
	}
	return s
}
