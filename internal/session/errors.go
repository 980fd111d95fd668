package session

import (
	"errors"
	"strings"
)

var (
	// ErrNoCookies is returned by cookie replay when no cookie string is configured.
	ErrNoCookies = errors.New("no cookies configured")
	// ErrNoCSRFToken means the portal page rendered without a token.
	ErrNoCSRFToken = errors.New("portal page has no csrf token")
	// ErrLoginRejected means the portal kept us on the login page.
	ErrLoginRejected = errors.New("portal stayed on login page")
	// ErrBrowserUnavailable is returned when no browser capability is configured.
	ErrBrowserUnavailable = errors.New("browser login not configured")
)

// AuthError means every strategy in the chain failed.
type AuthError struct {
	Reason string
	Errs   []error
}

func newAuthError(errs []error) *AuthError {
	reasons := make([]string, 0, len(errs))
	for _, err := range errs {
		reasons = append(reasons, err.Error())
	}
	return &AuthError{Reason: strings.Join(reasons, "; "), Errs: errs}
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() []error {
	return e.Errs
}
