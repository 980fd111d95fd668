package portal

import (
	"errors"
	"fmt"
)

// ErrSessionExpired means the portal bounced the request to its login page
// or rejected the CSRF token. The caller must re-authenticate.
var ErrSessionExpired = errors.New("portal session expired")

// ErrNoMarkup means none of the parsers recognised the response. It usually
// means a challenge or interstitial page was served instead of data, so the
// caller should treat it as a possible expiry.
var ErrNoMarkup = errors.New("portal response has no recognised markup")

// FetchError is a transient failure of one portal request: a timeout, a
// transport error or an unexpected status.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("portal %s: status %d: %v", e.Op, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("portal %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("portal %s: unexpected status %d", e.Op, e.Status)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
