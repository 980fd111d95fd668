package portal

import (
	"context"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	LoginPath    = "/login"
	ReceivedPath = "/portal/sms/received"
	rangesPath   = ReceivedPath + "/getsms"
	numbersPath  = rangesPath + "/number"
	messagesPath = numbersPath + "/sms"
	LivePath     = "/portal/live/my_sms"

	dateLayout = "2006-01-02"
)

// SetBrowserHeaders makes a request look like it came from a desktop browser.
func SetBrowserHeaders(req *http.Request, userAgent string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
}

// IsLoginURL reports whether u points at the portal login page.
func IsLoginURL(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.TrimRight(u.Path, "/") == LoginPath
}

// Pause sleeps for a random duration in [lo, hi]. It returns early with the
// context error if ctx is done first.
func Pause(ctx context.Context, lo, hi time.Duration) error {
	d := lo
	if hi > lo {
		d += rand.N(hi - lo + 1)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DateWindow returns today and tomorrow in the portal's date format.
func DateWindow(now time.Time) (start, end string) {
	return now.Format(dateLayout), now.AddDate(0, 0, 1).Format(dateLayout)
}
