package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"otp-relay/internal/portal"
)

const maxPageBytes = 4 << 20

// transport is the request shaping shared by every strategy.
type transport struct {
	base      *url.URL
	userAgent string
	timeout   time.Duration
	jitterMin time.Duration
	jitterMax time.Duration
}

// agent is one cookie-jar-backed browsing session. Each authentication
// attempt gets its own so a failed attempt leaves nothing behind.
type agent struct {
	t      *transport
	jar    *cookiejar.Jar
	client *http.Client
}

func (t *transport) newAgent() (*agent, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &agent{
		t:      t,
		jar:    jar,
		client: &http.Client{Jar: jar, Timeout: t.timeout},
	}, nil
}

func (a *agent) setCookies(cookies map[string]string) {
	list := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		list = append(list, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	a.jar.SetCookies(a.t.base, list)
}

func (a *agent) cookies() map[string]string {
	out := make(map[string]string)
	for _, c := range a.jar.Cookies(a.t.base) {
		out[c.Name] = c.Value
	}
	return out
}

// page is a fetched and parsed HTML response.
type page struct {
	finalURL *url.URL
	status   int
	doc      *goquery.Document
}

func (a *agent) get(ctx context.Context, path string) (*page, error) {
	return a.do(ctx, http.MethodGet, path, nil)
}

func (a *agent) postForm(ctx context.Context, path string, form url.Values) (*page, error) {
	return a.do(ctx, http.MethodPost, path, form)
}

func (a *agent) do(ctx context.Context, method, path string, form url.Values) (*page, error) {
	if err := portal.Pause(ctx, a.t.jitterMin, a.t.jitterMax); err != nil {
		return nil, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, a.t.base.JoinPath(path).String(), body)
	if err != nil {
		return nil, err
	}
	portal.SetBrowserHeaders(req, a.t.userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Origin", a.t.base.String())
		req.Header.Set("Referer", a.t.base.JoinPath(portal.LoginPath).String())
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: parse body: %w", method, path, err)
	}
	return &page{finalURL: resp.Request.URL, status: resp.StatusCode, doc: doc}, nil
}

// portalPage loads the authenticated landing page with the agent's cookies
// and returns its CSRF token. This is the check every strategy ends with.
func (a *agent) portalPage(ctx context.Context) (string, error) {
	p, err := a.get(ctx, portal.ReceivedPath)
	if err != nil {
		return "", fmt.Errorf("load portal page: %w", err)
	}
	if p.status != http.StatusOK {
		return "", fmt.Errorf("load portal page: status %d", p.status)
	}
	if portal.IsLoginURL(p.finalURL) || portal.IsLoginPage(p.doc) {
		return "", ErrLoginRejected
	}
	token := portal.CSRFToken(p.doc)
	if token == "" {
		return "", ErrNoCSRFToken
	}
	return token, nil
}

// parseCookieString parses "k=v; k2=v2" as sent in a Cookie header.
func parseCookieString(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}
