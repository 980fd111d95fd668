package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"otp-relay/internal/model"
	"otp-relay/internal/portal"
)

// Credentials are the portal account details.
type Credentials struct {
	Email    string
	Password string
}

// Strategy is one way of obtaining a portal session. The returned session
// carries cookies and a CSRF token; the authenticator stamps the rest.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, creds Credentials) (model.Session, error)
}

// BrowserLogin is an external capability that drives a real browser
// through the login flow and hands back the resulting cookies.
type BrowserLogin interface {
	Login(ctx context.Context, creds Credentials) ([]*http.Cookie, error)
}

// CookieReplay reuses cookies captured from a browser.
type CookieReplay struct {
	t       *transport
	cookies map[string]string
}

func (s *CookieReplay) Name() string { return "cookie-replay" }

func (s *CookieReplay) Attempt(ctx context.Context, _ Credentials) (model.Session, error) {
	if len(s.cookies) == 0 {
		return model.Session{}, ErrNoCookies
	}
	return s.Verify(ctx, s.cookies)
}

// Verify checks that cookies still open the portal page.
func (s *CookieReplay) Verify(ctx context.Context, cookies map[string]string) (model.Session, error) {
	a, err := s.t.newAgent()
	if err != nil {
		return model.Session{}, err
	}
	a.setCookies(cookies)
	return finish(ctx, a)
}

// FormLogin submits the portal login form.
type FormLogin struct {
	t *transport
}

func (s *FormLogin) Name() string { return "form-login" }

func (s *FormLogin) Attempt(ctx context.Context, creds Credentials) (model.Session, error) {
	a, err := s.t.newAgent()
	if err != nil {
		return model.Session{}, err
	}

	login, err := a.get(ctx, portal.LoginPath)
	if err != nil {
		return model.Session{}, fmt.Errorf("load login page: %w", err)
	}
	if login.status != http.StatusOK {
		return model.Session{}, fmt.Errorf("load login page: status %d", login.status)
	}
	token := portal.CSRFToken(login.doc)
	if token == "" {
		return model.Session{}, fmt.Errorf("login page: %w", ErrNoCSRFToken)
	}

	result, err := a.postForm(ctx, portal.LoginPath, url.Values{
		"email":    {creds.Email},
		"password": {creds.Password},
		"_token":   {token},
	})
	if err != nil {
		return model.Session{}, fmt.Errorf("submit login: %w", err)
	}
	if portal.IsLoginURL(result.finalURL) {
		return model.Session{}, ErrLoginRejected
	}
	return finish(ctx, a)
}

// BrowserFallback delegates the login flow to a BrowserLogin capability.
type BrowserFallback struct {
	t       *transport
	browser BrowserLogin
}

func (s *BrowserFallback) Name() string { return "browser-login" }

func (s *BrowserFallback) Attempt(ctx context.Context, creds Credentials) (model.Session, error) {
	if s.browser == nil {
		return model.Session{}, ErrBrowserUnavailable
	}
	cookies, err := s.browser.Login(ctx, creds)
	if err != nil {
		return model.Session{}, fmt.Errorf("browser login: %w", err)
	}
	if len(cookies) == 0 {
		return model.Session{}, errors.New("browser login returned no cookies")
	}

	a, err := s.t.newAgent()
	if err != nil {
		return model.Session{}, err
	}
	a.jar.SetCookies(s.t.base, cookies)
	return finish(ctx, a)
}

func finish(ctx context.Context, a *agent) (model.Session, error) {
	token, err := a.portalPage(ctx)
	if err != nil {
		return model.Session{}, err
	}
	return model.Session{Cookies: a.cookies(), CSRFToken: token}, nil
}
