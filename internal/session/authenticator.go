// Package session owns the portal session and the chain of strategies that
// re-establish it.
package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-relay/internal/config"
	"otp-relay/internal/model"
)

// Authenticator hands out a valid session, re-establishing it when it is
// missing, old, or known to be rejected. Only the polling context calls the
// mutating methods; Current is safe from any goroutine.
type Authenticator struct {
	creds           Credentials
	strategies      []Strategy
	replay          *CookieReplay
	refreshInterval time.Duration
	revalidateAfter time.Duration
	logger          *zap.Logger
	now             func() time.Time

	authMu sync.Mutex // serializes network authentication

	mu      sync.RWMutex
	current model.Session
}

// NewAuthenticator builds the cookie-replay, form-login and browser-login
// chain. browser may be nil.
func NewAuthenticator(cfg config.PortalConfig, browser BrowserLogin, logger *zap.Logger) (*Authenticator, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid portal base url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &transport{
		base:      base,
		userAgent: cfg.UserAgent,
		timeout:   cfg.RequestTimeout,
		jitterMin: cfg.JitterMin,
		jitterMax: cfg.JitterMax,
	}
	replay := &CookieReplay{t: t, cookies: parseCookieString(cfg.Cookies)}
	strategies := []Strategy{replay, &FormLogin{t: t}}
	if browser != nil {
		strategies = append(strategies, &BrowserFallback{t: t, browser: browser})
	}

	a := &Authenticator{
		creds:           Credentials{Email: cfg.Email, Password: cfg.Password},
		strategies:      strategies,
		replay:          replay,
		refreshInterval: cfg.RefreshInterval,
		revalidateAfter: cfg.RevalidateAfter,
		logger:          logger,
		now:             time.Now,
	}
	if a.revalidateAfter <= 0 || a.revalidateAfter > a.refreshInterval {
		a.revalidateAfter = a.refreshInterval
	}
	return a, nil
}

// WithStrategies replaces the chain. Used by tests and alternate wiring.
func (a *Authenticator) WithStrategies(strategies ...Strategy) *Authenticator {
	a.strategies = strategies
	return a
}

// SetClock overrides the clock used for freshness.
func (a *Authenticator) SetClock(now func() time.Time) {
	a.now = now
}

// Current returns a copy of the stored session.
func (a *Authenticator) Current() model.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current.Clone()
}

// EnsureValid returns a session the portal accepted recently. A fresh valid
// session is returned without any network traffic; an aging one is
// re-checked; anything else runs the strategy chain.
func (a *Authenticator) EnsureValid(ctx context.Context) (model.Session, error) {
	a.authMu.Lock()
	defer a.authMu.Unlock()

	cur := a.Current()
	if cur.Valid {
		age := cur.Age(a.now())
		if age < a.revalidateAfter {
			return cur, nil
		}

		checked, err := a.replay.Verify(ctx, cur.Cookies)
		if err == nil {
			checked.Strategy = cur.Strategy
			a.logger.Info("session revalidated",
				zap.String("strategy", cur.Strategy),
				zap.Duration("age", age))
			return a.store(checked), nil
		}
		if ctx.Err() != nil {
			return model.Session{}, ctx.Err()
		}
		a.logger.Warn("session revalidation failed, re-authenticating",
			zap.Duration("age", age),
			zap.Error(err))
	}

	return a.authenticate(ctx)
}

// Invalidate marks the stored session as rejected by the portal.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.Valid = false
}

// ForceReauth discards the stored session and runs the full chain.
func (a *Authenticator) ForceReauth(ctx context.Context) (model.Session, error) {
	a.authMu.Lock()
	defer a.authMu.Unlock()

	a.mu.Lock()
	a.current = model.Session{}
	a.mu.Unlock()

	return a.authenticate(ctx)
}

// Discard drops the stored session without contacting the portal.
func (a *Authenticator) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = model.Session{}
}

func (a *Authenticator) authenticate(ctx context.Context) (model.Session, error) {
	var errs []error
	for _, s := range a.strategies {
		sess, err := s.Attempt(ctx, a.creds)
		if err != nil {
			if ctx.Err() != nil {
				return model.Session{}, ctx.Err()
			}
			a.logger.Warn("authentication strategy failed",
				zap.String("strategy", s.Name()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}

		sess.Strategy = s.Name()
		a.logger.Info("session established", zap.String("strategy", s.Name()))
		return a.store(sess), nil
	}

	a.mu.Lock()
	a.current.Valid = false
	a.mu.Unlock()

	authErr := newAuthError(errs)
	a.logger.Error("all authentication strategies failed", zap.String("reason", authErr.Reason))
	return model.Session{}, authErr
}

func (a *Authenticator) store(sess model.Session) model.Session {
	sess.Valid = true
	sess.EstablishedAt = a.now()

	a.mu.Lock()
	a.current = sess
	a.mu.Unlock()
	return sess.Clone()
}
