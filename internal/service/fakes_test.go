package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"otp-relay/internal/extractor"
	"otp-relay/internal/model"
	"otp-relay/internal/portal"
	"otp-relay/internal/repository/history"
	"otp-relay/internal/session"
)

type fakeAuth struct {
	ensureErr   error
	reauthErr   error
	ensureCalls atomic.Int32
	reauthCalls atomic.Int32
	invalidated atomic.Int32
}

func (a *fakeAuth) EnsureValid(context.Context) (model.Session, error) {
	a.ensureCalls.Add(1)
	if a.ensureErr != nil {
		return model.Session{}, a.ensureErr
	}
	return model.Session{CSRFToken: "tok", Valid: true}, nil
}

func (a *fakeAuth) Invalidate() { a.invalidated.Add(1) }

func (a *fakeAuth) ForceReauth(context.Context) (model.Session, error) {
	a.reauthCalls.Add(1)
	if a.reauthErr != nil {
		return model.Session{}, a.reauthErr
	}
	return model.Session{CSRFToken: "tok2", Valid: true}, nil
}

// fakePortal serves a fixed range/number/message tree with scripted failures.
type fakePortal struct {
	mu       sync.Mutex
	ranges   []model.Range
	numbers  map[string][]string
	messages map[string][]string

	rangeErrs   []error            // consumed one per FetchRanges call
	messageErrs map[string][]error // per number, consumed one per call
	numberErrs  map[string]error

	block   chan struct{} // when set, FetchRanges waits on it
	started chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newTree() *fakePortal {
	return &fakePortal{
		ranges: []model.Range{{Name: "BENIN 761", Country: "Benin"}, {Name: "TOGO 228", Country: "Togo"}},
		numbers: map[string][]string{
			"BENIN 761": {"22990000001", "22990000002"},
			"TOGO 228":  {"22890000003"},
		},
		messages: map[string][]string{
			"22990000001": {"Your WhatsApp code is 111111"},
			"22990000002": {"Telegram code: 222222"},
			"22890000003": {"G-333333 is your Google verification code"},
		},
		messageErrs: map[string][]error{},
		numberErrs:  map[string]error{},
	}
}

func (p *fakePortal) enter() func() {
	n := p.active.Add(1)
	for {
		seen := p.maxSeen.Load()
		if n <= seen || p.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	return func() { p.active.Add(-1) }
}

func (p *fakePortal) FetchRanges(ctx context.Context, _ model.Session) ([]model.Range, error) {
	defer p.enter()()
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rangeErrs) > 0 {
		err := p.rangeErrs[0]
		p.rangeErrs = p.rangeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return append([]model.Range(nil), p.ranges...), nil
}

func (p *fakePortal) FetchNumbers(_ context.Context, _ model.Session, rng model.Range) ([]model.NumberRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.numberErrs[rng.Name]; err != nil {
		return nil, err
	}
	var out []model.NumberRecord
	for _, n := range p.numbers[rng.Name] {
		out = append(out, model.NumberRecord{Value: n, Range: rng})
	}
	return out, nil
}

func (p *fakePortal) FetchMessages(_ context.Context, _ model.Session, num model.NumberRecord) ([]model.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if errs := p.messageErrs[num.Value]; len(errs) > 0 {
		err := errs[0]
		p.messageErrs[num.Value] = errs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []model.RawMessage
	for _, text := range p.messages[num.Value] {
		out = append(out, model.RawMessage{Number: num.Value, Range: num.Range, Text: text})
	}
	return out, nil
}

// fakeLive serves the live feed with scripted failures.
type fakeLive struct {
	mu    sync.Mutex
	rows  []model.RawMessage
	errs  []error
	calls atomic.Int32
}

func (l *fakeLive) FetchLiveMessages(context.Context, model.Session) ([]model.RawMessage, error) {
	l.calls.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return append([]model.RawMessage(nil), l.rows...), nil
}

func newTestPipeline(t *testing.T, auth *fakeAuth, tree *fakePortal) (*Pipeline, *StatsStore) {
	t.Helper()
	store, err := history.OpenFileStore(filepath.Join(t.TempDir(), "history.json"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	stats := NewStatsStore(time.Now())
	p := NewPipeline(auth, tree, extractor.New(extractor.Options{JoinSeparated: true}), store, stats, 0, nil)
	p.SetClock(func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC) })
	return p, stats
}

var (
	errExpired   = fmt.Errorf("portal ranges: redirected to login: %w", portal.ErrSessionExpired)
	errNoMarkup  = fmt.Errorf("portal messages for 1: %w", portal.ErrNoMarkup)
	errTransient = &portal.FetchError{Op: "test", Status: 502}
	errAuth      = &session.AuthError{Reason: "form-login: bad password", Errs: []error{errors.New("bad password")}}
)
