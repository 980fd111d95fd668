package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"otp-relay/internal/extractor"
	"otp-relay/internal/model"
	"otp-relay/internal/portal"
	"otp-relay/internal/repository/history"
	"otp-relay/internal/session"
)

// ErrPollInProgress is returned by TryPollOnce while another poll holds the gate.
var ErrPollInProgress = errors.New("poll already in progress")

type Authenticator interface {
	EnsureValid(ctx context.Context) (model.Session, error)
	Invalidate()
	ForceReauth(ctx context.Context) (model.Session, error)
}

type PortalFetcher interface {
	FetchRanges(ctx context.Context, sess model.Session) ([]model.Range, error)
	FetchNumbers(ctx context.Context, sess model.Session, rng model.Range) ([]model.NumberRecord, error)
	FetchMessages(ctx context.Context, sess model.Session, num model.NumberRecord) ([]model.RawMessage, error)
}

// LiveFetcher reads the portal's live SMS feed.
type LiveFetcher interface {
	FetchLiveMessages(ctx context.Context, sess model.Session) ([]model.RawMessage, error)
}

type Classifier interface {
	Extract(msg model.RawMessage) (extractor.Candidate, bool)
}

// Pipeline walks the portal tree once per call and turns new SMS into
// events. At most one walk runs at a time.
type Pipeline struct {
	auth       Authenticator
	portal     PortalFetcher
	live       LiveFetcher
	classifier Classifier
	history    history.Store
	stats      *StatsStore
	fetchDelay time.Duration
	gate       *semaphore.Weighted
	logger     *zap.Logger
	now        func() time.Time
}

func NewPipeline(
	auth Authenticator,
	fetcher PortalFetcher,
	classifier Classifier,
	store history.Store,
	stats *StatsStore,
	fetchDelay time.Duration,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		auth:       auth,
		portal:     fetcher,
		classifier: classifier,
		history:    store,
		stats:      stats,
		fetchDelay: fetchDelay,
		gate:       semaphore.NewWeighted(1),
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the clock used for event timestamps.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// SetLiveFeed adds the live feed as a message source read after the tree
// walk. nil disables it.
func (p *Pipeline) SetLiveFeed(live LiveFetcher) {
	p.live = live
}

// PollOnce waits for the gate and runs one poll.
func (p *Pipeline) PollOnce(ctx context.Context) ([]model.OtpEvent, error) {
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.gate.Release(1)
	return p.poll(ctx)
}

// TryPollOnce runs one poll unless another is in flight.
func (p *Pipeline) TryPollOnce(ctx context.Context) ([]model.OtpEvent, error) {
	if !p.gate.TryAcquire(1) {
		return nil, ErrPollInProgress
	}
	defer p.gate.Release(1)
	return p.poll(ctx)
}

// ForceReauth re-runs the authentication chain between polls.
func (p *Pipeline) ForceReauth(ctx context.Context) error {
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.gate.Release(1)

	_, err := p.auth.ForceReauth(ctx)
	p.stats.SetSessionValid(err == nil)
	return err
}

// pollRun is the state of one walk.
type pollRun struct {
	p        *Pipeline
	logger   *zap.Logger
	sess     model.Session
	reauthed bool
	fetches  int
}

// poll runs one walk. On an aborted walk the events accepted so far are
// returned with the error: they are already in history and must still be
// delivered.
func (p *Pipeline) poll(ctx context.Context) ([]model.OtpEvent, error) {
	events, err := p.walk(ctx)
	if err != nil && ctx.Err() == nil {
		p.stats.SetLastError(err)
	}
	return events, err
}

func (p *Pipeline) walk(ctx context.Context) ([]model.OtpEvent, error) {
	run := &pollRun{
		p:      p,
		logger: p.logger.With(zap.String("poll_id", uuid.NewString())),
	}
	p.stats.RecordPoll(p.now())

	sess, err := p.auth.EnsureValid(ctx)
	if err != nil {
		p.stats.SetSessionValid(false)
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	p.stats.SetSessionValid(true)
	run.sess = sess

	ranges, err := run.ranges(ctx)
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		run.logger.Debug("no ranges in window")
	}

	var events []model.OtpEvent
	for _, rng := range ranges {
		numbers, err := fetchWithReauth(ctx, run, func(s model.Session) ([]model.NumberRecord, error) {
			return p.portal.FetchNumbers(ctx, s, rng)
		})
		if err != nil {
			if isFatal(ctx, err) {
				return events, fmt.Errorf("fetch numbers for %s: %w", rng.Name, err)
			}
			run.logger.Warn("skipping range", zap.String("range", rng.Name), zap.Error(err))
			continue
		}

		for _, num := range numbers {
			msgs, err := run.messages(ctx, num)
			if err != nil {
				if isFatal(ctx, err) {
					return events, fmt.Errorf("fetch messages for %s: %w", num.Value, err)
				}
				run.logger.Warn("skipping number",
					zap.String("range", rng.Name),
					zap.String("number", num.Value),
					zap.Error(err))
				continue
			}
			for _, msg := range msgs {
				if ev, ok := run.accept(ctx, msg); ok {
					events = append(events, ev)
				}
			}
		}
	}

	if p.live != nil {
		events = append(events, run.liveEvents(ctx)...)
	}

	run.logger.Info("poll complete",
		zap.Int("ranges", len(ranges)),
		zap.Int("new_events", len(events)),
		zap.Bool("reauthed", run.reauthed))
	return events, nil
}

// ranges fetches the top level. An empty answer is treated like an
// expired session: real sessions with no traffic are rare and cheap to
// re-establish.
func (r *pollRun) ranges(ctx context.Context) ([]model.Range, error) {
	ranges, err := r.p.portal.FetchRanges(ctx, r.sess)
	if err == nil && len(ranges) > 0 {
		return ranges, nil
	}
	if err != nil && !errors.Is(err, portal.ErrSessionExpired) {
		return nil, fmt.Errorf("fetch ranges: %w", err)
	}

	if rerr := r.reauth(ctx, err); rerr != nil {
		return nil, rerr
	}
	ranges, err = r.p.portal.FetchRanges(ctx, r.sess)
	if err != nil {
		if errors.Is(err, portal.ErrSessionExpired) {
			r.p.auth.Invalidate()
			r.p.stats.SetSessionValid(false)
		}
		return nil, fmt.Errorf("fetch ranges after re-auth: %w", err)
	}
	return ranges, nil
}

func (r *pollRun) messages(ctx context.Context, num model.NumberRecord) ([]model.RawMessage, error) {
	if r.fetches > 0 && r.p.fetchDelay > 0 {
		if err := sleepCtx(ctx, r.p.fetchDelay); err != nil {
			return nil, err
		}
	}
	r.fetches++
	return fetchWithReauth(ctx, r, func(s model.Session) ([]model.RawMessage, error) {
		return r.p.portal.FetchMessages(ctx, s, num)
	})
}

// liveEvents reads the live feed. Any failure here only costs this source
// for this poll; the tree walk results stand.
func (r *pollRun) liveEvents(ctx context.Context) []model.OtpEvent {
	msgs, err := fetchWithReauth(ctx, r, func(s model.Session) ([]model.RawMessage, error) {
		return r.p.live.FetchLiveMessages(ctx, s)
	})
	if err != nil {
		r.logger.Warn("skipping live feed", zap.Error(err))
		return nil
	}
	var events []model.OtpEvent
	for _, msg := range msgs {
		if ev, ok := r.accept(ctx, msg); ok {
			events = append(events, ev)
		}
	}
	return events
}

// accept classifies and deduplicates one message. A message that cannot be
// checked or recorded is left for the next poll.
func (r *pollRun) accept(ctx context.Context, msg model.RawMessage) (model.OtpEvent, bool) {
	cand, ok := r.p.classifier.Extract(msg)
	if !ok {
		return model.OtpEvent{}, false
	}

	fp := history.Fingerprint(msg.Number, cand.OTP, msg.Text)
	sent, err := r.p.history.AlreadySent(ctx, fp, msg.Text)
	if err != nil {
		r.logger.Error("history lookup failed", zap.String("fingerprint", fp), zap.Error(err))
		return model.OtpEvent{}, false
	}
	if sent {
		return model.OtpEvent{}, false
	}

	if err := r.p.history.MarkDelivered(ctx, fp, cand.OTP, msg.Text); err != nil {
		r.logger.Error("history write failed", zap.String("fingerprint", fp), zap.Error(err))
		return model.OtpEvent{}, false
	}

	return model.OtpEvent{
		ID:        fp,
		Phone:     msg.Number,
		OTP:       cand.OTP,
		Service:   cand.Service,
		Country:   cand.Country,
		Message:   msg.Text,
		Timestamp: r.p.now().Format(model.TimestampLayout),
	}, true
}

// reauth spends the poll's single forced re-authentication.
func (r *pollRun) reauth(ctx context.Context, cause error) error {
	if r.reauthed {
		r.p.auth.Invalidate()
		r.p.stats.SetSessionValid(false)
		if cause == nil {
			cause = portal.ErrSessionExpired
		}
		return fmt.Errorf("session rejected after re-auth: %w", cause)
	}
	r.reauthed = true
	r.logger.Info("forcing re-auth", zap.NamedError("cause", cause))

	r.p.auth.Invalidate()
	sess, err := r.p.auth.ForceReauth(ctx)
	if err != nil {
		r.p.stats.SetSessionValid(false)
		return fmt.Errorf("re-auth: %w", err)
	}
	r.p.stats.SetSessionValid(true)
	r.sess = sess
	return nil
}

// isFatal reports whether err must abort the whole poll instead of skipping
// one branch of the tree.
func isFatal(ctx context.Context, err error) bool {
	var authErr *session.AuthError
	return ctx.Err() != nil ||
		errors.Is(err, portal.ErrSessionExpired) ||
		errors.As(err, &authErr)
}

// isExpirySignal reports whether err may mean the session is gone. A page
// none of the parsers recognise is usually a challenge served in place of
// data.
func isExpirySignal(err error) bool {
	return errors.Is(err, portal.ErrSessionExpired) || errors.Is(err, portal.ErrNoMarkup)
}

func fetchWithReauth[T any](ctx context.Context, r *pollRun, fetch func(model.Session) ([]T, error)) ([]T, error) {
	out, err := fetch(r.sess)
	if !isExpirySignal(err) {
		return out, err
	}
	// Once the poll has re-authenticated, unrecognised markup only skips
	// this branch.
	if r.reauthed && errors.Is(err, portal.ErrNoMarkup) {
		return nil, err
	}
	if rerr := r.reauth(ctx, err); rerr != nil {
		return nil, rerr
	}
	out, err = fetch(r.sess)
	if errors.Is(err, portal.ErrSessionExpired) {
		r.p.auth.Invalidate()
		r.p.stats.SetSessionValid(false)
	}
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
