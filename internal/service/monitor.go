package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-relay/internal/config"
	"otp-relay/internal/delivery"
	"otp-relay/internal/model"
	"otp-relay/internal/portal"
	"otp-relay/internal/session"
	"otp-relay/internal/util"
)

// Poller is the pipeline surface the monitor drives.
type Poller interface {
	PollOnce(ctx context.Context) ([]model.OtpEvent, error)
	ForceReauth(ctx context.Context) error
}

// Monitor schedules polls, escalates repeated failures and delivers events.
type Monitor struct {
	poller  Poller
	sink    delivery.Sink
	alerter delivery.Alerter
	stats   *StatsStore
	cfg     config.MonitorConfig
	logger  *zap.Logger

	// expiryAlerted is touched only from the monitor goroutine.
	expiryAlerted bool
}

// NewMonitor wires a monitor. alerter may be nil.
func NewMonitor(poller Poller, sink delivery.Sink, alerter delivery.Alerter, stats *StatsStore, cfg config.MonitorConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		poller:  poller,
		sink:    sink,
		alerter: alerter,
		stats:   stats,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run polls until ctx is cancelled. An in-flight poll is bounded by the
// request timeouts and is allowed to finish.
func (m *Monitor) Run(ctx context.Context) error {
	m.stats.SetRunning(true)
	defer m.stats.SetRunning(false)

	m.logger.Info("monitor started",
		zap.Duration("interval", m.cfg.PollInterval),
		zap.Duration("backoff", m.cfg.FailureBackoff),
		zap.Int("failure_threshold", m.cfg.FailureThreshold))
	m.announce(ctx)

	for {
		wait := m.Cycle(ctx)
		if ctx.Err() != nil {
			m.logger.Info("monitor stopped")
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("monitor stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Cycle runs one poll and delivers its events. It returns how long to wait
// before the next cycle.
func (m *Monitor) Cycle(ctx context.Context) time.Duration {
	events, err := m.poller.PollOnce(ctx)
	if err != nil {
		// An aborted poll may still hand back events it already recorded.
		if len(events) > 0 {
			m.Deliver(ctx, events)
		}
		if ctx.Err() != nil {
			return 0
		}
		m.onFailure(ctx, err)
		return m.cfg.FailureBackoff
	}

	m.stats.RecordSuccess()
	m.expiryAlerted = false
	if len(events) > 0 {
		m.Deliver(ctx, events)
	}
	return m.cfg.PollInterval
}

// Deliver hands each event to the sink in order. A failed event is logged
// and the rest still go out. It returns the number delivered.
func (m *Monitor) Deliver(ctx context.Context, events []model.OtpEvent) int {
	sent := 0
	for _, ev := range events {
		if err := m.sink.Notify(ctx, ev); err != nil {
			m.logger.Error("delivery failed",
				zap.String("event_id", ev.ID),
				zap.String("service", ev.Service),
				zap.Error(err))
			continue
		}
		sent++
		m.logger.Info("otp delivered",
			zap.String("service", ev.Service),
			zap.String("country", ev.Country),
			zap.String("phone", delivery.MaskPhone(ev.Phone)))
	}
	m.stats.AddSent(sent)
	return sent
}

func (m *Monitor) onFailure(ctx context.Context, err error) {
	failures := m.stats.RecordFailure(err)
	m.logger.Warn("poll failed",
		zap.Int("consecutive_failures", failures),
		zap.Error(err))

	if isSessionFailure(err) {
		m.alertExpiry(ctx, err)
	}

	if failures < m.cfg.FailureThreshold {
		return
	}
	m.logger.Warn("failure threshold reached, forcing re-auth", zap.Int("failures", failures))
	if rerr := m.poller.ForceReauth(ctx); rerr != nil {
		m.logger.Error("forced re-auth failed", zap.Error(rerr))
		m.alertExpiry(ctx, rerr)
	} else {
		m.expiryAlerted = false
	}
	m.stats.ResetFailures()
}

// alertExpiry notifies operators once per loss of session.
func (m *Monitor) alertExpiry(ctx context.Context, cause error) {
	if m.expiryAlerted || m.alerter == nil {
		return
	}
	m.expiryAlerted = true

	text := fmt.Sprintf("⚠️ <b>IVASMS session lost</b>\n\n%s\n\nRetrying every %s.",
		util.EscapeHTML(cause.Error()), m.cfg.FailureBackoff)
	if err := m.alerter.Alert(ctx, text); err != nil {
		m.logger.Error("expiry alert failed", zap.Error(err))
	}
}

func (m *Monitor) announce(ctx context.Context) {
	if m.alerter == nil {
		return
	}
	text := fmt.Sprintf("🚀 <b>OTP Bot Started!</b>\n\n✅ IVASMS monitor running\n✅ Polling every %s\n✅ Ready to forward OTPs",
		m.cfg.PollInterval)
	if err := m.alerter.Alert(ctx, text); err != nil {
		m.logger.Error("startup announcement failed", zap.Error(err))
	}
}

func isSessionFailure(err error) bool {
	var authErr *session.AuthError
	return errors.As(err, &authErr) || errors.Is(err, portal.ErrSessionExpired)
}
