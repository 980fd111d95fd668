// Package delivery hands OTP events to their destinations.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"otp-relay/internal/model"
)

// Sink delivers one event. Implementations must be safe to call from the
// monitor goroutine and HTTP handlers.
type Sink interface {
	Notify(ctx context.Context, event model.OtpEvent) error
}

// Alerter sends free-form operator notices.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// NamedSink labels a sink for error reporting.
type NamedSink struct {
	Name string
	Sink Sink
}

// MultiSink fans an event out to every sink. All sinks are tried; the
// joined error names the ones that failed.
type MultiSink struct {
	sinks []NamedSink
}

func NewMultiSink(sinks ...NamedSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Notify(ctx context.Context, event model.OtpEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}
