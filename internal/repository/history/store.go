// Package history is the durable record of which SMS have already been
// turned into delivered events.
package history

import (
	"context"
	"errors"
	"strings"
)

// fingerprintPrefixLen bounds the message text folded into a fingerprint.
const fingerprintPrefixLen = 30

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history store closed")

// Store is the idempotent delivered-message set. Writes happen only from
// the single polling context.
type Store interface {
	// AlreadySent reports whether a record under fingerprint carries exactly
	// fullText. A fingerprint match with different text is not a duplicate.
	AlreadySent(ctx context.Context, fingerprint, fullText string) (bool, error)

	// MarkDelivered appends a record under fingerprint and persists it.
	MarkDelivered(ctx context.Context, fingerprint, otp, fullText string) error

	// Close flushes pending state and releases resources.
	Close() error
}

// Fingerprint identifies one physical SMS: OTP codes are reused across
// messages, so the number and the code alone are not unique.
func Fingerprint(number, otp, text string) string {
	runes := []rune(text)
	if len(runes) > fingerprintPrefixLen {
		runes = runes[:fingerprintPrefixLen]
	}
	return strings.Join([]string{number, otp, string(runes)}, "_")
}
