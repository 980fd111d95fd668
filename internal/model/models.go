package model

import "time"

// -------------------- SESSION MODEL --------------------

// Session is the authenticated transport state needed to call the portal.
// A Session value is never mutated after creation; re-authentication
// replaces it wholesale.
type Session struct {
	Cookies       map[string]string `json:"cookies"`
	CSRFToken     string            `json:"csrf_token"`
	EstablishedAt time.Time         `json:"established_at"`
	Valid         bool              `json:"valid"`
	Strategy      string            `json:"strategy"` // strategy that produced it
}

// Age reports how long ago the session was established.
func (s Session) Age(now time.Time) time.Duration {
	if s.EstablishedAt.IsZero() {
		return 0
	}
	return now.Sub(s.EstablishedAt)
}

// Clone returns a copy whose cookie map can be handed out without sharing.
func (s Session) Clone() Session {
	out := s
	out.Cookies = make(map[string]string, len(s.Cookies))
	for k, v := range s.Cookies {
		out.Cookies[k] = v
	}
	return out
}

// -------------------- PORTAL MODELS --------------------

// Range is a date-scoped bucket of inbound numbers, e.g. "BENIN 761".
type Range struct {
	Name    string `json:"name"`
	Country string `json:"country"`
}

type NumberRecord struct {
	Value string `json:"value"`
	Range Range  `json:"range"`
}

type RawMessage struct {
	Number string `json:"number"`
	Range  Range  `json:"range"`
	Text   string `json:"text"`
}

// -------------------- OTP EVENT MODEL --------------------

// OtpEvent is a deduplicated, classified OTP ready for delivery.
// ID is the history fingerprint of the underlying SMS.
type OtpEvent struct {
	ID        string `json:"id"`
	Phone     string `json:"phone"`
	OTP       string `json:"otp"`
	Service   string `json:"service"`
	Country   string `json:"country"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// -------------------- HISTORY MODEL --------------------

type HistoryRecord struct {
	OTP     string    `json:"otp"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// -------------------- STATS MODEL --------------------

// PollStats is process-wide observability state written by the monitor
// and read by status reporting.
type PollStats struct {
	StartedAt           time.Time `json:"started_at"`
	LastCheckAt         time.Time `json:"last_check_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SessionValid        bool      `json:"session_valid"`
	LastError           string    `json:"last_error,omitempty"`
	TotalSent           int64     `json:"total_sent"`
	TotalPolls          int64     `json:"total_polls"`
	Running             bool      `json:"running"`
}

// TimestampLayout is the layout used for OtpEvent.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"
