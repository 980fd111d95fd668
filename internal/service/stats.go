package service

import (
	"sync"
	"time"

	"otp-relay/internal/model"
)

// StatsStore guards the process-wide PollStats. Readers get copies.
type StatsStore struct {
	mu    sync.RWMutex
	stats model.PollStats
}

func NewStatsStore(startedAt time.Time) *StatsStore {
	return &StatsStore{stats: model.PollStats{StartedAt: startedAt}}
}

// Snapshot returns a copy of the current stats.
func (s *StatsStore) Snapshot() model.PollStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Update applies fn under the write lock.
func (s *StatsStore) Update(fn func(*model.PollStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

func (s *StatsStore) RecordPoll(at time.Time) {
	s.Update(func(st *model.PollStats) {
		st.LastCheckAt = at
		st.TotalPolls++
	})
}

func (s *StatsStore) SetSessionValid(valid bool) {
	s.Update(func(st *model.PollStats) { st.SessionValid = valid })
}

func (s *StatsStore) SetRunning(running bool) {
	s.Update(func(st *model.PollStats) { st.Running = running })
}

// RecordFailure bumps the consecutive failure counter and returns it.
func (s *StatsStore) RecordFailure(err error) int {
	var n int
	s.Update(func(st *model.PollStats) {
		st.ConsecutiveFailures++
		if err != nil {
			st.LastError = err.Error()
		}
		n = st.ConsecutiveFailures
	})
	return n
}

// SetLastError records err without touching the failure counter, which only
// the monitor drives.
func (s *StatsStore) SetLastError(err error) {
	s.Update(func(st *model.PollStats) { st.LastError = err.Error() })
}

func (s *StatsStore) ResetFailures() {
	s.Update(func(st *model.PollStats) { st.ConsecutiveFailures = 0 })
}

// RecordSuccess clears failure state after a completed poll.
func (s *StatsStore) RecordSuccess() {
	s.Update(func(st *model.PollStats) {
		st.ConsecutiveFailures = 0
		st.LastError = ""
	})
}

func (s *StatsStore) AddSent(n int) {
	if n <= 0 {
		return
	}
	s.Update(func(st *model.PollStats) { st.TotalSent += int64(n) })
}
