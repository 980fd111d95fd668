package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-relay/internal/model"
)

const fileSchemaVersion = 1

type fileDocument struct {
	Version int                              `json:"version"`
	Records map[string][]model.HistoryRecord `json:"records"`
}

// FileStore keeps the whole history in memory and rewrites the file
// atomically after every mutation.
type FileStore struct {
	path    string
	records map[string][]model.HistoryRecord
	logger  *zap.Logger
	clock   func() time.Time
	mu      sync.Mutex
	closed  bool
}

// OpenFileStore loads path, creating an empty history if it does not exist.
func OpenFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileStore{
		path:    path,
		records: make(map[string][]model.HistoryRecord),
		logger:  logger,
		clock:   time.Now,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("history file not found, starting empty", zap.String("path", path))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse history file %q: %w", path, err)
	}
	if doc.Records != nil {
		s.records = doc.Records
	}

	logger.Info("history loaded",
		zap.String("path", path),
		zap.Int("fingerprints", len(s.records)))
	return s, nil
}

func (s *FileStore) AlreadySent(_ context.Context, fingerprint, fullText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	for _, rec := range s.records[fingerprint] {
		if rec.Message == fullText {
			return true, nil
		}
	}
	return false, nil
}

func (s *FileStore) MarkDelivered(_ context.Context, fingerprint, otp, fullText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	prev := s.records[fingerprint]
	s.records[fingerprint] = append(prev, model.HistoryRecord{
		OTP:     otp,
		Message: fullText,
		SentAt:  s.clock().UTC(),
	})

	if err := s.flushLocked(); err != nil {
		// Keep memory and disk in agreement.
		if len(prev) == 0 {
			delete(s.records, fingerprint)
		} else {
			s.records[fingerprint] = prev
		}
		return err
	}
	return nil
}

// Len returns the number of fingerprints held.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.closed = true
	return err
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(fileDocument{Version: fileSchemaVersion, Records: s.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := atomicWriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
