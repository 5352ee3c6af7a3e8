package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/psantana5/cf-reminder/pkg/logging"
)

// JSONStore keeps subscribers as a JSON array of chat IDs in a single file.
// Deliveries are tracked in memory only.
type JSONStore struct {
	path   string
	logger *logging.Logger

	mu          sync.Mutex
	subscribers map[int64]time.Time
	deliveries  *MemoryStore
	closed      bool
}

// NewJSONStore loads path, starting empty if it is missing or unreadable
func NewJSONStore(path string, logger *logging.Logger) (*JSONStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &JSONStore{
		path:        path,
		logger:      logger.Component("store").WithField("path", path),
		subscribers: make(map[int64]time.Time),
		deliveries:  NewMemoryStore(),
	}

	for _, id := range s.load() {
		s.subscribers[id] = time.Time{}
	}
	return s, nil
}

// load never fails: a broken file means starting with no subscribers
func (s *JSONStore) load() []int64 {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("Subscribers file not found, starting with no subscribers")
		return nil
	}
	if err != nil {
		s.logger.Error("Failed to read subscribers file, starting with no subscribers", logging.Fields{"error": err})
		return nil
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Error("Failed to decode subscribers file, starting with no subscribers", logging.Fields{"error": err})
		return nil
	}
	if _, ok := raw.([]interface{}); !ok {
		s.logger.Warn("Subscribers file does not contain a list, starting with no subscribers")
		return nil
	}

	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Error("Subscribers file contains non-integer chat IDs, starting with no subscribers", logging.Fields{"error": err})
		return nil
	}
	s.logger.Info("Loaded subscribers", logging.Fields{"count": len(ids)})
	return ids
}

// save writes the file atomically via a temp file in the same directory
func (s *JSONStore) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	data, err := json.Marshal(sortedIDs(s.subscribers))
	if err != nil {
		return fmt.Errorf("encode subscribers: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp_*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}

	s.logger.Debug("Subscribers saved", logging.Fields{"count": len(s.subscribers)})
	return nil
}

// AddSubscriber adds a chat and persists the file
func (s *JSONStore) AddSubscriber(chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	if _, ok := s.subscribers[chatID]; ok {
		return false, nil
	}
	s.subscribers[chatID] = time.Now().UTC()
	if err := s.save(); err != nil {
		delete(s.subscribers, chatID)
		return false, err
	}
	return true, nil
}

// RemoveSubscriber removes a chat and persists the file
func (s *JSONStore) RemoveSubscriber(chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	subscribedAt, ok := s.subscribers[chatID]
	if !ok {
		return false, nil
	}
	delete(s.subscribers, chatID)
	if err := s.save(); err != nil {
		s.subscribers[chatID] = subscribedAt
		return false, err
	}
	return true, nil
}

// IsSubscribed reports whether a chat is subscribed
func (s *JSONStore) IsSubscribed(chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.subscribers[chatID]
	return ok, nil
}

// ListSubscribers returns all chat IDs in ascending order
func (s *JSONStore) ListSubscribers() ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedIDs(s.subscribers), nil
}

// CountSubscribers returns the number of subscribed chats
func (s *JSONStore) CountSubscribers() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.subscribers), nil
}

// RecordDelivery marks reminderID as delivered to chatID
func (s *JSONStore) RecordDelivery(reminderID string, chatID int64) (bool, error) {
	return s.deliveries.RecordDelivery(reminderID, chatID)
}

// PruneDeliveries deletes delivery records older than maxAge
func (s *JSONStore) PruneDeliveries(maxAge time.Duration) (int64, error) {
	return s.deliveries.PruneDeliveries(maxAge)
}

// HealthCheck verifies the directory holding the file is writable
func (s *JSONStore) HealthCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	dir := filepath.Dir(s.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	// Saves go through a temp file in the same directory
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Close marks the store closed; every change is already on disk
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.deliveries.Close()
}
