package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the store
type MemoryStore struct {
	mu          sync.RWMutex
	subscribers map[int64]time.Time
	deliveries  map[deliveryKey]time.Time
	closed      bool
}

type deliveryKey struct {
	reminderID string
	chatID     int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscribers: make(map[int64]time.Time),
		deliveries:  make(map[deliveryKey]time.Time),
	}
}

// AddSubscriber adds a chat; returns false if it was already subscribed
func (s *MemoryStore) AddSubscriber(chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	if _, ok := s.subscribers[chatID]; ok {
		return false, nil
	}
	s.subscribers[chatID] = time.Now().UTC()
	return true, nil
}

// RemoveSubscriber removes a chat; returns false if it was not subscribed
func (s *MemoryStore) RemoveSubscriber(chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	if _, ok := s.subscribers[chatID]; !ok {
		return false, nil
	}
	delete(s.subscribers, chatID)
	return true, nil
}

// IsSubscribed reports whether a chat is subscribed
func (s *MemoryStore) IsSubscribed(chatID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	_, ok := s.subscribers[chatID]
	return ok, nil
}

// ListSubscribers returns all chat IDs in ascending order
func (s *MemoryStore) ListSubscribers() ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	return sortedIDs(s.subscribers), nil
}

// CountSubscribers returns the number of subscribed chats
func (s *MemoryStore) CountSubscribers() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.subscribers), nil
}

// RecordDelivery marks reminderID as delivered to chatID
func (s *MemoryStore) RecordDelivery(reminderID string, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	key := deliveryKey{reminderID: reminderID, chatID: chatID}
	if _, ok := s.deliveries[key]; ok {
		return false, nil
	}
	s.deliveries[key] = time.Now().UTC()
	return true, nil
}

// PruneDeliveries deletes delivery records older than maxAge
func (s *MemoryStore) PruneDeliveries(maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var pruned int64
	for key, sentAt := range s.deliveries {
		if sentAt.Before(cutoff) {
			delete(s.deliveries, key)
			pruned++
		}
	}
	return pruned, nil
}

// HealthCheck always succeeds while the store is open
func (s *MemoryStore) HealthCheck() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortedIDs(m map[int64]time.Time) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
