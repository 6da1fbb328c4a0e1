package notify

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrDuplicateID = errors.New("notification id already exists")

// MemoryStore keeps notifications for the lifetime of the process.
// Nothing is deleted. All methods are safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	items []*Notification
	byID  map[string]*Notification
	byKey map[string]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Notification),
		byKey: make(map[string]*Notification),
	}
}

// Add stores a copy of n and returns its id.
func (s *MemoryStore) Add(n Notification) (string, error) {
	id := strings.TrimSpace(n.ID)
	if id == "" {
		return "", fmt.Errorf("notification id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	cp := n
	cp.ID = id
	s.items = append(s.items, &cp)
	s.byID[id] = &cp
	return id, nil
}

// AddOnce stores n unless a notification was already stored under key, in
// which case the existing record is returned with created=false.
// An empty key behaves like Add.
func (s *MemoryStore) AddOnce(key string, n Notification) (stored Notification, created bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		id, err := s.Add(n)
		if err != nil {
			return Notification{}, false, err
		}
		n.ID = id
		return n, true, nil
	}
	id := strings.TrimSpace(n.ID)
	if id == "" {
		return Notification{}, false, fmt.Errorf("notification id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byKey[key]; ok {
		return *prev, false, nil
	}
	if _, ok := s.byID[id]; ok {
		return Notification{}, false, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	cp := n
	cp.ID = id
	s.items = append(s.items, &cp)
	s.byID[id] = &cp
	s.byKey[key] = &cp
	return cp, true, nil
}

func (s *MemoryStore) Get(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	if !ok {
		return Notification{}, false
	}
	return *n, true
}

// ListForUser returns the user's notifications, newest first.
func (s *MemoryStore) ListForUser(userID string) []Notification {
	s.mu.RLock()
	out := make([]Notification, 0, 8)
	for _, n := range s.items {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	s.mu.RUnlock()

	// Stable keeps insertion order for equal timestamps, reversed below.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *MemoryStore) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok {
		return false
	}
	n.Read = true
	return true
}

func (s *MemoryStore) SetEmailSent(id string, sent bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok {
		return false
	}
	n.EmailSent = sent
	return true
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
