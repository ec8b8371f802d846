package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"metricsconsole/internal/models"
)

// StorageKey is the single durable key holding the serialized session.
const StorageKey = "metricsDashboardUser"

var ErrNotFound = errors.New("storage: key not found")

// Storage is durable client storage. Get returns ErrNotFound for a missing key.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Store owns the current session. At most one session is live; a nil
// session means unauthenticated.
type Store struct {
	storage Storage

	mu        sync.RWMutex
	current   *models.Session
	listeners []func(*models.Session)
}

func NewStore(storage Storage) *Store {
	return &Store{storage: storage}
}

// Load restores the session persisted by a previous run. A corrupt entry is
// removed and treated as logged out.
func (s *Store) Load(ctx context.Context) error {
	raw, err := s.storage.Get(ctx, StorageKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || sess.Username == "" {
		_ = s.storage.Delete(ctx, StorageKey)
		return nil
	}
	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()
	return nil
}

// Current returns a copy of the live session, or nil.
func (s *Store) Current() *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	c := *s.current
	return &c
}

func (s *Store) Set(ctx context.Context, sess models.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.storage.Put(ctx, StorageKey, string(b)); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()
	s.notify()
	return nil
}

// Clear drops the session in memory even when the durable delete fails.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	had := s.current != nil
	s.current = nil
	s.mu.Unlock()
	err := s.storage.Delete(ctx, StorageKey)
	if had {
		s.notify()
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// OnChange registers fn to run after every login and logout.
func (s *Store) OnChange(fn func(*models.Session)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	listeners := append([]func(*models.Session){}, s.listeners...)
	s.mu.RUnlock()
	cur := s.Current()
	for _, fn := range listeners {
		fn(cur)
	}
}
