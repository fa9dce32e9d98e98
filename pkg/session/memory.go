// Package session provides an in-memory persistent storage session
// manager. Each transaction gets a session that buffers writes and applies
// them to the shared store when committed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/logging"
)

var (
	ErrNoTransaction = errors.New("storage session requires a transaction id")
	ErrSessionClosed = errors.New("storage session is closed")
	ErrNotPrepared   = errors.New("storage session was not prepared")
)

type sessionState uint8

const (
	sessionActive sessionState = iota
	sessionPrepared
	sessionCommitted
	sessionRolledBack
)

// MemoryManager hands out one Session per transaction id.
type MemoryManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    map[string][]byte
	logger   logging.Logger
}

var _ kernel.SessionManager = (*MemoryManager)(nil)

func NewMemoryManager(logger logging.Logger) *MemoryManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &MemoryManager{
		sessions: make(map[string]*Session),
		store:    make(map[string][]byte),
		logger:   logger.With(logging.Component("storage_sessions")),
	}
}

// GetSession returns the session of txID, creating it on first use.
func (m *MemoryManager) GetSession(_ context.Context, txID string) (kernel.StorageSession, error) {
	return m.Session(txID)
}

// Session is GetSession with the concrete type.
func (m *MemoryManager) Session(txID string) (*Session, error) {
	if txID == "" {
		return nil, ErrNoTransaction
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[txID]
	if !ok {
		s = &Session{txID: txID, mgr: m, writes: make(map[string]*[]byte)}
		m.sessions[txID] = s
	}
	return s, nil
}

func (m *MemoryManager) RemoveSession(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, txID)
	return nil
}

// Get reads a committed value.
func (m *MemoryManager) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.store[key]
	return v, ok
}

// Keys returns the committed keys in sorted order.
func (m *MemoryManager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.store))
	for k := range m.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live sessions.
func (m *MemoryManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Session buffers the writes of one transaction.
type Session struct {
	txID string
	mgr  *MemoryManager

	mu    sync.Mutex
	state sessionState
	// writes maps a key to its new value; a nil pointer marks a delete.
	writes map[string]*[]byte
}

var _ kernel.StorageSession = (*Session)(nil)

func (s *Session) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionActive {
		return ErrSessionClosed
	}
	v := append([]byte(nil), value...)
	s.writes[key] = &v
	return nil
}

func (s *Session) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionActive {
		return ErrSessionClosed
	}
	s.writes[key] = nil
	return nil
}

// Get reads key as seen by the session: its own writes first, then the
// committed store.
func (s *Session) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	if w, ok := s.writes[key]; ok {
		s.mu.Unlock()
		if w == nil {
			return nil, false
		}
		return *w, true
	}
	s.mu.Unlock()
	return s.mgr.Get(key)
}

func (s *Session) Prepare(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionActive {
		return fmt.Errorf("prepare session %s: %w", s.txID, ErrSessionClosed)
	}
	s.state = sessionPrepared
	return nil
}

// Commit applies the buffered writes to the shared store.
func (s *Session) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionPrepared {
		return fmt.Errorf("commit session %s: %w", s.txID, ErrNotPrepared)
	}

	s.mgr.mu.Lock()
	for k, w := range s.writes {
		if w == nil {
			delete(s.mgr.store, k)
			continue
		}
		s.mgr.store[k] = *w
	}
	s.mgr.mu.Unlock()

	s.mgr.logger.Debug("storage session committed", logging.TxID(s.txID), logging.Count(len(s.writes)))
	s.writes = nil
	s.state = sessionCommitted
	return nil
}

// Rollback discards the buffered writes. Rolling back twice is a no-op.
func (s *Session) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case sessionCommitted:
		return fmt.Errorf("rollback session %s: %w", s.txID, ErrSessionClosed)
	case sessionRolledBack:
		return nil
	}
	s.writes = nil
	s.state = sessionRolledBack
	return nil
}
