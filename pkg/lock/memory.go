package lock

import (
	"context"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
)

type holders struct {
	exclusive string
	shared    map[string]struct{}
}

func (h *holders) empty() bool {
	return h.exclusive == "" && len(h.shared) == 0
}

// otherShared returns a shared holder other than txID, if any.
func (h *holders) otherShared(txID string) (string, bool) {
	for holder := range h.shared {
		if holder != txID {
			return holder, true
		}
	}
	return "", false
}

// MemoryManager is a process-local lock manager.
type MemoryManager struct {
	mu        sync.Mutex
	resources map[string]*holders
	byTx      map[string]map[string]struct{}

	logger  logging.Logger
	metrics *metrics.Registry
}

// NewMemoryManager creates an in-process lock manager.
func NewMemoryManager(logger logging.Logger, reg *metrics.Registry) *MemoryManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &MemoryManager{
		resources: make(map[string]*holders),
		byTx:      make(map[string]map[string]struct{}),
		logger:    logger.With(logging.Component("lock")),
		metrics:   metrics.OrDefault(reg),
	}
}

func (m *MemoryManager) conflict(txID, resource, holder string, mode Mode) error {
	m.metrics.RecordLockAcquire(mode.String(), true)
	m.logger.Debug("lock conflict",
		logging.TxID(txID),
		logging.ResourceID(resource),
		logging.String("holder", holder),
		logging.String("mode", mode.String()))
	return &ConflictError{ResourceID: resource, TxID: txID, Holder: holder, Mode: mode}
}

func (m *MemoryManager) track(txID, resource string) {
	set, ok := m.byTx[txID]
	if !ok {
		set = make(map[string]struct{})
		m.byTx[txID] = set
	}
	set[resource] = struct{}{}
	m.metrics.LocksHeld.Set(float64(len(m.resources)))
}

func (m *MemoryManager) entry(resource string) *holders {
	h, ok := m.resources[resource]
	if !ok {
		h = &holders{shared: make(map[string]struct{})}
		m.resources[resource] = h
	}
	return h
}

// AcquireExclusive locks id for txID alone. A transaction that holds the
// only shared lock on id is upgraded.
func (m *MemoryManager) AcquireExclusive(_ context.Context, txID string, id identifier.ResourceID) error {
	resource := key(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.entry(resource)
	switch {
	case h.exclusive == txID:
		return nil
	case h.exclusive != "":
		return m.conflict(txID, resource, h.exclusive, Exclusive)
	}
	if holder, ok := h.otherShared(txID); ok {
		return m.conflict(txID, resource, holder, Exclusive)
	}

	delete(h.shared, txID)
	h.exclusive = txID
	m.track(txID, resource)
	m.metrics.RecordLockAcquire(Exclusive.String(), false)
	return nil
}

// AcquireNonExclusive takes a shared lock on id. An exclusive lock held by
// the same transaction already covers it.
func (m *MemoryManager) AcquireNonExclusive(_ context.Context, txID string, id identifier.ResourceID) error {
	resource := key(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.entry(resource)
	switch {
	case h.exclusive == txID:
		return nil
	case h.exclusive != "":
		return m.conflict(txID, resource, h.exclusive, Shared)
	}

	h.shared[txID] = struct{}{}
	m.track(txID, resource)
	m.metrics.RecordLockAcquire(Shared.String(), false)
	return nil
}

// ReleaseAll drops every lock held by txID.
func (m *MemoryManager) ReleaseAll(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for resource := range m.byTx[txID] {
		h, ok := m.resources[resource]
		if !ok {
			continue
		}
		if h.exclusive == txID {
			h.exclusive = ""
		}
		delete(h.shared, txID)
		if h.empty() {
			delete(m.resources, resource)
		}
	}
	delete(m.byTx, txID)
	m.metrics.LocksHeld.Set(float64(len(m.resources)))
	return nil
}

// Held returns the resources locked by txID, sorted.
func (m *MemoryManager) Held(txID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.byTx[txID]))
	for resource := range m.byTx[txID] {
		out = append(out, resource)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of locked resources.
func (m *MemoryManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}
