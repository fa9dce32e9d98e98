package containment

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
)

// view runs fn with the committed state read-locked and the overlay of
// txID (possibly nil) locked.
func (m *MemoryIndex) view(txID string, fn func(entries map[string]*pending)) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ov := m.overlayFor(txID, false)
	if ov == nil {
		fn(nil)
		return
	}
	ov.mu.Lock()
	defer ov.mu.Unlock()
	fn(ov.entries)
}

// secondOf truncates t to the precision of memento identifiers.
func secondOf(t time.Time) time.Time {
	return t.Truncate(time.Second)
}

func activeAtSecond(e *edge, at time.Time) bool {
	if secondOf(e.start).After(at) {
		return false
	}
	return e.end.IsZero() || at.Before(secondOf(e.end))
}

func mergeRows(rows, extra []row, limit int) []row {
	rows = append(rows, extra...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func (m *MemoryIndex) GetContains(ctx context.Context, tx kernel.Tx, parent identifier.ResourceID) *Sequence {
	if parent.IsZero() {
		return failedSequence(ErrInvalidID)
	}
	p := parent.BaseID()
	if parent.IsMemento() {
		at, ok := parent.MementoInstant()
		if !ok {
			return failedSequence(ErrInvalidID)
		}
		return newSequence(ctx, m.limit(), func(_ context.Context, after int64, limit int) ([]row, error) {
			start := time.Now()
			rows := m.pageContainsAt(p, at, after, limit)
			m.observe(opGetContains, start, nil)
			return rows, nil
		})
	}
	txID := txOf(tx)
	return newSequence(ctx, m.limit(), func(_ context.Context, after int64, limit int) ([]row, error) {
		start := time.Now()
		rows := m.pageContains(txID, p, after, limit)
		m.observe(opGetContains, start, nil)
		return rows, nil
	})
}

func (m *MemoryIndex) pageContainsAt(p string, at time.Time, after int64, limit int) []row {
	m.mu.RLock()
	defer m.mu.RUnlock()

	edges := m.byParent[p]
	rows := make([]row, 0, min(limit, len(edges)))
	for _, e := range edges[firstAfter(edges, after):] {
		if len(rows) == limit {
			break
		}
		if activeAtSecond(e, at) {
			rows = append(rows, row{seq: e.seq, id: e.child})
		}
	}
	return rows
}

func (m *MemoryIndex) pageContains(txID, p string, after int64, limit int) []row {
	var rows []row
	m.view(txID, func(entries map[string]*pending) {
		edges := m.byParent[p]
		for _, e := range edges[firstAfter(edges, after):] {
			if len(rows) == limit {
				break
			}
			if !e.active() || entries[e.child].hides(p) {
				continue
			}
			rows = append(rows, row{seq: e.seq, id: e.child})
		}

		var staged []row
		for _, pe := range entries {
			if pe.parent != p || !pe.opensEdge() || pe.seq <= after {
				continue
			}
			if m.activeEdge(p, pe.child) != nil {
				continue
			}
			staged = append(staged, row{seq: pe.seq, id: pe.child})
		}
		if len(staged) > 0 {
			rows = mergeRows(rows, staged, limit)
		}
	})
	return rows
}

func (m *MemoryIndex) GetContainsDeleted(ctx context.Context, tx kernel.Tx, parent identifier.ResourceID) *Sequence {
	if parent.IsZero() {
		return failedSequence(ErrInvalidID)
	}
	p := parent.BaseID()
	txID := txOf(tx)
	return newSequence(ctx, m.limit(), func(_ context.Context, after int64, limit int) ([]row, error) {
		start := time.Now()
		rows := m.pageDeleted(txID, p, after, limit)
		m.observe(opGetContainsDeleted, start, nil)
		return rows, nil
	})
}

// latestUnder reports whether e is the most recent row for its
// (parent, child) pair. Caller holds mu.
func (m *MemoryIndex) latestUnder(e *edge) bool {
	rows := m.byChild[e.child]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].parent == e.parent {
			return rows[i] == e
		}
	}
	return false
}

func (m *MemoryIndex) pageDeleted(txID, p string, after int64, limit int) []row {
	var rows []row
	m.view(txID, func(entries map[string]*pending) {
		edges := m.byParent[p]
		for _, e := range edges[firstAfter(edges, after):] {
			if len(rows) == limit {
				break
			}
			if !m.latestUnder(e) {
				continue
			}
			pe := entries[e.child]
			if e.active() {
				if pe == nil || pe.op != opRemove || pe.parent != p {
					continue
				}
			} else if pe != nil && (pe.op == opPurge || (pe.opensEdge() && pe.parent == p)) {
				continue
			}
			rows = append(rows, row{seq: e.seq, id: e.child})
		}
	})
	return rows
}

func (m *MemoryIndex) GetContainedBy(_ context.Context, tx kernel.Tx, child identifier.ResourceID) (parent string, err error) {
	defer func(start time.Time) { m.observe(opGetContainedBy, start, err) }(time.Now())
	if child.IsZero() {
		return "", ErrInvalidID
	}
	c := child.BaseID()
	m.view(txOf(tx), func(entries map[string]*pending) {
		if pe := entries[c]; pe != nil {
			if pe.op != opPurge {
				parent = pe.parent
			}
			return
		}
		f := m.facts(c)
		parent = f.activeParent
		if parent == "" {
			parent = f.latestParent
		}
	})
	return parent, nil
}

func (m *MemoryIndex) ResourceExists(_ context.Context, tx kernel.Tx, id identifier.ResourceID, includeDeleted bool) (exists bool, err error) {
	defer func(start time.Time) { m.observe(opResourceExists, start, err) }(time.Now())
	if id.IsZero() {
		return false, ErrInvalidID
	}
	if id.IsRepositoryRoot() {
		return true, nil
	}
	c := id.BaseID()
	m.view(txOf(tx), func(entries map[string]*pending) {
		if pe := entries[c]; pe != nil {
			switch pe.op {
			case opAdd:
				exists = pe.end.IsZero() || includeDeleted
			case opRemove:
				exists = includeDeleted
			}
			return
		}
		rows := m.byChild[c]
		for _, e := range rows {
			if e.active() {
				exists = true
				return
			}
		}
		exists = includeDeleted && len(rows) > 0
	})
	return exists, nil
}

func (m *MemoryIndex) HasResourcesStartingWith(_ context.Context, tx kernel.Tx, id identifier.ResourceID) (found bool, err error) {
	defer func(start time.Time) { m.observe(opHasResourcesStarting, start, err) }(time.Now())
	if id.IsZero() {
		return false, ErrInvalidID
	}
	prefix := id.BaseID() + "/"
	m.view(txOf(tx), func(entries map[string]*pending) {
		purged := func(child string) bool {
			pe := entries[child]
			return pe != nil && pe.op == opPurge
		}
		for child, rows := range m.byChild {
			if len(rows) > 0 && strings.HasPrefix(child, prefix) && !purged(child) {
				found = true
				return
			}
		}
		for parent, rows := range m.byParent {
			if !strings.HasPrefix(parent, prefix) {
				continue
			}
			for _, e := range rows {
				if !purged(e.child) {
					found = true
					return
				}
			}
		}
		for _, pe := range entries {
			if pe.op == opAdd && (strings.HasPrefix(pe.child, prefix) || strings.HasPrefix(pe.parent, prefix)) {
				found = true
				return
			}
		}
	})
	return found, nil
}

func (m *MemoryIndex) ContainmentLastUpdated(_ context.Context, tx kernel.Tx, id identifier.ResourceID) (updated time.Time, err error) {
	defer func(start time.Time) { m.observe(opLastUpdated, start, err) }(time.Now())
	if id.IsZero() {
		return time.Time{}, ErrInvalidID
	}
	base := id.BaseID()
	m.view(txOf(tx), func(entries map[string]*pending) {
		updated = m.updated[base]
		for _, pe := range entries {
			touches := pe.parent == base
			if !touches && pe.opensEdge() {
				touches = m.facts(pe.child).activeParent == base
			}
			if touches && pe.recorded.After(updated) {
				updated = pe.recorded
			}
		}
	})
	return updated, nil
}
