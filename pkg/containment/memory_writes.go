package containment

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/logging"
)

// write plans and applies one overlay change for child in tx.
func (m *MemoryIndex) write(op string, tx kernel.Tx, child string, planFn func(cur *pending, facts baselineFacts) plan) (err error) {
	defer func(start time.Time) { m.observe(op, start, err) }(time.Now())

	txID := txOf(tx)
	if txID == "" {
		return ErrNoTransaction
	}
	ov := m.overlayFor(txID, true)

	m.mu.RLock()
	defer m.mu.RUnlock()
	ov.mu.Lock()
	defer ov.mu.Unlock()

	p := planFn(ov.entries[child], m.facts(child))
	switch {
	case p.put != nil:
		if p.put.op == opAdd {
			p.put.seq = m.nextSeq()
		}
		ov.entries[child] = p.put
	case p.drop:
		delete(ov.entries, child)
	}
	m.logger.Debug("containment change staged",
		logging.TxID(txID),
		logging.Operation(op),
		logging.Child(child))
	return nil
}

func (m *MemoryIndex) AddContainedBy(ctx context.Context, tx kernel.Tx, parent, child identifier.ResourceID) error {
	return m.AddContainedByAt(ctx, tx, parent, child, time.Time{}, time.Time{})
}

func (m *MemoryIndex) AddContainedByAt(_ context.Context, tx kernel.Tx, parent, child identifier.ResourceID, start, end time.Time) error {
	if err := validEdge(parent, child); err != nil {
		return err
	}
	p, c := parent.BaseID(), child.BaseID()
	now := m.now()
	return m.write(opAddContainedBy, tx, c, func(_ *pending, facts baselineFacts) plan {
		return planAdd(p, c, start, end, now, facts)
	})
}

func (m *MemoryIndex) RemoveContainedBy(_ context.Context, tx kernel.Tx, parent, child identifier.ResourceID) error {
	if err := validEdge(parent, child); err != nil {
		return err
	}
	p, c := parent.BaseID(), child.BaseID()
	now := m.now()
	return m.write(opRemoveContainedBy, tx, c, func(cur *pending, facts baselineFacts) plan {
		return planRemove(cur, p, c, now, facts)
	})
}

func (m *MemoryIndex) RemoveResource(_ context.Context, tx kernel.Tx, id identifier.ResourceID) error {
	if id.IsZero() {
		return ErrInvalidID
	}
	c := id.BaseID()
	now := m.now()
	return m.write(opRemoveResource, tx, c, func(cur *pending, facts baselineFacts) plan {
		return planRemoveResource(cur, c, now, facts)
	})
}

func (m *MemoryIndex) PurgeResource(_ context.Context, tx kernel.Tx, id identifier.ResourceID) error {
	if id.IsZero() {
		return ErrInvalidID
	}
	c := id.BaseID()
	now := m.now()
	return m.write(opPurgeResource, tx, c, func(cur *pending, facts baselineFacts) plan {
		return planPurge(cur, c, now, facts)
	})
}
