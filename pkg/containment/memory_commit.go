package containment

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/wal"
)

// CommitTransaction folds the overlay of tx into the committed state at a
// single instant. When a journal is configured the batch is appended to it
// first; if that fails nothing is applied and the overlay is kept.
func (m *MemoryIndex) CommitTransaction(_ context.Context, tx kernel.Tx) (err error) {
	defer func(start time.Time) { m.observe(opCommit, start, err) }(time.Now())

	txID := txOf(tx)
	if txID == "" {
		return ErrNoTransaction
	}
	ov := m.overlayFor(txID, false)
	if ov == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ov.mu.Lock()
	rec := buildCommitRecord(txID, m.now(), ov.entries)
	ov.mu.Unlock()

	if len(rec.Ops) > 0 && m.journal != nil {
		data, err := rec.encode()
		if err != nil {
			return storeError(opCommit, "", err)
		}
		if _, err := m.journal.Append(wal.OpContainmentCommit, data); err != nil {
			m.logger.Error("containment journal append failed", logging.TxID(txID), logging.Error(err))
			return storeError(opCommit, "", err)
		}
		m.metrics.RecordJournalAppend(wal.OpContainmentCommit.String(), len(data))
	}

	m.apply(rec)
	m.dropOverlay(txID)
	m.logger.Debug("containment committed", logging.TxID(txID), logging.Count(len(rec.Ops)))
	return nil
}

// apply mutates the committed state. Caller holds mu exclusively.
func (m *MemoryIndex) apply(rec *commitRecord) {
	at := rec.At
	touch := func(parent string) {
		if parent != "" && at.After(m.updated[parent]) {
			m.updated[parent] = at
		}
	}

	for _, op := range rec.Ops {
		if op.Seq > m.seq.Load() {
			m.seq.Store(op.Seq)
		}
		kind, _ := parseOpKind(op.Op)
		switch kind {
		case opPurge:
			for _, e := range m.byChild[op.Child] {
				if e.active() {
					m.active--
				}
				touch(e.parent)
				m.byParent[e.parent] = removeEdges(m.byParent[e.parent], func(x *edge) bool { return x.child == op.Child })
				if len(m.byParent[e.parent]) == 0 {
					delete(m.byParent, e.parent)
				}
			}
			delete(m.byChild, op.Child)

		case opRemove:
			if e := m.activeEdge(op.Parent, op.Child); e != nil {
				e.end = at
				m.active--
				touch(op.Parent)
			}

		case opAdd:
			if op.End.IsZero() {
				for _, e := range m.byChild[op.Child] {
					if e.active() && e.parent != op.Parent {
						e.end = at
						m.active--
						touch(e.parent)
					}
				}
				if m.activeEdge(op.Parent, op.Child) != nil {
					continue
				}
				m.active++
			}
			e := &edge{seq: op.Seq, parent: op.Parent, child: op.Child, start: op.Start, end: op.End}
			m.byParent[op.Parent] = insertEdge(m.byParent[op.Parent], e)
			m.byChild[op.Child] = insertEdge(m.byChild[op.Child], e)
			touch(op.Parent)
		}
	}
	m.metrics.ContainmentActiveEdges.Set(float64(m.active))
}

// RollbackTransaction discards the overlay of tx.
func (m *MemoryIndex) RollbackTransaction(_ context.Context, tx kernel.Tx) (err error) {
	defer func(start time.Time) { m.observe(opRollback, start, err) }(time.Now())
	txID := txOf(tx)
	if txID == "" {
		return ErrNoTransaction
	}
	m.dropOverlay(txID)
	return nil
}

// ClearAllTransactions discards every overlay.
func (m *MemoryIndex) ClearAllTransactions(_ context.Context) (err error) {
	defer func(start time.Time) { m.observe(opClearAllTransactions, start, err) }(time.Now())
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.overlays = make(map[string]*overlay)
	m.metrics.ContainmentPendingTx.Set(0)
	return nil
}

// Reset drops every committed row and overlay and truncates the journal.
func (m *MemoryIndex) Reset(ctx context.Context) (err error) {
	defer func(start time.Time) { m.observe(opReset, start, err) }(time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.Truncate(); err != nil {
			return storeError(opReset, "", err)
		}
	}
	m.byParent = make(map[string][]*edge)
	m.byChild = make(map[string][]*edge)
	m.updated = make(map[string]time.Time)
	m.active = 0
	m.metrics.ContainmentActiveEdges.Set(0)

	m.txMu.Lock()
	m.overlays = make(map[string]*overlay)
	m.txMu.Unlock()
	m.metrics.ContainmentPendingTx.Set(0)
	return nil
}
