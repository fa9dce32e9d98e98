package containment

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
	"github.com/dd0wney/cluso-repository/pkg/wal"
)

// edge is one committed containment row.
type edge struct {
	seq    int64
	parent string
	child  string
	start  time.Time
	end    time.Time
}

func (e *edge) active() bool {
	return e.end.IsZero()
}

func (e *edge) activeAt(t time.Time) bool {
	return !e.start.After(t) && (e.end.IsZero() || t.Before(e.end))
}

// overlay holds one transaction's pending entries keyed by child.
type overlay struct {
	mu      sync.Mutex
	entries map[string]*pending
}

// Options configures a MemoryIndex.
type Options struct {
	// Journal, when set, receives every committed batch and is replayed by
	// OpenMemoryIndex.
	Journal       wal.WriteAheadLog
	ContainsLimit int
	Logger        logging.Logger
	Metrics       *metrics.Registry
	Now           func() time.Time
}

// MemoryIndex is an in-process Index. Committed rows live in maps indexed
// by parent and by child, each slice ordered by insertion sequence.
//
// Lock order: mu before any overlay mutex. txMu guards only the overlays
// map and is never held while acquiring another lock.
type MemoryIndex struct {
	mu       sync.RWMutex
	byParent map[string][]*edge
	byChild  map[string][]*edge
	updated  map[string]time.Time
	active   int

	txMu     sync.Mutex
	overlays map[string]*overlay

	seq           atomic.Int64
	containsLimit atomic.Int64

	journal wal.WriteAheadLog
	logger  logging.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// NewMemoryIndex creates an empty index. A journal in opts is written to
// but not replayed; use OpenMemoryIndex to recover from one.
func NewMemoryIndex(opts Options) *MemoryIndex {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &MemoryIndex{
		byParent: make(map[string][]*edge),
		byChild:  make(map[string][]*edge),
		updated:  make(map[string]time.Time),
		overlays: make(map[string]*overlay),
		journal:  opts.Journal,
		logger:   opts.Logger.With(logging.Component("containment"), logging.String("backend", "memory")),
		metrics:  metrics.OrDefault(opts.Metrics),
		now:      opts.Now,
	}
	m.SetContainsLimit(opts.ContainsLimit)
	return m
}

// OpenMemoryIndex creates an index and rebuilds its committed state from
// opts.Journal.
func OpenMemoryIndex(opts Options) (*MemoryIndex, error) {
	m := NewMemoryIndex(opts)
	if m.journal == nil {
		return m, nil
	}
	replayed := 0
	err := m.journal.Replay(func(e *wal.Entry) error {
		if e.OpType != wal.OpContainmentCommit {
			return nil
		}
		rec, err := decodeCommitRecord(e.Data)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.apply(rec)
		m.mu.Unlock()
		replayed++
		return nil
	})
	if err != nil {
		return nil, storeError("replay", "", err)
	}
	m.metrics.JournalReplayedTotal.Add(float64(replayed))
	m.logger.Info("containment journal replayed", logging.Count(replayed))
	return m, nil
}

func (m *MemoryIndex) SetContainsLimit(n int) {
	if n <= 0 {
		n = DefaultContainsLimit
	}
	m.containsLimit.Store(int64(n))
}

func (m *MemoryIndex) limit() int {
	return int(m.containsLimit.Load())
}

func (m *MemoryIndex) nextSeq() int64 {
	return m.seq.Add(1)
}

func (m *MemoryIndex) observe(op string, start time.Time, err error) {
	m.metrics.RecordContainmentOperation(op, time.Since(start), err)
}

// overlayFor returns the overlay of txID, creating it when create is set.
func (m *MemoryIndex) overlayFor(txID string, create bool) *overlay {
	if txID == "" {
		return nil
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	ov, ok := m.overlays[txID]
	if !ok && create {
		ov = &overlay{entries: make(map[string]*pending)}
		m.overlays[txID] = ov
		m.metrics.ContainmentPendingTx.Set(float64(len(m.overlays)))
	}
	return ov
}

func (m *MemoryIndex) dropOverlay(txID string) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	delete(m.overlays, txID)
	m.metrics.ContainmentPendingTx.Set(float64(len(m.overlays)))
}

// facts returns the committed state of child. Caller holds mu.
func (m *MemoryIndex) facts(child string) baselineFacts {
	var f baselineFacts
	rows := m.byChild[child]
	if len(rows) == 0 {
		return f
	}
	f.latestParent = rows[len(rows)-1].parent
	for _, e := range rows {
		if e.active() {
			f.activeParent = e.parent
		}
	}
	return f
}

// activeEdge returns the active committed edge (parent, child). Caller holds mu.
func (m *MemoryIndex) activeEdge(parent, child string) *edge {
	for _, e := range m.byChild[child] {
		if e.parent == parent && e.active() {
			return e
		}
	}
	return nil
}

// insertEdge adds e keeping both index slices ordered by sequence.
func insertEdge(rows []*edge, e *edge) []*edge {
	i := sort.Search(len(rows), func(i int) bool { return rows[i].seq > e.seq })
	rows = append(rows, nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = e
	return rows
}

func removeEdges(rows []*edge, drop func(*edge) bool) []*edge {
	out := rows[:0]
	for _, e := range rows {
		if !drop(e) {
			out = append(out, e)
		}
	}
	for i := len(out); i < len(rows); i++ {
		rows[i] = nil
	}
	return out
}

// firstAfter returns the index of the first row with a sequence greater than after.
func firstAfter(rows []*edge, after int64) int {
	return sort.Search(len(rows), func(i int) bool { return rows[i].seq > after })
}

func txOf(tx kernel.Tx) string {
	return kernel.TxID(tx)
}

func validEdge(parent, child identifier.ResourceID) error {
	if parent.IsZero() || child.IsZero() || child.IsRepositoryRoot() {
		return ErrInvalidID
	}
	if parent.BaseID() == child.BaseID() {
		return ErrInvalidID
	}
	return nil
}

// ActiveEdges returns the number of active committed edges.
func (m *MemoryIndex) ActiveEdges() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

var _ Index = (*MemoryIndex)(nil)

func (m *MemoryIndex) GetContainerIDByPath(ctx context.Context, tx kernel.Tx, id identifier.ResourceID, checkDeleted bool) (res identifier.ResourceID, err error) {
	defer func(start time.Time) { m.observe(opGetContainerIDByPath, start, err) }(time.Now())
	return containerByPath(ctx, m, tx, id, checkDeleted)
}
