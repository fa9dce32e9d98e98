package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-repository/pkg/containment"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/lock"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
)

var errInjected = errors.New("injected failure")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSession counts calls and fails on demand.
type fakeSession struct {
	mu          sync.Mutex
	prepared    int
	committed   int
	rolledBack  int
	commitErr   error
	rollbackErr error
	onCommit    func()
}

func (s *fakeSession) Prepare(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared++
	return nil
}

func (s *fakeSession) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onCommit != nil {
		s.onCommit()
	}
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed++
	return nil
}

func (s *fakeSession) Rollback(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolledBack++
	return s.rollbackErr
}

func (s *fakeSession) counts() (prepared, committed, rolledBack int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepared, s.committed, s.rolledBack
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	removed  []string
	// template values copied into new sessions
	commitErr   error
	rollbackErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*fakeSession)}
}

func (f *fakeSessions) GetSession(_ context.Context, txID string) (kernel.StorageSession, error) {
	return f.session(txID), nil
}

func (f *fakeSessions) session(txID string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[txID]
	if !ok {
		s = &fakeSession{commitErr: f.commitErr, rollbackErr: f.rollbackErr}
		f.sessions[txID] = s
	}
	return s
}

func (f *fakeSessions) RemoveSession(_ context.Context, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, txID)
	f.removed = append(f.removed, txID)
	return nil
}

func (f *fakeSessions) wasRemoved(txID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.removed {
		if id == txID {
			return true
		}
	}
	return false
}

// fakeParticipant fails its first failCommits commits.
type fakeParticipant struct {
	mu          sync.Mutex
	commits     int
	rollbacks   int
	failCommits int
	rollbackErr error
	commitFn    func(ctx context.Context, tx kernel.Tx) error
}

func (p *fakeParticipant) CommitTransaction(ctx context.Context, tx kernel.Tx) error {
	p.mu.Lock()
	p.commits++
	fail := p.commits <= p.failCommits
	fn := p.commitFn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, tx)
	}
	if fail {
		return errInjected
	}
	return nil
}

func (p *fakeParticipant) RollbackTransaction(context.Context, kernel.Tx) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollbacks++
	return p.rollbackErr
}

func (p *fakeParticipant) counts() (commits, rollbacks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commits, p.rollbacks
}

type fakeEvents struct {
	mu        sync.Mutex
	emitted   int
	cleared   int
	baseURI   string
	userAgent string
}

func (e *fakeEvents) EmitEvents(_ context.Context, _ kernel.Tx, baseURI, userAgent string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitted++
	e.baseURI, e.userAgent = baseURI, userAgent
	return nil
}

func (e *fakeEvents) ClearEvents(context.Context, kernel.Tx) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleared++
}

type fakeTypes struct {
	mu      sync.Mutex
	merged  []string
	dropped []string
}

func (f *fakeTypes) MergeSessionCache(txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, txID)
}

func (f *fakeTypes) DropSessionCache(txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, txID)
}

// harness wires a Manager to an in-memory index and lock manager plus
// recording fakes for the other collaborators.
type harness struct {
	mgr         *Manager
	clock       *fakeClock
	index       *containment.MemoryIndex
	locks       *lock.MemoryManager
	sessions    *fakeSessions
	references  *fakeParticipant
	memberships *fakeParticipant
	search      *fakeParticipant
	events      *fakeEvents
	types       *fakeTypes
	metrics     *metrics.Registry
}

func newHarness(t *testing.T, configure ...func(*harness, *Options)) *harness {
	t.Helper()
	h := &harness{
		clock:       newFakeClock(),
		sessions:    newFakeSessions(),
		references:  &fakeParticipant{},
		memberships: &fakeParticipant{},
		search:      &fakeParticipant{},
		events:      &fakeEvents{},
		types:       &fakeTypes{},
		metrics:     metrics.NewRegistry(),
	}
	h.index = containment.NewMemoryIndex(containment.Options{Now: h.clock.Now, Metrics: h.metrics})
	h.locks = lock.NewMemoryManager(nil, h.metrics)

	opts := Options{
		SessionTimeout: 3 * time.Minute,
		GracePeriod:    time.Minute,
		Retry:          &NoRetry,
		Clock:          h.clock,
		Logger:         logging.NewNopLogger(),
		Metrics:        h.metrics,
	}
	for _, fn := range configure {
		fn(h, &opts)
	}

	mgr, err := NewManager(Services{
		Containment: h.index,
		Sessions:    h.sessions,
		Locks:       h.locks,
		References:  h.references,
		Memberships: h.memberships,
		Search:      h.search,
		Events:      h.events,
		Types:       h.types,
	}, opts)
	require.NoError(t, err)
	h.mgr = mgr
	return h
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, c.Write(&metric))
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, g.Write(&metric))
	return metric.GetGauge().GetValue()
}
