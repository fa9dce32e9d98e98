package containment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
)

type testTx string

func (t testTx) ID() string { return string(t) }

func newTx() kernel.Tx { return testTx(uuid.NewString()) }

// fakeClock hands out whole-second instants so memento lookups are exact.
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

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func ids(base string, names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = identifier.New(base + "/" + n).FullID()
	}
	return out
}

func collect(t *testing.T, seq *Sequence) []string {
	t.Helper()
	out, err := seq.Collect()
	require.NoError(t, err)
	return out
}

type indexFactory func(t *testing.T, clock *fakeClock) Index

// runIndexSuite exercises the behaviour both backends share. Each subtest
// works beneath its own random path.
func runIndexSuite(t *testing.T, newIndex indexFactory) {
	ctx := context.Background()

	setup := func(t *testing.T) (Index, *fakeClock, string) {
		clock := newFakeClock()
		return newIndex(t, clock), clock, "suite-" + uuid.NewString()[:8]
	}

	commitAdds := func(t *testing.T, idx Index, parent identifier.ResourceID, children ...identifier.ResourceID) {
		t.Helper()
		tx := newTx()
		for _, c := range children {
			require.NoError(t, idx.AddContainedBy(ctx, tx, parent, c))
		}
		require.NoError(t, idx.CommitTransaction(ctx, tx))
	}

	t.Run("StagedAddsVisibleOnlyToTheirTransaction", func(t *testing.T) {
		idx, _, base := setup(t)
		p := identifier.New(base)
		tx := newTx()

		require.NoError(t, idx.AddContainedBy(ctx, tx, p, identifier.New(base+"/a")))
		require.NoError(t, idx.AddContainedBy(ctx, tx, p, identifier.New(base+"/b")))

		assert.Equal(t, ids(base, "a", "b"), collect(t, idx.GetContains(ctx, tx, p)))
		assert.Empty(t, collect(t, idx.GetContains(ctx, nil, p)))
		assert.Empty(t, collect(t, idx.GetContains(ctx, newTx(), p)))

		require.NoError(t, idx.CommitTransaction(ctx, tx))
		assert.Equal(t, ids(base, "a", "b"), collect(t, idx.GetContains(ctx, nil, p)))
		assert.Equal(t, ids(base, "a", "b"), collect(t, idx.GetContains(ctx, tx, p)))
	})

	t.Run("WritesRequireTransaction", func(t *testing.T) {
		idx, _, base := setup(t)
		err := idx.AddContainedBy(ctx, nil, identifier.New(base), identifier.New(base+"/a"))
		assert.True(t, errors.Is(err, ErrNoTransaction))
	})

	t.Run("RejectsInvalidEdges", func(t *testing.T) {
		idx, _, base := setup(t)
		tx := newTx()
		p := identifier.New(base)

		assert.ErrorIs(t, idx.AddContainedBy(ctx, tx, p, identifier.Root()), ErrInvalidID)
		assert.ErrorIs(t, idx.AddContainedBy(ctx, tx, p, p), ErrInvalidID)
		assert.ErrorIs(t, idx.AddContainedBy(ctx, tx, p, identifier.ResourceID{}), ErrInvalidID)
		assert.ErrorIs(t, idx.AddContainedBy(ctx, tx, p, p.AsDescription()), ErrInvalidID)
	})

	t.Run("DescriptionResolvesToResource", func(t *testing.T) {
		idx, _, base := setup(t)
		p := identifier.New(base)
		child := identifier.New(base + "/a")
		commitAdds(t, idx, p, child.AsDescription())

		assert.Equal(t, ids(base, "a"), collect(t, idx.GetContains(ctx, nil, p.AsDescription())))
		parent, err := idx.GetContainedBy(ctx, nil, child.AsDescription())
		require.NoError(t, err)
		assert.Equal(t, p.FullID(), parent)
	})

	t.Run("RemoveEndDatesEdge", func(t *testing.T) {
		idx, _, base := setup(t)
		p := identifier.New(base)
		a, b := identifier.New(base+"/a"), identifier.New(base+"/b")
		commitAdds(t, idx, p, a, b)

		tx := newTx()
		require.NoError(t, idx.RemoveContainedBy(ctx, tx, p, a))

		assert.Equal(t, ids(base, "b"), collect(t, idx.GetContains(ctx, tx, p)))
		assert.Equal(t, ids(base, "a"), collect(t, idx.GetContainsDeleted(ctx, tx, p)))
		assert.Equal(t, ids(base, "a", "b"), collect(t, idx.GetContains(ctx, nil, p)))
		assert.Empty(t, collect(t, idx.GetContainsDeleted(ctx, nil, p)))

		exists, err := idx.ResourceExists(ctx, tx, a, false)
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, idx.CommitTransaction(ctx, tx))
		assert.Equal(t, ids(base, "b"), collect(t, idx.GetContains(ctx, nil, p)))
		assert.Equal(t, ids(base, "a"), collect(t, idx.GetContainsDeleted(ctx, nil, p)))

		exists, err = idx.ResourceExists(ctx, nil, a, false)
		require.NoError(t, err)
		assert.False(t, exists)
		exists, err = idx.ResourceExists(ctx, nil, a, true)
		require.NoError(t, err)
		assert.True(t, exists)

		parent, err := idx.GetContainedBy(ctx, nil, a)
		require.NoError(t, err)
		assert.Equal(t, p.FullID(), parent, "parent resolves through the end-dated edge")
	})

	t.Run("RemoveOfStagedAddCancelsIt", func(t *testing.T) {
		idx, _, base := setup(t)
		p := identifier.New(base)
		a := identifier.New(base + "/a")
		tx := newTx()

		require.NoError(t, idx.AddContainedBy(ctx, tx, p, a))
		require.NoError(t, idx.RemoveContainedBy(ctx, tx, p, a))
		assert.Empty(t, collect(t, idx.GetContains(ctx, tx, p)))
		assert.Empty(t, collect(t, idx.GetContainsDeleted(ctx, tx, p)))

		require.NoError(t, idx.CommitTransaction(ctx, tx))
		exists, err := idx.ResourceExists(ctx, nil, a, true)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("RemoveResourceUsesCurrentParent", func(t *testing.T) {
		idx, _, base := setup(t)
		p := identifier.New(base)
		a := identifier.New(base + "/a")
		commitAdds(t, idx, p, a)

		tx := newTx()
		require.NoError(t, idx.RemoveResource(ctx, tx, a))
		require.NoError(t, idx.CommitTransaction(ctx, tx))

		assert.Empty(t, collect(t, idx.GetContains(ctx, nil, p)))
		assert.Equal(t, ids(base, "a"), collect(t, idx.GetContainsDeleted(ctx, nil, p)))
	})

	t.Run("MoveBetweenParents", func(t *testing.T) {
		idx, _, base := setup(t)
		p, q := identifier.New(base+"/p"), identifier.New(base+"/q")
		c := identifier.New(base + "/c")
		commitAdds(t, idx, p, c)

		tx := newTx()
		require.NoError(t, idx.AddContainedBy(ctx, tx, q, c))
		assert.Empty(t, collect(t, idx.GetContains(ctx, tx, p)))
		assert.Equal(t, ids(base, "c"), collect(t, idx.GetContains(ctx, tx, q)))

		parent, err := idx.GetContainedBy(ctx, tx, c)
		require.NoError(t, err)
		assert.Equal(t, q.FullID(), parent)
		parent, err = idx.GetContainedBy(ctx, nil, c)
		require.NoError(t, err)
		assert.Equal(t, p.FullID(), parent)

		require.NoError(t, idx.CommitTransaction(ctx, tx))
		assert.Empty(t, collect(t, idx.GetContains(ctx, nil, p)))
		assert.Equal(t, ids(base, "c"), collect(t, idx.GetContains(ctx, nil, q)))
		assert.Equal(t, ids(base, "c"), collect(t, idx.GetContainsDeleted(ctx, nil, p)))

		parent, err = idx.GetContainedBy(ctx, nil, c)
		require.NoError(t, err)
		assert.Equal(t, q.FullID(), parent)
	})

	t.Run("ReAddRestoresDeletedChild", func(t *testing.T) {
		idx, _, base := setup(t)
		p := identifier.New(base)
		a := identifier.New(base + "/a")
		commitAdds(t, idx, p, a)

		tx := newTx()
		require.NoError(t, idx.RemoveContainedBy(ctx, tx, p, a))
		require.NoError(t, idx.CommitTransaction(ctx, tx))

		tx = newTx()
		require.NoError(t, idx.AddContainedBy(ctx, tx, p, a))
		assert.Equal(t, ids(base, "a"), collect(t, idx.GetContains(ctx, tx, p)))
		assert.Empty(t, collect(t, idx.GetContainsDeleted(ctx, tx, p)))
		require.NoError(t, idx.CommitTransaction(ctx, tx))

		assert.Equal(t, ids(base, "a"), collect(t, idx.GetContains(ctx, nil, p)))
		assert.Empty(t, collect(t, idx.GetContainsDeleted(ctx, nil, p)))
	})

	t.Run("PurgeErasesHistory", func(t *testing.T) {
		idx, clock, base := setup(t)
		p := identifier.New(base)
		a := identifier.New(base + "/a")
		commitAdds(t, idx, p, a)
		created := clock.Now()
		clock.Advance(5 * time.Second)

		tx := newTx()
		require.NoError(t, idx.RemoveResource(ctx, tx, a))
		require.NoError(t, idx.CommitTransaction(ctx, tx))

		tx = newTx()
		require.NoError(t, idx.PurgeResource(ctx, tx, a))
		assert.Empty(t, collect(t, idx.GetContainsDeleted(ctx, tx, p)))
		exists, err := idx.ResourceExists(ctx, tx, a, true)
		require.NoError(t, err)
		assert.False(t, exists)
		assert.Equal(t, ids(base, "a"), collect(t, idx.GetContainsDeleted(ctx, nil, p)))

		require.NoError(t, idx.CommitTransaction(ctx, tx))
		assert.Empty(t, collect(t, idx.GetContainsDeleted(ctx, nil, p)))
		assert.Empty(t, collect(t, idx.GetContains(ctx, nil, p.AsMemento(created))))

		parent, err := idx.GetContainedBy(ctx, nil, a)
		require.NoError(t, err)
		assert.Empty(t, parent)
	})

	t.Run("RollbackDiscardsOverlay", func(t *testing.T) {
		idx, _, base := setup(t)
		p := identifier.New(base)
		tx := newTx()
		require.NoError(t, idx.AddContainedBy(ctx, tx, p, identifier.New(base+"/a")))
		require.NoError(t, idx.RollbackTransaction(ctx, tx))

		assert.Empty(t, collect(t, idx.GetContains(ctx, tx, p)))
		require.NoError(t, idx.CommitTransaction(ctx, tx))
		assert.Empty(t, collect(t, idx.GetContains(ctx, nil, p)))
	})

	t.Run("ClearAllTransactions", func(t *testing.T) {
		idx, _, base := setup(t)
		p := identifier.New(base)
		tx1, tx2 := newTx(), newTx()
		require.NoError(t, idx.AddContainedBy(ctx, tx1, p, identifier.New(base+"/a")))
		require.NoError(t, idx.AddContainedBy(ctx, tx2, p, identifier.New(base+"/b")))

		require.NoError(t, idx.ClearAllTransactions(ctx))
		assert.Empty(t, collect(t, idx.GetContains(ctx, tx1, p)))
		assert.Empty(t, collect(t, idx.GetContains(ctx, tx2, p)))
	})

	t.Run("MementoListsChildrenAtInstant", func(t *testing.T) {
		idx, clock, base := setup(t)
		p := identifier.New(base)
		a, b := identifier.New(base+"/a"), identifier.New(base+"/b")

		t0 := clock.Now()
		commitAdds(t, idx, p, a)
		t1 := clock.Advance(10 * time.Second)
		commitAdds(t, idx, p, b)
		t2 := clock.Advance(10 * time.Second)
		tx := newTx()
		require.NoError(t, idx.RemoveContainedBy(ctx, tx, p, a))
		require.NoError(t, idx.CommitTransaction(ctx, tx))

		assert.Empty(t, collect(t, idx.GetContains(ctx, nil, p.AsMemento(t0.Add(-time.Second)))))
		assert.Equal(t, ids(base, "a"), collect(t, idx.GetContains(ctx, nil, p.AsMemento(t0))))
		assert.Equal(t, ids(base, "a", "b"), collect(t, idx.GetContains(ctx, nil, p.AsMemento(t1))))
		assert.Equal(t, ids(base, "a", "b"), collect(t, idx.GetContains(ctx, nil, p.AsMemento(t2.Add(-time.Second)))))
		assert.Equal(t, ids(base, "b"), collect(t, idx.GetContains(ctx, nil, p.AsMemento(t2))))
	})

	t.Run("HistoricalEdgeWithExplicitTimes", func(t *testing.T) {
		idx, clock, base := setup(t)
		p := identifier.New(base)
		a := identifier.New(base + "/a")
		start := clock.Now().Add(-time.Hour)
		end := clock.Now().Add(-30 * time.Minute)

		tx := newTx()
		require.NoError(t, idx.AddContainedByAt(ctx, tx, p, a, start, end))
		require.NoError(t, idx.CommitTransaction(ctx, tx))

		assert.Empty(t, collect(t, idx.GetContains(ctx, nil, p)))
		assert.Equal(t, ids(base, "a"), collect(t, idx.GetContains(ctx, nil, p.AsMemento(start))))
		assert.Empty(t, collect(t, idx.GetContains(ctx, nil, p.AsMemento(end))))
	})

	t.Run("ContainmentLastUpdated", func(t *testing.T) {
		idx, clock, base := setup(t)
		p := identifier.New(base)

		updated, err := idx.ContainmentLastUpdated(ctx, nil, p)
		require.NoError(t, err)
		assert.True(t, updated.IsZero())

		t0 := clock.Now()
		commitAdds(t, idx, p, identifier.New(base+"/a"))
		updated, err = idx.ContainmentLastUpdated(ctx, nil, p)
		require.NoError(t, err)
		assert.True(t, updated.Equal(t0), "got %v want %v", updated, t0)

		t1 := clock.Advance(time.Minute)
		tx := newTx()
		require.NoError(t, idx.AddContainedBy(ctx, tx, p, identifier.New(base+"/b")))
		updated, err = idx.ContainmentLastUpdated(ctx, tx, p)
		require.NoError(t, err)
		assert.True(t, updated.Equal(t1), "staged change is visible to its transaction")
		updated, err = idx.ContainmentLastUpdated(ctx, nil, p)
		require.NoError(t, err)
		assert.True(t, updated.Equal(t0))
	})

	t.Run("HasResourcesStartingWith", func(t *testing.T) {
		idx, _, base := setup(t)
		root := identifier.New(base)
		commitAdds(t, idx, root, identifier.New(base+"/a"))
		commitAdds(t, idx, identifier.New(base+"/a"), identifier.New(base+"/a/b"))

		found, err := idx.HasResourcesStartingWith(ctx, nil, root)
		require.NoError(t, err)
		assert.True(t, found)
		found, err = idx.HasResourcesStartingWith(ctx, nil, identifier.New(base+"/a"))
		require.NoError(t, err)
		assert.True(t, found)
		found, err = idx.HasResourcesStartingWith(ctx, nil, identifier.New(base+"/a/b"))
		require.NoError(t, err)
		assert.False(t, found)
		found, err = idx.HasResourcesStartingWith(ctx, nil, identifier.New(base[:len(base)-1]+"_"))
		require.NoError(t, err)
		assert.False(t, found, "LIKE metacharacters are matched literally")

		tx := newTx()
		require.NoError(t, idx.AddContainedBy(ctx, tx, identifier.New(base+"/a/b"), identifier.New(base+"/a/b/c")))
		found, err = idx.HasResourcesStartingWith(ctx, tx, identifier.New(base+"/a/b"))
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("GetContainerIDByPath", func(t *testing.T) {
		idx, _, base := setup(t)
		a := identifier.New(base + "/a")
		commitAdds(t, idx, identifier.Root(), a)

		got, err := idx.GetContainerIDByPath(ctx, nil, identifier.New(base+"/a/b/c"), false)
		require.NoError(t, err)
		assert.Equal(t, a, got)

		got, err = idx.GetContainerIDByPath(ctx, nil, a, false)
		require.NoError(t, err)
		assert.True(t, got.IsRepositoryRoot())

		got, err = idx.GetContainerIDByPath(ctx, nil, identifier.New("elsewhere-"+base+"/x"), false)
		require.NoError(t, err)
		assert.True(t, got.IsRepositoryRoot())

		tx := newTx()
		require.NoError(t, idx.RemoveResource(ctx, tx, a))
		require.NoError(t, idx.CommitTransaction(ctx, tx))
		got, err = idx.GetContainerIDByPath(ctx, nil, identifier.New(base+"/a/b/c"), false)
		require.NoError(t, err)
		assert.True(t, got.IsRepositoryRoot())
		got, err = idx.GetContainerIDByPath(ctx, nil, identifier.New(base+"/a/b/c"), true)
		require.NoError(t, err)
		assert.Equal(t, a, got)
	})

	t.Run("ResourceExists", func(t *testing.T) {
		idx, _, base := setup(t)
		exists, err := idx.ResourceExists(ctx, nil, identifier.Root(), false)
		require.NoError(t, err)
		assert.True(t, exists)

		a := identifier.New(base + "/a")
		exists, err = idx.ResourceExists(ctx, nil, a, true)
		require.NoError(t, err)
		assert.False(t, exists)

		tx := newTx()
		require.NoError(t, idx.AddContainedBy(ctx, tx, identifier.New(base), a))
		exists, err = idx.ResourceExists(ctx, tx, a, false)
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = idx.ResourceExists(ctx, nil, a, false)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("PagesAcrossStagedAndCommittedChildren", func(t *testing.T) {
		idx, _, base := setup(t)
		idx.SetContainsLimit(2)
		p := identifier.New(base)
		commitAdds(t, idx, p, identifier.New(base+"/c1"), identifier.New(base+"/c2"), identifier.New(base+"/c3"))

		tx := newTx()
		require.NoError(t, idx.AddContainedBy(ctx, tx, p, identifier.New(base+"/c4")))
		require.NoError(t, idx.AddContainedBy(ctx, tx, p, identifier.New(base+"/c5")))
		require.NoError(t, idx.RemoveContainedBy(ctx, tx, p, identifier.New(base+"/c2")))

		assert.Equal(t, ids(base, "c1", "c3", "c4", "c5"), collect(t, idx.GetContains(ctx, tx, p)))
		assert.Equal(t, ids(base, "c1", "c2", "c3"), collect(t, idx.GetContains(ctx, nil, p)))
	})

	t.Run("Reset", func(t *testing.T) {
		idx, _, base := setup(t)
		p := identifier.New(base)
		commitAdds(t, idx, p, identifier.New(base+"/a"))
		tx := newTx()
		require.NoError(t, idx.AddContainedBy(ctx, tx, p, identifier.New(base+"/b")))

		require.NoError(t, idx.Reset(ctx))
		assert.Empty(t, collect(t, idx.GetContains(ctx, nil, p)))
		assert.Empty(t, collect(t, idx.GetContains(ctx, tx, p)))
	})
}
