package typecache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
)

func TestSessionCacheMergesOnCommit(t *testing.T) {
	c := New()
	id := identifier.New("a")

	c.Cache("tx-1", id, []string{"ldp:Container"})

	types, ok := c.Types("tx-1", id)
	require.True(t, ok)
	assert.Equal(t, []string{"ldp:Container"}, types)

	_, ok = c.Types("", id)
	assert.False(t, ok, "session entry must not be visible in the shared cache")
	_, ok = c.Types("tx-2", id)
	assert.False(t, ok, "session entry must not be visible to other transactions")

	c.MergeSessionCache("tx-1")
	assert.Equal(t, 0, c.Sessions())
	assert.Equal(t, 1, c.Len())

	types, ok = c.Types("tx-2", id)
	require.True(t, ok)
	assert.Equal(t, []string{"ldp:Container"}, types)
}

func TestDropSessionCache(t *testing.T) {
	c := New()
	id := identifier.New("a")
	c.Cache("", id, []string{"old"})
	c.Cache("tx", id, []string{"new"})

	c.DropSessionCache("tx")

	types, ok := c.Types("tx", id)
	require.True(t, ok)
	assert.Equal(t, []string{"old"}, types)
	assert.Equal(t, 0, c.Sessions())
}

func TestDescriptionSharesResourceEntry(t *testing.T) {
	c := New()
	id := identifier.New("a/b")
	c.Cache("", id.AsDescription(), []string{"ldp:NonRDFSource"})

	types, ok := c.Types("", id)
	require.True(t, ok)
	assert.Equal(t, []string{"ldp:NonRDFSource"}, types)
}

func TestReturnedSlicesAreCopies(t *testing.T) {
	c := New()
	id := identifier.New("a")
	in := []string{"x"}
	c.Cache("", id, in)
	in[0] = "mutated"

	out, _ := c.Types("", id)
	out[0] = "also mutated"

	again, _ := c.Types("", id)
	assert.Equal(t, []string{"x"}, again)
}

func TestEvict(t *testing.T) {
	c := New()
	id := identifier.New("a")
	c.Cache("", id, []string{"x"})
	c.Evict(id)
	_, ok := c.Types("", id)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentMerges(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := string(rune('a' + i))
			c.Cache(tx, identifier.New(tx), []string{tx})
			_, _ = c.Types("", identifier.New(tx))
			c.MergeSessionCache(tx)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, c.Len())
}

func TestMergeLargeSessionIntoSharedCache(t *testing.T) {
	c := New()
	for i := range 100 {
		c.Cache("tx-1", identifier.New(fmt.Sprintf("c/%d", i)), []string{fmt.Sprintf("t%d", i)})
	}
	c.MergeSessionCache("tx-1")
	require.Equal(t, 100, c.Len())

	for i := range 100 {
		types, ok := c.Types("", identifier.New(fmt.Sprintf("c/%d", i)))
		require.True(t, ok, "resource c/%d missing after merge", i)
		assert.Equal(t, []string{fmt.Sprintf("t%d", i)}, types)
	}

	c.Evict(identifier.New("c/42"))
	_, ok := c.Types("", identifier.New("c/42"))
	assert.False(t, ok)
	assert.Equal(t, 99, c.Len())
}
