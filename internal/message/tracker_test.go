package message

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostTrackerRegisterAndLookup(t *testing.T) {
	tr := NewPostTracker()

	tr.Register("p1", PostMeta{Role: RoleContent})
	tr.Register("p2", PostMeta{Role: RoleQuestion, ToolUseID: "tu_1"})

	meta, ok := tr.Lookup("p1")
	require.True(t, ok)
	assert.Equal(t, RoleContent, meta.Role)

	meta, ok = tr.Lookup("p2")
	require.True(t, ok)
	assert.Equal(t, RoleQuestion, meta.Role)
	assert.Equal(t, "tu_1", meta.ToolUseID)

	_, ok = tr.Lookup("missing")
	assert.False(t, ok)
}

func TestPostTrackerLastWriterWins(t *testing.T) {
	tr := NewPostTracker()

	tr.Register("p1", PostMeta{Role: RoleTaskList})
	tr.Register("p1", PostMeta{Role: RoleContent})

	meta, ok := tr.Lookup("p1")
	require.True(t, ok)
	assert.Equal(t, RoleContent, meta.Role, "re-registration should overwrite the role")
	assert.Equal(t, 1, tr.Len())
}

func TestPostTrackerIgnoresEmptyID(t *testing.T) {
	tr := NewPostTracker()
	tr.Register("", PostMeta{Role: RoleSystem})
	assert.Equal(t, 0, tr.Len())
}

func TestPostTrackerUnregisterAndClear(t *testing.T) {
	tr := NewPostTracker()
	tr.Register("p1", PostMeta{Role: RoleContent})
	tr.Register("p2", PostMeta{Role: RoleSystem})

	tr.Unregister("p1")
	_, ok := tr.Lookup("p1")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())

	tr.Clear()
	assert.Equal(t, 0, tr.Len())
}

func TestPostTrackerConcurrentAccess(t *testing.T) {
	tr := NewPostTracker()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("p%d-%d", n, j)
				tr.Register(id, PostMeta{Role: RoleContent})
				tr.Lookup(id)
				tr.Unregister(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, tr.Len())
}
