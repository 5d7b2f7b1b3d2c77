package idempotency

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter() func() (string, error) {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("task-%d", n), nil
	}
}

func alwaysExists(string) bool { return true }
func neverExists(string) bool  { return false }

func TestBindNewID(t *testing.T) {
	ix, err := Open(filepath.Join(t.TempDir(), "index.json"))
	require.NoError(t, err)

	id, reused, err := ix.Bind("msg-1", alwaysExists, counter())
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	assert.False(t, reused)

	rec, ok := ix.Lookup("msg-1")
	require.True(t, ok)
	assert.Equal(t, StatusBound, rec.Status)
	assert.Equal(t, 1, ix.Len())
}

func TestBindRepeatedIDReusesTask(t *testing.T) {
	ix, err := Open(filepath.Join(t.TempDir(), "index.json"))
	require.NoError(t, err)

	mint := counter()
	first, _, err := ix.Bind("msg-1", alwaysExists, mint)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		id, reused, err := ix.Bind("msg-1", alwaysExists, mint)
		require.NoError(t, err)
		assert.Equal(t, first, id)
		assert.True(t, reused)
	}

	rec, _ := ix.Lookup("msg-1")
	assert.Equal(t, StatusRepeated, rec.Status)
	assert.Equal(t, 1, ix.Len())
}

func TestBindRemintsWhenTaskRecordLost(t *testing.T) {
	ix, err := Open(filepath.Join(t.TempDir(), "index.json"))
	require.NoError(t, err)

	mint := counter()
	first, _, err := ix.Bind("msg-1", alwaysExists, mint)
	require.NoError(t, err)

	firstSeen, _ := ix.Lookup("msg-1")

	id, reused, err := ix.Bind("msg-1", neverExists, mint)
	require.NoError(t, err)
	assert.NotEqual(t, first, id)
	assert.False(t, reused)

	rec, _ := ix.Lookup("msg-1")
	assert.Equal(t, StatusRebound, rec.Status)
	assert.Equal(t, firstSeen.FirstSeenAt, rec.FirstSeenAt, "first_seen_at survives rebinding")
}

func TestIndexSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")

	ix, err := Open(path)
	require.NoError(t, err)
	first, _, err := ix.Bind("msg-1", alwaysExists, counter())
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	id, reused, err := reopened.Bind("msg-1", alwaysExists, counter())
	require.NoError(t, err)
	assert.Equal(t, first, id)
	assert.True(t, reused)
}
