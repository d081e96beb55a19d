package tqueue

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTQueue_PushOrderAndForget(t *testing.T) {
	q, err := Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	const queueID = int64(42)
	var ids []int32
	for i := 0; i < 5; i++ {
		id, err := q.Push(queueID, []byte(`{"x":1}`), 1<<40, 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	out := make([]Event, 10)
	total, got := q.Get(queueID, 0, 0, 0, out)
	assert.Equal(t, 5, total)
	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, ids[i], ev.ID)
	}

	q.Forget(queueID, ids[2])
	total, got = q.Get(queueID, 0, 0, 0, out)
	assert.Equal(t, 4, total)
	for _, ev := range got {
		assert.NotEqual(t, ids[2], ev.ID)
	}
}

func TestTQueue_ExpiryHidesEvents(t *testing.T) {
	q, err := Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	id, err := q.Push(1, []byte("{}"), 100, 0)
	require.NoError(t, err)

	out := make([]Event, 10)
	total, got := q.Get(1, 0, 0, 50, out)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	total, got = q.Get(1, 0, 0, 200, out)
	assert.Equal(t, 0, total)
	assert.Empty(t, got)
}

func TestTQueue_RunGCRemovesExpired(t *testing.T) {
	q, err := Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Push(1, []byte("{}"), 100, 0)
	require.NoError(t, err)
	_, err = q.Push(1, []byte("{}"), 1<<40, 0)
	require.NoError(t, err)

	deleted, _ := q.RunGC(200)
	assert.Equal(t, 1, deleted)

	out := make([]Event, 10)
	total, _ := q.Get(1, 0, 0, 200, out)
	assert.Equal(t, 1, total)
}

func TestTQueue_DurabilityAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tqueue.binlog")

	q, err := Open(path, testLogger())
	require.NoError(t, err)

	id1, err := q.Push(7, []byte(`{"a":1}`), 1<<40, 3)
	require.NoError(t, err)
	id2, err := q.Push(7, []byte(`{"a":2}`), 1<<40, 3)
	require.NoError(t, err)
	q.Forget(7, id1)
	require.NoError(t, q.Close())

	q2, err := Open(path, testLogger())
	require.NoError(t, err)
	defer q2.Close()

	out := make([]Event, 10)
	total, got := q2.Get(7, 0, 0, 0, out)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, id2, got[0].ID)
	assert.Equal(t, int64(3), got[0].Extra)
}

func TestTQueue_GetAdvancesStaleFromID(t *testing.T) {
	q, err := Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	for i := 0; i < 3; i++ {
		_, err := q.Push(1, []byte("{}"), 1<<40, 0)
		require.NoError(t, err)
	}
	head := q.Head(1)

	out := make([]Event, 10)
	total, got := q.Get(1, 0, 0, 0, out)
	assert.Equal(t, 3, total)
	assert.Equal(t, head, got[0].ID)
}

func TestMaskUpdateID(t *testing.T) {
	assert.Equal(t, int32(0), MaskUpdateID(0))
	assert.Equal(t, int32(1), MaskUpdateID(1))
	assert.True(t, MaskUpdateID(-1) >= 0)
}
