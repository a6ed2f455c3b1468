package quicserver

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mulgadc/shufflefetch/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestFile(t *testing.T) (*partition.File, []partition.ChunkMeta) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "0-0")
	w, err := partition.Create(path, 16)
	require.NoError(t, err)
	_, err = w.Write(0, bytes.NewReader(make([]byte, 40)), 40)
	require.NoError(t, err)
	index, err := w.Commit()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := partition.Open(path)
	require.NoError(t, err)
	return f, index
}

func TestStreamRegistry_IDsAreUnique(t *testing.T) {
	r := newStreamRegistry(nil)

	seen := make(map[int64]bool)
	for range 5 {
		f, index := openTestFile(t)
		s := r.register("sk", "0-0", f, index)
		assert.False(t, seen[s.id])
		seen[s.id] = true
	}
	assert.Equal(t, 5, r.len())

	r.closeAll()
	assert.Equal(t, 0, r.len())
}

func TestStreamRegistry_RemovedWhenFullyServed(t *testing.T) {
	closed := 0
	r := newStreamRegistry(func() { closed++ })

	f, index := openTestFile(t)
	require.Len(t, index, 3)
	s := r.register("sk", "0-0", f, index)

	for i := range index {
		got, meta, release, err := r.acquire(s.id, i)
		require.NoError(t, err)
		assert.Equal(t, index[i], meta)
		release()

		// Serving the same chunk twice counts once.
		r.markServed(got, i)
		if i == 0 {
			r.markServed(got, i)
			assert.Equal(t, 1, r.snapshot()[0].Served)
		}
	}

	assert.Equal(t, 0, r.len())
	assert.Equal(t, 1, closed)

	_, _, _, err := r.acquire(s.id, 0)
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestStreamRegistry_AcquireBounds(t *testing.T) {
	r := newStreamRegistry(nil)
	f, index := openTestFile(t)
	s := r.register("sk", "0-0", f, index)
	defer r.closeAll()

	_, _, _, err := r.acquire(s.id, -1)
	assert.ErrorIs(t, err, ErrChunkIndex)
	_, _, _, err = r.acquire(s.id, len(index))
	assert.ErrorIs(t, err, ErrChunkIndex)
	_, _, _, err = r.acquire(s.id+1, 0)
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestStreamRegistry_Expire(t *testing.T) {
	r := newStreamRegistry(nil)

	f1, index1 := openTestFile(t)
	stale := r.register("sk", "0-0", f1, index1)
	f2, index2 := openTestFile(t)
	fresh := r.register("sk", "1-0", f2, index2)

	stale.mu.Lock()
	stale.lastUsed = time.Now().Add(-time.Hour)
	stale.mu.Unlock()

	assert.Equal(t, 1, r.expire(time.Minute))

	infos := r.snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, fresh.id, infos[0].ID)

	r.closeAll()
}

func TestStreamRegistry_ExpireSkipsPinned(t *testing.T) {
	r := newStreamRegistry(nil)

	f, index := openTestFile(t)
	s := r.register("sk", "0-0", f, index)

	pinned, meta, release, err := r.acquire(s.id, 0)
	require.NoError(t, err)

	s.mu.Lock()
	s.lastUsed = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	assert.Equal(t, 0, r.expire(time.Minute))

	// Removal while a read is in progress defers closing the file.
	require.True(t, r.remove(s.id))
	buf := make([]byte, meta.Length)
	_, err = pinned.file.ReadChunk(meta, buf)
	assert.NoError(t, err)
	release()
}
