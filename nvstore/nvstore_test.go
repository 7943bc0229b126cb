package nvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	return New(filepath.Join(t.TempDir(), "state.db"))
}

func TestReadOnlyOpenFailsWithoutFile(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Open("bat", true)
	assert.Error(t, err)
}

func TestWriteThenRead(t *testing.T) {
	store := newTestStore(t)

	bucket, err := store.Open("bat", false)
	require.NoError(t, err)
	require.NoError(t, bucket.Write("state", []byte{1, 2, 3, 4}))
	require.NoError(t, bucket.Close())

	bucket, err = store.Open("bat", true)
	require.NoError(t, err)
	defer bucket.Close()
	data, err := bucket.Read("state")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestReadMissingKey(t *testing.T) {
	store := newTestStore(t)

	bucket, err := store.Open("bat", false)
	require.NoError(t, err)
	require.NoError(t, bucket.Write("state", []byte{1}))
	require.NoError(t, bucket.Close())

	bucket, err = store.Open("bat", true)
	require.NoError(t, err)
	defer bucket.Close()

	_, err = bucket.Read("other")
	assert.Error(t, err)
}

func TestNamespacesAreIsolated(t *testing.T) {
	store := newTestStore(t)

	bucket, err := store.Open("bat", false)
	require.NoError(t, err)
	require.NoError(t, bucket.Write("state", []byte{0xAA}))
	require.NoError(t, bucket.Close())

	bucket, err = store.Open("other", false)
	require.NoError(t, err)
	defer bucket.Close()
	_, err = bucket.Read("state")
	assert.Error(t, err)
}

func TestEraseAll(t *testing.T) {
	store := newTestStore(t)

	bucket, err := store.Open("bat", false)
	require.NoError(t, err)
	require.NoError(t, bucket.Write("state", []byte{0xAA}))
	require.NoError(t, bucket.EraseAll())
	_, err = bucket.Read("state")
	assert.Error(t, err)
	require.NoError(t, bucket.Close())

	// Erasing an already-empty namespace is fine.
	bucket, err = store.Open("bat", false)
	require.NoError(t, err)
	defer bucket.Close()
	assert.NoError(t, bucket.EraseAll())
}

func TestOverwrite(t *testing.T) {
	store := newTestStore(t)

	bucket, err := store.Open("bat", false)
	require.NoError(t, err)
	defer bucket.Close()

	require.NoError(t, bucket.Write("state", []byte{1}))
	require.NoError(t, bucket.Write("state", []byte{2}))
	data, err := bucket.Read("state")
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, data)
}
