package mapping

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/hyperjump/paperscope/internal/models"
)

func openTestTable(t *testing.T, path string) *Table {
	t.Helper()
	tbl, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func TestTable_BindConflictKeepsOriginal(t *testing.T) {
	tbl := openTestTable(t, "")

	require.NoError(t, tbl.Bind(5, "p1"))
	err := tbl.Bind(5, "p2")
	require.ErrorIs(t, err, models.ErrConflict)

	id, err := tbl.Resolve(5)
	require.NoError(t, err)
	assert.Equal(t, "p1", id)
	_, err = tbl.Lookup("p2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTable_BindIdentifierTwice(t *testing.T) {
	tbl := openTestTable(t, "")
	require.NoError(t, tbl.Bind(1, "p1"))
	require.NoError(t, tbl.Bind(1, "p1"), "rebinding the same pair is a no-op")
	assert.ErrorIs(t, tbl.Bind(2, "p1"), models.ErrConflict)
	assert.ErrorIs(t, tbl.Bind(3, ""), models.ErrEmptyIdentifier)
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_ResolveUnbind(t *testing.T) {
	tbl := openTestTable(t, "")
	require.NoError(t, tbl.Bind(7, "a"))
	require.NoError(t, tbl.Bind(8, "b"))

	row, err := tbl.Lookup("b")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), row)

	require.NoError(t, tbl.Unbind(7))
	_, err = tbl.Resolve(7)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, tbl.Unbind(7), models.ErrNotFound)

	// identifier is free again after unbinding
	require.NoError(t, tbl.Bind(9, "a"))
	assert.Equal(t, map[uint64]string{8: "b", 9: "a"}, tbl.ResolveMany([]uint64{7, 8, 9}))
	assert.Equal(t, []Pair{{Row: 8, ID: "b"}, {Row: 9, ID: "a"}}, tbl.Pairs())
}

func TestTable_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "mapping.db")

	tbl, err := Open(path)
	require.NoError(t, err)
	assert.True(t, tbl.NeedsRebuild(), "fresh file has nothing to trust")
	require.NoError(t, tbl.Bind(0, "p1#intro"))
	require.NoError(t, tbl.Bind(1, "p1#method"))
	require.NoError(t, tbl.Unbind(0))
	require.NoError(t, tbl.SetGeneration("gen-1"))
	require.NoError(t, tbl.Close())

	reopened := openTestTable(t, path)
	assert.False(t, reopened.NeedsRebuild())
	assert.Equal(t, "gen-1", reopened.Generation())
	assert.Equal(t, []Pair{{Row: 1, ID: "p1#method"}}, reopened.Pairs())
}

func TestTable_Rebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.db")
	tbl := openTestTable(t, path)
	require.NoError(t, tbl.Bind(1, "stale"))

	err := tbl.Rebuild([]Pair{{Row: 2, ID: "x"}, {Row: 3, ID: "x"}}, "g")
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, 1, tbl.Len(), "failed rebuild leaves table unchanged")

	require.NoError(t, tbl.Rebuild([]Pair{{Row: 2, ID: "x"}, {Row: 4, ID: "y"}}, "gen-2"))
	assert.False(t, tbl.NeedsRebuild())
	assert.Equal(t, "gen-2", tbl.Generation())
	_, err = tbl.Resolve(1)
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, tbl.Close())

	reopened := openTestTable(t, path)
	assert.Equal(t, []Pair{{Row: 2, ID: "x"}, {Row: 4, ID: "y"}}, reopened.Pairs())
}

func TestTable_CorruptFileMovedAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 8192), 0600))

	tbl := openTestTable(t, path)
	assert.True(t, tbl.NeedsRebuild())
	assert.Zero(t, tbl.Len())
	_, err := os.Stat(path + ".corrupt")
	assert.NoError(t, err)
	require.NoError(t, tbl.Bind(1, "fresh"))
}

func TestTable_DuplicateIdentifierOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.db")
	db, err := openBolt(path)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRows)
		if err := b.Put(rowKey(1), []byte("dup")); err != nil {
			return err
		}
		return b.Put(rowKey(2), []byte("dup"))
	}))
	require.NoError(t, db.Close())

	tbl := openTestTable(t, path)
	assert.True(t, tbl.NeedsRebuild())
	assert.Zero(t, tbl.Len())
}
