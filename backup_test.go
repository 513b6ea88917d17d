package aeternus

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupRestoreRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	db := openTestDB(t, srcDir, testConfig())

	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("key_%02d", i)), []byte(fmt.Sprintf("val_%02d", i))))
	}
	require.NoError(t, db.Delete([]byte("key_00")))

	setDir, err := db.Backup(filepath.Join(t.TempDir(), "backups"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(setDir, backupMetadataName))
	require.NoError(t, db.Close())

	restoreDir := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, Restore(setDir, restoreDir))

	db2 := openTestDB(t, restoreDir, testConfig())
	defer db2.Close()

	_, found, err := db2.Get([]byte("key_00"))
	require.NoError(t, err)
	assert.False(t, found)
	for i := 1; i < 50; i++ {
		v, found, err := db2.Get([]byte(fmt.Sprintf("key_%02d", i)))
		require.NoError(t, err)
		require.True(t, found, "missing key_%02d after restore", i)
		assert.Equal(t, fmt.Sprintf("val_%02d", i), string(v))
	}
}

func TestBackupSourceKeepsWorking(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testConfig())
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	_, err := db.Backup(t.TempDir())
	require.NoError(t, err)

	// The source store stays fully usable after a backup.
	require.NoError(t, db.Put([]byte("k2"), []byte("v2")))
	v, found, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestRestoreRejectsNonEmptyTarget(t *testing.T) {
	srcDir := t.TempDir()
	db := openTestDB(t, srcDir, testConfig())
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	setDir, err := db.Backup(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// The target already holds a store.
	err = Restore(setDir, srcDir)
	assert.ErrorIs(t, err, ErrInternal)
}

func TestBackupOnClosedDatabase(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testConfig())
	require.NoError(t, db.Close())
	_, err := db.Backup(t.TempDir())
	assert.ErrorIs(t, err, ErrClosed)
}
