package aeternus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// BackupMetadata describes one backup set.
type BackupMetadata struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	LastLSN   uint64    `json:"last_lsn"`
	Sstables  []uint64  `json:"sstables"`
}

const backupMetadataName = "BACKUP.json"

// Backup checkpoints the catalog and copies the resulting snapshot plus
// every live sorted table into destDir/<uuid>, each file as a gzip stream.
// WAL segments are not copied: after the checkpoint and the flush below,
// the snapshot and the tables carry the full committed state.
//
// Returns the backup set directory.
func (db *DB) Backup(destDir string) (string, error) {
	if db.closed.Load() {
		return "", ErrClosed
	}

	// Everything still sitting in memtables would otherwise be lost: their
	// WAL segments stay behind. Freeze the active buffer and flush it all.
	db.mu.Lock()
	var freezeErr error
	if !db.active.Empty() {
		freezeErr = db.freezeActiveLocked()
	}
	db.mu.Unlock()
	if freezeErr != nil {
		return "", freezeErr
	}
	if err := db.flushAllFrozen(); err != nil {
		return "", err
	}
	if err := db.manifest.Checkpoint(); err != nil {
		return "", err
	}

	// Compactions swap files out from under a slow copy; hold them off.
	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	db.mu.RLock()
	tables := make([]*SSTable, len(db.sstables))
	copy(tables, db.sstables)
	for _, t := range tables {
		t.Retain()
	}
	db.mu.RUnlock()
	snapshotID := db.manifest.SnapshotID()
	lastLSN := db.manifest.LastLSN()
	defer func() {
		for _, t := range tables {
			t.Release()
		}
	}()

	meta := BackupMetadata{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		LastLSN:   lastLSN,
	}
	setDir := filepath.Join(destDir, meta.ID)
	if err := os.MkdirAll(setDir, 0755); err != nil {
		return "", err
	}

	snapName := manifestSnapshotName(snapshotID)
	if err := copyGzip(filepath.Join(db.dataDir, snapName), filepath.Join(setDir, snapName+".gz")); err != nil {
		os.RemoveAll(setDir)
		return "", err
	}
	for _, t := range tables {
		name := sstableFileName(t.ID())
		if err := copyGzip(t.Path(), filepath.Join(setDir, name+".gz")); err != nil {
			os.RemoveAll(setDir)
			return "", err
		}
		meta.Sstables = append(meta.Sstables, t.ID())
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		os.RemoveAll(setDir)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(setDir, backupMetadataName), metaBytes, 0644); err != nil {
		os.RemoveAll(setDir)
		return "", err
	}
	return setDir, nil
}

// Restore unpacks a backup set into dataDir, which must not already hold a
// store. Opening dataDir afterwards recovers the backed-up state.
func Restore(setDir, dataDir string) error {
	metaBytes, err := os.ReadFile(filepath.Join(setDir, backupMetadataName))
	if err != nil {
		return err
	}
	var meta BackupMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("backup %s: %w: %v", setDir, ErrDecode, err)
	}

	if entries, err := os.ReadDir(dataDir); err == nil && len(entries) > 0 {
		return fmt.Errorf("restore target %s is not empty: %w", dataDir, ErrInternal)
	}
	for _, dir := range []string{dataDir, filepath.Join(dataDir, walDirName), filepath.Join(dataDir, sstableDirName)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(setDir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, ".gz") {
			continue
		}
		plain := strings.TrimSuffix(name, ".gz")
		var dest string
		switch {
		case strings.HasPrefix(plain, manifestPrefix):
			dest = filepath.Join(dataDir, plain)
		case strings.HasSuffix(plain, ".sst"):
			dest = filepath.Join(dataDir, sstableDirName, plain)
		default:
			continue
		}
		if err := copyGunzip(filepath.Join(setDir, name), dest); err != nil {
			return err
		}
	}
	return nil
}

func copyGzip(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyGunzip(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer zr.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
