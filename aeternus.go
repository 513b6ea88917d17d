// Package aeternus is an embedded ordered key-value store built on a
// log-structured merge-tree: a per-memtable WAL, an ordered in-memory
// buffer, immutable mmap'd sorted tables, a durable catalog, and
// size-tiered compaction.
package aeternus

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	walDirName     = "wal"
	sstableDirName = "sstables"
)

// DB is the storage engine handle. One read-write lock guards the mutable
// inner state. Scans hold it only long enough to take references to the
// active memtable, the frozen queue, and the sorted tables; Get holds the
// read lock for its whole lookup, sorted-table reads included.
type DB struct {
	mu       sync.RWMutex
	active   *Memtable
	frozen   []*FrozenMemtable // oldest first
	sstables []*SSTable        // ordered by id ascending

	manifest *Manifest
	dataDir  string
	config   DbConfig

	nextLSN atomic.Uint64
	closed  atomic.Bool

	workers *errgroup.Group

	// flushMu keeps flushes in queue order: a newer frozen memtable must
	// never land in a lower table id, or reads would prefer stale data.
	flushMu   sync.Mutex
	compactMu sync.Mutex // serializes compaction rounds

	cache *blockCache

	minor     CompactionStrategy
	tombstone CompactionStrategy
	major     CompactionStrategy
}

// Open validates config, recovers state from the data directory, and starts
// the background workers.
func Open(path string, config DbConfig) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{path, filepath.Join(path, walDirName), filepath.Join(path, sstableDirName)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	manifest, err := OpenManifest(path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		manifest:  manifest,
		dataDir:   path,
		config:    config,
		minor:     config.CompactionStrategy.Minor(),
		tombstone: config.CompactionStrategy.Tombstone(),
		major:     config.CompactionStrategy.Major(),
	}
	db.workers = &errgroup.Group{}
	db.workers.SetLimit(config.ThreadPoolSize)

	if err := db.recover(); err != nil {
		manifest.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) walPath(seq uint64) string {
	return filepath.Join(db.dataDir, walDirName, walSegmentName(seq))
}

// recover rebuilds in-memory state from the catalog and the directory,
// removing anything the catalog does not claim.
func (db *DB) recover() error {
	activeSeq := db.manifest.ActiveWal()
	frozenSeqs := db.manifest.FrozenWals()

	// Orphan WAL segments are deleted: the catalog is authoritative.
	claimed := map[uint64]bool{activeSeq: true}
	for _, s := range frozenSeqs {
		claimed[s] = true
	}
	walEntries, err := os.ReadDir(filepath.Join(db.dataDir, walDirName))
	if err != nil {
		return err
	}
	for _, ent := range walEntries {
		seq, ok := parseWalSegmentName(ent.Name())
		if !ok {
			continue
		}
		if !claimed[seq] {
			log.Printf("aeternus: removing orphan wal segment %s", ent.Name())
			os.Remove(filepath.Join(db.dataDir, walDirName, ent.Name()))
		}
	}

	// Frozen memtables, oldest first.
	globalMax := db.manifest.LastLSN()
	for _, seq := range frozenSeqs {
		wal, err := OpenRecordLog(db.walPath(seq), db.config.MaxRecordSize)
		if err != nil {
			return fmt.Errorf("recovering frozen wal %d: %w", seq, err)
		}
		mt, err := NewMemtable(wal, db.config.WriteBufferSize)
		if err != nil {
			wal.Close()
			return fmt.Errorf("recovering frozen wal %d: %w", seq, err)
		}
		globalMax = max(globalMax, mt.MaxLSN())
		db.frozen = append(db.frozen, mt.Freeze())
	}

	// Active memtable.
	activeWal, err := OpenRecordLog(db.walPath(activeSeq), db.config.MaxRecordSize)
	if err != nil {
		return fmt.Errorf("recovering active wal %d: %w", activeSeq, err)
	}
	active, err := NewMemtable(activeWal, db.config.WriteBufferSize)
	if err != nil {
		activeWal.Close()
		return fmt.Errorf("recovering active wal %d: %w", activeSeq, err)
	}
	db.active = active
	globalMax = max(globalMax, active.MaxLSN())

	// Sorted tables from the catalog; unclaimed .sst files are orphans and
	// .tmp files are crash debris.
	entries := db.manifest.SSTables()
	live := make(map[string]bool, len(entries))
	for _, entry := range entries {
		table, err := OpenSSTable(sstablePath(db.dataDir, entry.ID))
		if err != nil {
			return fmt.Errorf("opening sstable %d: %w", entry.ID, err)
		}
		table.SetID(entry.ID)
		db.sstables = append(db.sstables, table)
		globalMax = max(globalMax, table.MaxLSN())
		live[sstableFileName(entry.ID)] = true
	}
	sstEntries, err := os.ReadDir(filepath.Join(db.dataDir, sstableDirName))
	if err != nil {
		return err
	}
	for _, ent := range sstEntries {
		name := ent.Name()
		switch {
		case strings.HasSuffix(name, ".tmp"):
			os.Remove(filepath.Join(db.dataDir, sstableDirName, name))
		case strings.HasSuffix(name, ".sst") && !live[name]:
			log.Printf("aeternus: removing orphan sstable %s", name)
			os.Remove(filepath.Join(db.dataDir, sstableDirName, name))
		}
	}

	// LSN continuity across reopen.
	db.nextLSN.Store(globalMax + 1)
	db.active.InjectMaxLSN(globalMax)
	return nil
}

// ------------------------------------------------------------------------
// Writes
// ------------------------------------------------------------------------

// Put stores key → value.
func (db *DB) Put(key, value []byte) error {
	return db.write(func(mt *Memtable, lsn, ts uint64) error {
		return mt.Put(key, value, lsn, ts)
	})
}

// Delete writes a point tombstone for key.
func (db *DB) Delete(key []byte) error {
	return db.write(func(mt *Memtable, lsn, ts uint64) error {
		return mt.Delete(key, lsn, ts)
	})
}

// DeleteRange writes a range tombstone over [start, end).
func (db *DB) DeleteRange(start, end []byte) error {
	return db.write(func(mt *Memtable, lsn, ts uint64) error {
		return mt.DeleteRange(start, end, lsn, ts)
	})
}

// write runs one mutation under the write lock: assign the LSN, apply to
// the active memtable, freeze-and-retry on a full buffer, then record the
// LSN in the catalog. Flushes for frozen memtables are scheduled after the
// lock is released.
func (db *DB) write(op func(mt *Memtable, lsn, ts uint64) error) error {
	if db.closed.Load() {
		return ErrClosed
	}

	db.mu.Lock()
	lsn := db.nextLSN.Load()
	ts := uint64(time.Now().UnixNano())

	flushes := 0
	err := op(db.active, lsn, ts)
	if errors.Is(err, ErrFlushRequired) {
		if err = db.freezeActiveLocked(); err == nil {
			flushes++
			err = op(db.active, lsn, ts)
			if errors.Is(err, ErrFlushRequired) {
				// A fresh memtable still cannot hold it: the record can
				// never fit the configured buffer.
				err = fmt.Errorf("record does not fit write buffer of %d bytes: %w",
					db.config.WriteBufferSize, ErrRecordTooLarge)
			}
		}
	}
	if err == nil {
		db.nextLSN.Store(lsn + 1)
		err = db.manifest.UpdateLSN(lsn)
	}
	db.mu.Unlock()

	for i := 0; i < flushes; i++ {
		db.scheduleFlush()
	}
	return err
}

// freezeActiveLocked rotates the WAL, records the roster change in the
// catalog, pushes the frozen memtable, and installs a fresh active one.
// Caller holds the write lock.
func (db *DB) freezeActiveLocked() error {
	oldWal := db.active.Wal()
	newWal, err := oldWal.RotateNext()
	if err != nil {
		return err
	}
	if err := db.manifest.AddFrozenWal(oldWal.Seq()); err != nil {
		newWal.Close()
		return err
	}
	if err := db.manifest.SetActiveWal(newWal.Seq()); err != nil {
		newWal.Close()
		return err
	}

	db.frozen = append(db.frozen, db.active.Freeze())

	fresh, err := NewMemtable(newWal, db.config.WriteBufferSize)
	if err != nil {
		return err
	}
	fresh.InjectMaxLSN(db.nextLSN.Load() - 1)
	db.active = fresh
	return nil
}

func (db *DB) scheduleFlush() {
	db.workers.Go(func() error {
		if err := db.flushOldest(); err != nil {
			log.Printf("aeternus: background flush failed (will retry on next trigger): %v", err)
		}
		return nil
	})
}

// ------------------------------------------------------------------------
// Reads
// ------------------------------------------------------------------------

// Get returns the most recent committed value for key, or (nil, false) when
// the key is absent or deleted.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	if db.closed.Load() {
		return nil, false, ErrClosed
	}
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	resolve := func(l Lookup) ([]byte, bool, bool) {
		switch l.Kind {
		case LookupPut:
			return append([]byte(nil), l.Value...), true, true
		case LookupDelete, LookupRangeDelete:
			return nil, false, true
		default:
			return nil, false, false
		}
	}

	if v, found, decided := resolve(db.active.Get(key)); decided {
		return v, found, nil
	}
	for i := len(db.frozen) - 1; i >= 0; i-- {
		if v, found, decided := resolve(db.frozen[i].Get(key)); decided {
			return v, found, nil
		}
	}
	for i := len(db.sstables) - 1; i >= 0; i-- {
		l, err := db.sstables[i].Get(key)
		if err != nil {
			return nil, false, err
		}
		if v, found, decided := resolve(l); decided {
			return v, found, nil
		}
	}
	return nil, false, nil
}

// Iterator streams the live (key, value) pairs of a scan. It owns counted
// references to every source captured at creation, so flushes and
// compactions running behind it do not change what it returns.
type Iterator struct {
	filter *visibilityFilter
	tables []*TableIterator
	key    []byte
	value  []byte
	closed bool
}

// Next advances to the next pair, returning false when the scan is done.
func (it *Iterator) Next() bool {
	if it.closed {
		return false
	}
	k, v, ok := it.filter.Next()
	if !ok {
		return false
	}
	it.key, it.value = k, v
	return true
}

// Key returns the current key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.value }

// Close releases the table references held by the scan. Idempotent.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	for _, t := range it.tables {
		t.Close()
	}
}

// Scan returns an iterator over the live pairs in [start, end). The
// snapshot is taken under the read lock; iteration runs lock-free.
func (db *DB) Scan(start, end []byte) (*Iterator, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	db.mu.RLock()
	sources := make([]recordIterator, 0, 1+len(db.frozen)+len(db.sstables))
	var tableIters []*TableIterator

	// Newest layers first so merge ties (none expected) stay stable.
	sources = append(sources, db.active.Scan(start, end))
	for i := len(db.frozen) - 1; i >= 0; i-- {
		sources = append(sources, db.frozen[i].Scan(start, end))
	}
	for i := len(db.sstables) - 1; i >= 0; i-- {
		ti := db.sstables[i].Scan(start, end)
		tableIters = append(tableIters, ti)
		sources = append(sources, ti)
	}
	db.mu.RUnlock()

	return &Iterator{
		filter: newVisibilityFilter(newMergeIterator(sources)),
		tables: tableIters,
	}, nil
}

// ------------------------------------------------------------------------
// Flush
// ------------------------------------------------------------------------

// flushOldest writes the oldest frozen memtable to a new sorted table,
// updates and checkpoints the catalog, then deletes the WAL segment.
func (db *DB) flushOldest() error {
	db.flushMu.Lock()
	defer db.flushMu.Unlock()

	db.mu.RLock()
	var fm *FrozenMemtable
	if len(db.frozen) > 0 {
		fm = db.frozen[0]
	}
	db.mu.RUnlock()
	if fm == nil {
		return nil
	}

	points, ranges := fm.FlushEntries()
	walSeq := fm.Wal().Seq()

	var table *SSTable
	if len(points) > 0 || len(ranges) > 0 {
		id, err := db.manifest.AllocateSstID()
		if err != nil {
			return err
		}
		path := sstablePath(db.dataDir, id)
		if err := BuildSSTable(path, points, ranges, uint64(time.Now().UnixNano())); err != nil {
			return err
		}
		if table, err = OpenSSTable(path); err != nil {
			return err
		}
		table.SetID(id)
		table.cache = db.cache
		if err := db.manifest.AddSstable(SstEntry{ID: id, Path: path}); err != nil {
			table.Release()
			return err
		}
	}
	if err := db.manifest.RemoveFrozenWal(walSeq); err != nil {
		if table != nil {
			table.Release()
		}
		return err
	}
	if err := db.manifest.Checkpoint(); err != nil {
		if table != nil {
			table.Release()
		}
		return err
	}

	db.mu.Lock()
	for i, fe := range db.frozen {
		if fe == fm {
			db.frozen = append(db.frozen[:i], db.frozen[i+1:]...)
			break
		}
	}
	if table != nil {
		db.insertTableLocked(table)
	}
	db.mu.Unlock()

	// The WAL is redundant once the checkpoint names the new table.
	if err := fm.Wal().Remove(); err != nil {
		log.Printf("aeternus: could not remove flushed wal %d: %v", walSeq, err)
	}
	return nil
}

func (db *DB) insertTableLocked(table *SSTable) {
	db.sstables = append(db.sstables, table)
	sort.Slice(db.sstables, func(i, j int) bool {
		return db.sstables[i].ID() < db.sstables[j].ID()
	})
}

// FlushAllFrozen synchronously flushes every frozen memtable.
func (db *DB) FlushAllFrozen() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.flushAllFrozen()
}

func (db *DB) flushAllFrozen() error {
	for {
		db.mu.RLock()
		remaining := len(db.frozen)
		db.mu.RUnlock()
		if remaining == 0 {
			return nil
		}
		if err := db.flushOldest(); err != nil {
			return err
		}
	}
}

// ------------------------------------------------------------------------
// Compaction
// ------------------------------------------------------------------------

// MinorCompact runs one size-tiered merge round if a bucket qualifies.
func (db *DB) MinorCompact() error {
	return db.runCompaction(db.minor)
}

// TombstoneCompact rewrites one tombstone-heavy table if one qualifies.
func (db *DB) TombstoneCompact() error {
	return db.runCompaction(db.tombstone)
}

// MajorCompact merges all sorted tables into one.
func (db *DB) MajorCompact() error {
	return db.runCompaction(db.major)
}

// runCompaction executes one strategy round against a snapshot of the table
// list, then applies the result to the active set. Rounds are serialized;
// reads and writes proceed while the merge streams.
func (db *DB) runCompaction(strategy CompactionStrategy) error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	db.mu.RLock()
	tables := make([]*SSTable, len(db.sstables))
	copy(tables, db.sstables)
	db.mu.RUnlock()

	result, err := strategy.Compact(tables, db.manifest, db.dataDir, &db.config)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	var added *SSTable
	if result.HasNew {
		added, err = OpenSSTable(result.NewSstPath)
		if err != nil {
			return fmt.Errorf("opening compacted sstable %d: %w", result.NewSstID, err)
		}
		added.SetID(result.NewSstID)
		added.cache = db.cache
	}

	removedSet := make(map[uint64]bool, len(result.RemovedIDs))
	for _, id := range result.RemovedIDs {
		removedSet[id] = true
	}

	db.mu.Lock()
	var removed []*SSTable
	kept := db.sstables[:0]
	for _, t := range db.sstables {
		if removedSet[t.ID()] {
			removed = append(removed, t)
		} else {
			kept = append(kept, t)
		}
	}
	db.sstables = kept
	if added != nil {
		db.insertTableLocked(added)
	}
	db.mu.Unlock()

	for _, t := range removed {
		if db.cache != nil {
			db.cache.invalidateTable(t.ID())
		}
		t.Release()
	}
	return nil
}

// ------------------------------------------------------------------------
// Introspection, cache, close
// ------------------------------------------------------------------------

// Stats is a point-in-time summary of the engine's state.
type Stats struct {
	SstablesCount       int
	FrozenCount         int
	ActiveMemtableBytes int
	LastLSN             uint64
	TotalRecordCount    uint64
	TotalFileSize       uint64
}

// Stats reports current counters.
func (db *DB) Stats() (Stats, error) {
	if db.closed.Load() {
		return Stats{}, ErrClosed
	}
	db.mu.RLock()
	defer db.mu.RUnlock()

	s := Stats{
		SstablesCount:       len(db.sstables),
		FrozenCount:         len(db.frozen),
		ActiveMemtableBytes: db.active.ApproximateSize(),
		LastLSN:             db.nextLSN.Load() - 1,
	}
	for _, t := range db.sstables {
		s.TotalRecordCount += t.RecordCount()
		s.TotalFileSize += t.FileSize()
	}
	return s, nil
}

// EnableCache attaches an LRU block cache with the given entry capacity to
// every current and future sorted table.
func (db *DB) EnableCache(capacity int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.cache = newBlockCache(capacity)
	for _, t := range db.sstables {
		t.cache = db.cache
	}
}

// Close drains background work, flushes remaining frozen memtables,
// checkpoints the catalog, and releases every resource. Idempotent.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.workers.Wait()

	var firstErr error
	if err := db.flushAllFrozen(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.manifest.Checkpoint(); err != nil && firstErr == nil {
		firstErr = err
	}

	db.mu.Lock()
	active := db.active
	tables := db.sstables
	db.sstables = nil
	db.frozen = nil
	db.mu.Unlock()

	if active != nil {
		if err := active.Wal().Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, t := range tables {
		if db.cache != nil {
			db.cache.invalidateTable(t.ID())
		}
		t.Release()
	}
	if err := db.manifest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
