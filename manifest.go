package aeternus

import (
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	manifestWalName = "MANIFEST.wal"
	manifestPrefix  = "MANIFEST-"

	// manifestMaxRecordSize caps one catalog event; events are tiny, the cap
	// mainly guards replay against garbage length prefixes.
	manifestMaxRecordSize = 16 * 1024 * 1024
)

// SstEntry is one catalog row: a live sorted table.
type SstEntry struct {
	ID   uint64
	Path string
}

// ManifestData is the catalog's full in-memory state.
type ManifestData struct {
	Version    uint64
	LastLSN    uint64
	ActiveWal  uint64
	FrozenWals []uint64
	SSTables   []SstEntry
	NextSstID  uint64
}

func defaultManifestData() ManifestData {
	return ManifestData{Version: 1, NextSstID: 1}
}

func (m *ManifestData) encodeTo(e *encoder) {
	e.putU64(m.Version)
	e.putU64(m.LastLSN)
	e.putU64(m.ActiveWal)
	e.putU32(uint32(len(m.FrozenWals)))
	for _, w := range m.FrozenWals {
		e.putU64(w)
	}
	e.putU32(uint32(len(m.SSTables)))
	for i := range m.SSTables {
		e.putU64(m.SSTables[i].ID)
		e.putString(m.SSTables[i].Path)
	}
	e.putU64(m.NextSstID)
}

func decodeManifestData(d *decoder) (ManifestData, error) {
	var m ManifestData
	var err error
	if m.Version, err = d.u64(); err != nil {
		return m, err
	}
	if m.LastLSN, err = d.u64(); err != nil {
		return m, err
	}
	if m.ActiveWal, err = d.u64(); err != nil {
		return m, err
	}
	n, err := d.vecLen()
	if err != nil {
		return m, err
	}
	for i := 0; i < n; i++ {
		w, err := d.u64()
		if err != nil {
			return m, err
		}
		m.FrozenWals = append(m.FrozenWals, w)
	}
	if n, err = d.vecLen(); err != nil {
		return m, err
	}
	for i := 0; i < n; i++ {
		var entry SstEntry
		if entry.ID, err = d.u64(); err != nil {
			return m, err
		}
		if entry.Path, err = d.str(); err != nil {
			return m, err
		}
		m.SSTables = append(m.SSTables, entry)
	}
	if m.NextSstID, err = d.u64(); err != nil {
		return m, err
	}
	return m, nil
}

// ------------------------------------------------------------------------
// Events
// ------------------------------------------------------------------------

type manifestEventKind uint32

const (
	manifestEventVersion manifestEventKind = iota
	manifestEventSetActiveWal
	manifestEventAddFrozenWal
	manifestEventRemoveFrozenWal
	manifestEventAddSst
	manifestEventRemoveSst
	manifestEventUpdateLsn
	manifestEventAllocateSstID
	manifestEventApplyCompaction
)

type manifestEvent struct {
	kind    manifestEventKind
	version uint64
	walID   uint64
	lsn     uint64
	sstID   uint64
	nextID  uint64
	entry   SstEntry
	added   []SstEntry
	removed []uint64
}

func encodeManifestEvent(ev *manifestEvent) []byte {
	e := newEncoder()
	e.putU32(uint32(ev.kind))
	switch ev.kind {
	case manifestEventVersion:
		e.putU64(ev.version)
	case manifestEventSetActiveWal, manifestEventAddFrozenWal, manifestEventRemoveFrozenWal:
		e.putU64(ev.walID)
	case manifestEventAddSst:
		e.putU64(ev.entry.ID)
		e.putString(ev.entry.Path)
	case manifestEventRemoveSst:
		e.putU64(ev.sstID)
	case manifestEventUpdateLsn:
		e.putU64(ev.lsn)
	case manifestEventAllocateSstID:
		e.putU64(ev.nextID)
	case manifestEventApplyCompaction:
		e.putU32(uint32(len(ev.added)))
		for i := range ev.added {
			e.putU64(ev.added[i].ID)
			e.putString(ev.added[i].Path)
		}
		e.putU32(uint32(len(ev.removed)))
		for _, id := range ev.removed {
			e.putU64(id)
		}
	}
	return e.bytes()
}

func decodeManifestEvent(buf []byte) (manifestEvent, error) {
	d := newDecoder(buf)
	tag, err := d.u32()
	if err != nil {
		return manifestEvent{}, err
	}
	ev := manifestEvent{kind: manifestEventKind(tag)}
	switch ev.kind {
	case manifestEventVersion:
		ev.version, err = d.u64()
	case manifestEventSetActiveWal, manifestEventAddFrozenWal, manifestEventRemoveFrozenWal:
		ev.walID, err = d.u64()
	case manifestEventAddSst:
		if ev.entry.ID, err = d.u64(); err != nil {
			return ev, err
		}
		ev.entry.Path, err = d.str()
	case manifestEventRemoveSst:
		ev.sstID, err = d.u64()
	case manifestEventUpdateLsn:
		ev.lsn, err = d.u64()
	case manifestEventAllocateSstID:
		ev.nextID, err = d.u64()
	case manifestEventApplyCompaction:
		var n int
		if n, err = d.vecLen(); err != nil {
			return ev, err
		}
		for i := 0; i < n; i++ {
			var entry SstEntry
			if entry.ID, err = d.u64(); err != nil {
				return ev, err
			}
			if entry.Path, err = d.str(); err != nil {
				return ev, err
			}
			ev.added = append(ev.added, entry)
		}
		if n, err = d.vecLen(); err != nil {
			return ev, err
		}
		for i := 0; i < n; i++ {
			var id uint64
			if id, err = d.u64(); err != nil {
				return ev, err
			}
			ev.removed = append(ev.removed, id)
		}
	default:
		return ev, fmt.Errorf("manifest event tag %d: %w", tag, ErrDecode)
	}
	return ev, err
}

// ------------------------------------------------------------------------
// Manifest
// ------------------------------------------------------------------------

// Manifest is the durable catalog: the authoritative list of live sorted
// tables, the WAL roster, and the last observed LSN. Mutations append an
// event to MANIFEST.wal before applying in memory; Checkpoint folds the
// event log into a CRC-protected snapshot and truncates it.
type Manifest struct {
	mu         sync.Mutex
	dir        string
	wal        *RecordLog
	data       ManifestData
	snapshotID uint64
	dirty      bool
}

func manifestSnapshotName(id uint64) string {
	return fmt.Sprintf("%s%06d", manifestPrefix, id)
}

// OpenManifest loads the catalog from dir: the newest valid snapshot (if
// any), then the event log replayed on top. A corrupt snapshot falls back to
// defaults plus the log; a corrupt event ends replay at the valid prefix.
func OpenManifest(dir string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	m := &Manifest{dir: dir, data: defaultManifestData()}

	// Newest parseable snapshot wins; leftover .tmp debris is ignored.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var snapIDs []uint64
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, manifestPrefix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(name, manifestPrefix), 10, 64)
		if err != nil {
			continue
		}
		snapIDs = append(snapIDs, id)
	}
	sort.Slice(snapIDs, func(i, j int) bool { return snapIDs[i] > snapIDs[j] })
	for _, id := range snapIDs {
		data, err := readManifestSnapshot(filepath.Join(dir, manifestSnapshotName(id)))
		if err != nil {
			log.Printf("aeternus: manifest snapshot %d unreadable, falling back: %v", id, err)
			continue
		}
		m.data = data
		m.snapshotID = id
		break
	}

	wal, err := OpenRecordLog(filepath.Join(dir, manifestWalName), manifestMaxRecordSize)
	if err != nil {
		return nil, err
	}
	m.wal = wal

	it, err := wal.Replay()
	if err != nil {
		wal.Close()
		return nil, err
	}
	defer it.Close()
	for it.Next() {
		ev, err := decodeManifestEvent(it.Payload())
		if err != nil {
			log.Printf("aeternus: manifest event log replay stopped: %v", err)
			break
		}
		m.applyEvent(&ev)
	}
	if err := it.Err(); err != nil {
		// Corruption tail: everything before it has been applied.
		log.Printf("aeternus: manifest event log replay stopped: %v", err)
	}
	return m, nil
}

func readManifestSnapshot(path string) (ManifestData, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return ManifestData{}, err
	}
	if len(buf) < 4 {
		return ManifestData{}, fmt.Errorf("manifest snapshot %s: %w", path, ErrUnexpectedEOF)
	}
	preamble := buf[:len(buf)-4]
	d := newDecoder(buf[len(buf)-4:])
	stored, _ := d.u32()
	if got := crc32.ChecksumIEEE(preamble); got != stored {
		return ManifestData{}, fmt.Errorf("manifest snapshot %s: crc %08x != %08x: %w", path, got, stored, ErrChecksumMismatch)
	}
	pd := newDecoder(preamble)
	if _, err := pd.u64(); err != nil { // snapshot format version
		return ManifestData{}, err
	}
	if _, err := pd.u64(); err != nil { // snapshot lsn
		return ManifestData{}, err
	}
	return decodeManifestData(pd)
}

func (m *Manifest) applyEvent(ev *manifestEvent) {
	switch ev.kind {
	case manifestEventVersion:
		m.data.Version = ev.version

	case manifestEventSetActiveWal:
		m.data.ActiveWal = ev.walID
		m.data.FrozenWals = removeU64(m.data.FrozenWals, ev.walID)
		m.dirty = true

	case manifestEventAddFrozenWal:
		for _, w := range m.data.FrozenWals {
			if w == ev.walID {
				return
			}
		}
		m.data.FrozenWals = append(m.data.FrozenWals, ev.walID)
		m.dirty = true

	case manifestEventRemoveFrozenWal:
		m.data.FrozenWals = removeU64(m.data.FrozenWals, ev.walID)
		m.dirty = true

	case manifestEventAddSst:
		m.insertSst(ev.entry)
		m.dirty = true

	case manifestEventRemoveSst:
		m.removeSst(ev.sstID)
		m.dirty = true

	case manifestEventUpdateLsn:
		if ev.lsn > m.data.LastLSN {
			m.data.LastLSN = ev.lsn
		}
		m.dirty = true

	case manifestEventAllocateSstID:
		if ev.nextID+1 > m.data.NextSstID {
			m.data.NextSstID = ev.nextID + 1
		}
		m.dirty = true

	case manifestEventApplyCompaction:
		for _, id := range ev.removed {
			m.removeSst(id)
		}
		for i := range ev.added {
			m.insertSst(ev.added[i])
		}
		m.dirty = true
	}
}

func (m *Manifest) insertSst(entry SstEntry) {
	for i := range m.data.SSTables {
		if m.data.SSTables[i].ID == entry.ID {
			return
		}
	}
	m.data.SSTables = append(m.data.SSTables, entry)
	sort.Slice(m.data.SSTables, func(i, j int) bool {
		return m.data.SSTables[i].ID < m.data.SSTables[j].ID
	})
}

func (m *Manifest) removeSst(id uint64) {
	out := m.data.SSTables[:0]
	for _, e := range m.data.SSTables {
		if e.ID != id {
			out = append(out, e)
		}
	}
	m.data.SSTables = out
}

func removeU64(s []uint64, v uint64) []uint64 {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// appendAndApply writes the event durably, then applies it in memory.
func (m *Manifest) appendAndApply(ev *manifestEvent) error {
	if err := m.wal.Append(encodeManifestEvent(ev)); err != nil {
		return err
	}
	m.applyEvent(ev)
	return nil
}

// SetActiveWal records the active WAL id, removing it from the frozen list.
func (m *Manifest) SetActiveWal(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAndApply(&manifestEvent{kind: manifestEventSetActiveWal, walID: id})
}

// AddFrozenWal appends id to the frozen list (idempotent).
func (m *Manifest) AddFrozenWal(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAndApply(&manifestEvent{kind: manifestEventAddFrozenWal, walID: id})
}

// RemoveFrozenWal drops id from the frozen list.
func (m *Manifest) RemoveFrozenWal(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAndApply(&manifestEvent{kind: manifestEventRemoveFrozenWal, walID: id})
}

// AddSstable records a new live table.
func (m *Manifest) AddSstable(entry SstEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAndApply(&manifestEvent{kind: manifestEventAddSst, entry: entry})
}

// RemoveSstable drops a table by id.
func (m *Manifest) RemoveSstable(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAndApply(&manifestEvent{kind: manifestEventRemoveSst, sstID: id})
}

// UpdateLSN raises last_lsn (monotonic).
func (m *Manifest) UpdateLSN(lsn uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAndApply(&manifestEvent{kind: manifestEventUpdateLsn, lsn: lsn})
}

// ApplyCompaction atomically records a compaction's adds and removes.
func (m *Manifest) ApplyCompaction(added []SstEntry, removed []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAndApply(&manifestEvent{kind: manifestEventApplyCompaction, added: added, removed: removed})
}

// AllocateSstID consumes and returns the next table id, durably.
func (m *Manifest) AllocateSstID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.data.NextSstID
	if err := m.appendAndApply(&manifestEvent{kind: manifestEventAllocateSstID, nextID: id}); err != nil {
		return 0, err
	}
	return id, nil
}

// PeekNextSstID previews the next table id without consuming it.
func (m *Manifest) PeekNextSstID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.NextSstID
}

// ActiveWal returns the active WAL id.
func (m *Manifest) ActiveWal() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ActiveWal
}

// FrozenWals returns a copy of the frozen WAL roster, oldest first.
func (m *Manifest) FrozenWals() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.data.FrozenWals...)
}

// SSTables returns a copy of the live table entries, ordered by id.
func (m *Manifest) SSTables() []SstEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SstEntry(nil), m.data.SSTables...)
}

// LastLSN returns the highest recorded LSN.
func (m *Manifest) LastLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.LastLSN
}

// SnapshotID returns the current snapshot file id (0 when none exists yet).
func (m *Manifest) SnapshotID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotID
}

// Dirty reports uncheckpointed events.
func (m *Manifest) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Checkpoint serializes the full state with a CRC to a temp file, fsyncs,
// renames it over the snapshot, fsyncs the directory, then truncates the
// event log.
func (m *Manifest) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := newEncoder()
	e.putU64(m.data.Version)
	e.putU64(m.data.LastLSN)
	m.data.encodeTo(e)
	e.putU32(crc32.ChecksumIEEE(e.bytes()))

	newID := m.snapshotID + 1
	finalPath := filepath.Join(m.dir, manifestSnapshotName(newID))
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(e.bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := fsyncDir(m.dir); err != nil {
		return err
	}
	if m.snapshotID > 0 {
		os.Remove(filepath.Join(m.dir, manifestSnapshotName(m.snapshotID)))
	}
	m.snapshotID = newID

	if err := m.wal.Truncate(); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

// Close releases the event log handle.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wal.Close()
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
