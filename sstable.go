package aeternus

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"sync/atomic"
	"syscall"
)

const (
	sstMagic      = "SST0"
	sstVersion    = 1
	sstHeaderSize = 4 + 4 + 4
	// Footer: metaindex handle + index handle + total_file_size + crc.
	sstFooterSize = 16 + 16 + 8 + 4

	metaBlockBloom           = "bloom"
	metaBlockProperties      = "properties"
	metaBlockRangeTombstones = "range_tombstones"
)

// blockHandle locates an encoded block inside the file.
type blockHandle struct {
	offset uint64
	size   uint64
}

func (h *blockHandle) encodeTo(e *encoder) {
	e.putU64(h.offset)
	e.putU64(h.size)
}

func decodeBlockHandle(d *decoder) (blockHandle, error) {
	var h blockHandle
	var err error
	if h.offset, err = d.u64(); err != nil {
		return h, err
	}
	if h.size, err = d.u64(); err != nil {
		return h, err
	}
	return h, nil
}

// indexEntry maps a data block to the largest key it contains.
type indexEntry struct {
	separatorKey []byte
	handle       blockHandle
}

// TableProperties summarizes an immutable sorted table.
type TableProperties struct {
	CreationTimestamp   uint64
	RecordCount         uint64
	TombstoneCount      uint64
	RangeTombstoneCount uint64
	MinLSN              uint64
	MaxLSN              uint64
	MinTimestamp        uint64
	MaxTimestamp        uint64
	MinKey              []byte
	MaxKey              []byte
}

func (p *TableProperties) encodeTo(e *encoder) {
	e.putU64(p.CreationTimestamp)
	e.putU64(p.RecordCount)
	e.putU64(p.TombstoneCount)
	e.putU64(p.RangeTombstoneCount)
	e.putU64(p.MinLSN)
	e.putU64(p.MaxLSN)
	e.putU64(p.MinTimestamp)
	e.putU64(p.MaxTimestamp)
	e.putBytes(p.MinKey)
	e.putBytes(p.MaxKey)
}

func decodeTableProperties(d *decoder) (TableProperties, error) {
	var p TableProperties
	var err error
	for _, dst := range []*uint64{
		&p.CreationTimestamp, &p.RecordCount, &p.TombstoneCount, &p.RangeTombstoneCount,
		&p.MinLSN, &p.MaxLSN, &p.MinTimestamp, &p.MaxTimestamp,
	} {
		if *dst, err = d.u64(); err != nil {
			return p, err
		}
	}
	if p.MinKey, err = d.byteSlice(); err != nil {
		return p, err
	}
	if p.MaxKey, err = d.byteSlice(); err != nil {
		return p, err
	}
	return p, nil
}

// SSTable is an immutable on-disk sorted table, memory-mapped for reads.
// The engine and every in-flight iterator hold counted references; the
// mapping is torn down when the last reference is released, so compaction
// can drop a table from the active set without invalidating scans.
type SSTable struct {
	id       uint64
	path     string
	file     *os.File
	mmap     []byte
	fileSize uint64

	index  []indexEntry
	bloom  *BloomFilter
	ranges []RangeTombstone
	props  TableProperties

	cache *blockCache
	refs  atomic.Int64
}

// OpenSSTable maps the file at path and validates footer, header, and block
// structure. The returned table carries one reference.
func OpenSSTable(path string) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() < sstHeaderSize+sstFooterSize {
		f.Close()
		return nil, fmt.Errorf("sstable %s: %d bytes: %w", path, stat.Size(), ErrInvalidHeader)
	}
	mm, err := syscall.Mmap(int(f.Fd()), 0, int(stat.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	t := &SSTable{path: path, file: f, mmap: mm, fileSize: uint64(stat.Size())}
	t.refs.Store(1)
	if err := t.load(); err != nil {
		syscall.Munmap(mm)
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *SSTable) load() error {
	// Header.
	hdr := t.mmap[:sstHeaderSize]
	if string(hdr[:4]) != sstMagic {
		return fmt.Errorf("sstable %s: bad magic: %w", t.path, ErrInvalidHeader)
	}
	d := newDecoder(hdr[4:])
	version, _ := d.u32()
	headerCrc, _ := d.u32()
	if version != sstVersion {
		return fmt.Errorf("sstable %s: unsupported version %d: %w", t.path, version, ErrInvalidHeader)
	}
	if want := crc32.ChecksumIEEE(hdr[:8]); headerCrc != want {
		return fmt.Errorf("sstable %s: header crc %08x != %08x: %w", t.path, headerCrc, want, ErrInvalidHeader)
	}

	// Footer, fixed width at EOF.
	fd := newDecoder(t.mmap[t.fileSize-sstFooterSize:])
	metaHandle, err := decodeBlockHandle(fd)
	if err != nil {
		return err
	}
	indexHandle, err := decodeBlockHandle(fd)
	if err != nil {
		return err
	}
	totalSize, err := fd.u64()
	if err != nil {
		return err
	}
	footerCrc, err := fd.u32()
	if err != nil {
		return err
	}
	crcStart := int(t.fileSize) - sstFooterSize
	if want := crc32.ChecksumIEEE(t.mmap[crcStart : crcStart+sstFooterSize-4]); footerCrc != want {
		return fmt.Errorf("sstable %s: footer crc %08x != %08x: %w", t.path, footerCrc, want, ErrChecksumMismatch)
	}
	if totalSize != t.fileSize {
		return fmt.Errorf("sstable %s: footer size %d != file size %d: %w", t.path, totalSize, t.fileSize, ErrDecode)
	}

	// Metaindex.
	metaBytes, err := t.slice(metaHandle)
	if err != nil {
		return err
	}
	md := newDecoder(metaBytes)
	metaCount, err := md.vecLen()
	if err != nil {
		return err
	}
	metaHandles := make(map[string]blockHandle, metaCount)
	for i := 0; i < metaCount; i++ {
		name, err := md.str()
		if err != nil {
			return err
		}
		h, err := decodeBlockHandle(md)
		if err != nil {
			return err
		}
		metaHandles[name] = h
	}

	// Index.
	indexBytes, err := t.slice(indexHandle)
	if err != nil {
		return err
	}
	ixd := newDecoder(indexBytes)
	indexCount, err := ixd.vecLen()
	if err != nil {
		return err
	}
	t.index = make([]indexEntry, 0, indexCount)
	for i := 0; i < indexCount; i++ {
		sep, err := ixd.byteSlice()
		if err != nil {
			return err
		}
		h, err := decodeBlockHandle(ixd)
		if err != nil {
			return err
		}
		t.index = append(t.index, indexEntry{separatorKey: sep, handle: h})
	}

	// Bloom.
	bh, ok := metaHandles[metaBlockBloom]
	if !ok {
		return fmt.Errorf("sstable %s: missing bloom block: %w", t.path, ErrDecode)
	}
	bloomBytes, err := t.slice(bh)
	if err != nil {
		return err
	}
	bd := newDecoder(bloomBytes)
	raw, err := bd.byteSlice()
	if err != nil {
		return err
	}
	if t.bloom, err = UnmarshalBloomFilter(raw); err != nil {
		return fmt.Errorf("sstable %s: %w", t.path, err)
	}

	// Range tombstones.
	rh, ok := metaHandles[metaBlockRangeTombstones]
	if !ok {
		return fmt.Errorf("sstable %s: missing range tombstone block: %w", t.path, ErrDecode)
	}
	rtBytes, err := t.slice(rh)
	if err != nil {
		return err
	}
	rd := newDecoder(rtBytes)
	rtCount, err := rd.vecLen()
	if err != nil {
		return err
	}
	t.ranges = make([]RangeTombstone, 0, rtCount)
	for i := 0; i < rtCount; i++ {
		var rt RangeTombstone
		if rt.Start, err = rd.byteSlice(); err != nil {
			return err
		}
		if rt.End, err = rd.byteSlice(); err != nil {
			return err
		}
		if rt.Timestamp, err = rd.u64(); err != nil {
			return err
		}
		if rt.LSN, err = rd.u64(); err != nil {
			return err
		}
		t.ranges = append(t.ranges, rt)
	}

	// Properties.
	ph, ok := metaHandles[metaBlockProperties]
	if !ok {
		return fmt.Errorf("sstable %s: missing properties block: %w", t.path, ErrDecode)
	}
	propBytes, err := t.slice(ph)
	if err != nil {
		return err
	}
	if t.props, err = decodeTableProperties(newDecoder(propBytes)); err != nil {
		return err
	}
	return nil
}

func (t *SSTable) slice(h blockHandle) ([]byte, error) {
	if h.offset+h.size > t.fileSize {
		return nil, fmt.Errorf("sstable %s: block [%d, %d) beyond %d: %w", t.path, h.offset, h.offset+h.size, t.fileSize, ErrDecode)
	}
	return t.mmap[h.offset : h.offset+h.size], nil
}

// dataBlock decodes the length-prefixed block payload behind a handle,
// consulting the block cache when one is attached.
func (t *SSTable) dataBlock(h blockHandle) ([]byte, error) {
	if t.cache != nil {
		if data, ok := t.cache.get(t.id, h.offset); ok {
			return data, nil
		}
	}
	raw, err := t.slice(h)
	if err != nil {
		return nil, err
	}
	data, err := newDecoder(raw).byteSlice()
	if err != nil {
		return nil, fmt.Errorf("sstable %s: data block at %d: %w", t.path, h.offset, err)
	}
	if t.cache != nil {
		t.cache.put(t.id, h.offset, data)
	}
	return data, nil
}

// Retain adds a reference for an iterator or the engine's active set.
func (t *SSTable) Retain() { t.refs.Add(1) }

// Release drops a reference; the last release unmaps and closes the file.
func (t *SSTable) Release() {
	if t.refs.Add(-1) != 0 {
		return
	}
	syscall.Munmap(t.mmap)
	t.file.Close()
}

// ID returns the table id assigned by the catalog.
func (t *SSTable) ID() uint64 { return t.id }

// SetID binds the catalog id. The id lives in the catalog and the filename,
// not in the file itself.
func (t *SSTable) SetID(id uint64) { t.id = id }

// Path returns the table's file path.
func (t *SSTable) Path() string { return t.path }

// MinKey returns the smallest point key.
func (t *SSTable) MinKey() []byte { return t.props.MinKey }

// MaxKey returns the largest point key.
func (t *SSTable) MaxKey() []byte { return t.props.MaxKey }

// MinLSN returns the lowest LSN stored.
func (t *SSTable) MinLSN() uint64 { return t.props.MinLSN }

// MaxLSN returns the highest LSN stored.
func (t *SSTable) MaxLSN() uint64 { return t.props.MaxLSN }

// RecordCount returns the number of point entries.
func (t *SSTable) RecordCount() uint64 { return t.props.RecordCount }

// TombstoneCount returns the number of point tombstones.
func (t *SSTable) TombstoneCount() uint64 { return t.props.TombstoneCount }

// RangeTombstoneCount returns the number of range tombstones.
func (t *SSTable) RangeTombstoneCount() uint64 { return t.props.RangeTombstoneCount }

// FileSize returns the table's byte size on disk.
func (t *SSTable) FileSize() uint64 { return t.fileSize }

// CreationTimestamp returns the build time in nanoseconds.
func (t *SSTable) CreationTimestamp() uint64 { return t.props.CreationTimestamp }

// Properties returns the full property block.
func (t *SSTable) Properties() TableProperties { return t.props }

// BloomMayContain reports whether the bloom filter admits key.
func (t *SSTable) BloomMayContain(key []byte) bool { return t.bloom.Contains(key) }

// RangeTombstones returns the table's range tombstones, sorted by start key.
func (t *SSTable) RangeTombstones() []RangeTombstone { return t.ranges }

// coveringRange returns the highest-LSN range tombstone covering key, or nil.
func (t *SSTable) coveringRange(key []byte) *RangeTombstone {
	var cover *RangeTombstone
	for i := range t.ranges {
		rt := &t.ranges[i]
		if rt.Covers(key) && (cover == nil || rt.LSN > cover.LSN) {
			cover = rt
		}
	}
	return cover
}

// Get resolves a point lookup: bloom screen, index binary search, block scan
// for the highest-LSN version, then comparison against any covering range
// tombstone. A bloom miss with a covering tombstone still reports the
// tombstone.
func (t *SSTable) Get(key []byte) (Lookup, error) {
	cover := t.coveringRange(key)

	if !t.bloom.Contains(key) {
		if cover != nil {
			return Lookup{Kind: LookupRangeDelete, LSN: cover.LSN}, nil
		}
		return Lookup{Kind: LookupNotFound}, nil
	}

	var point *PointEntry
	idx := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].separatorKey, key) >= 0
	})
	if idx < len(t.index) {
		data, err := t.dataBlock(t.index[idx].handle)
		if err != nil {
			return Lookup{}, err
		}
		bi := newBlockIterator(data)
		bi.seekTo(key)
		for {
			entry, ok := bi.nextEntry()
			if !ok || !bytes.Equal(entry.Key, key) {
				break
			}
			if point == nil || entry.LSN > point.LSN {
				e := entry
				point = &e
			}
		}
	}

	switch {
	case point == nil && cover == nil:
		return Lookup{Kind: LookupNotFound}, nil
	case point == nil:
		return Lookup{Kind: LookupRangeDelete, LSN: cover.LSN}, nil
	case cover != nil && cover.LSN > point.LSN:
		return Lookup{Kind: LookupRangeDelete, LSN: cover.LSN}, nil
	case point.IsDelete():
		return Lookup{Kind: LookupDelete, LSN: point.LSN}, nil
	default:
		return Lookup{Kind: LookupPut, Value: point.Value, LSN: point.LSN}, nil
	}
}
