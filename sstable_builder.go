package aeternus

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"os"
	"strings"
)

// sstBlockTargetSize is the uncompressed payload size at which the builder
// cuts a data block. Blocks only split between distinct keys, so every
// version of a key shares its block.
const sstBlockTargetSize = 4 * 1024

// BuildSSTable writes an immutable sorted table at path from sorted point
// entries (key asc, lsn desc) and sorted range tombstones. It writes to a
// .tmp sibling and atomically renames on success; on failure the partial
// file is deleted. Building from nothing at all is rejected.
func BuildSSTable(path string, points []PointEntry, ranges []RangeTombstone, creationTs uint64) error {
	if len(points) == 0 && len(ranges) == 0 {
		return fmt.Errorf("sstable %s: nothing to build: %w", path, ErrInternal)
	}

	tmpPath := strings.TrimSuffix(path, ".sst") + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := writeSSTable(f, points, ranges, creationTs); err != nil {
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
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func writeSSTable(f *os.File, points []PointEntry, ranges []RangeTombstone, creationTs uint64) error {
	e := newEncoder()

	// Header.
	e.buf = append(e.buf, sstMagic...)
	e.putU32(sstVersion)
	e.putU32(crc32.ChecksumIEEE(e.buf[:8]))

	// Data blocks, cut between distinct keys once the target size is hit.
	var index []indexEntry
	block := newEncoder()
	var blockLastKey []byte

	flushBlock := func() {
		if block.len() == 0 {
			return
		}
		offset := uint64(e.len())
		e.putBytes(block.bytes())
		index = append(index, indexEntry{
			separatorKey: append([]byte(nil), blockLastKey...),
			handle:       blockHandle{offset: offset, size: uint64(e.len()) - offset},
		})
		block = newEncoder()
	}

	bloom := NewBloomFilter(len(points), defaultBloomBitsPerKey)
	props := TableProperties{
		CreationTimestamp:   creationTs,
		RecordCount:         uint64(len(points)),
		RangeTombstoneCount: uint64(len(ranges)),
	}
	first := true
	observe := func(lsn, ts uint64) {
		if first {
			props.MinLSN, props.MaxLSN = lsn, lsn
			props.MinTimestamp, props.MaxTimestamp = ts, ts
			first = false
			return
		}
		props.MinLSN = min(props.MinLSN, lsn)
		props.MaxLSN = max(props.MaxLSN, lsn)
		props.MinTimestamp = min(props.MinTimestamp, ts)
		props.MaxTimestamp = max(props.MaxTimestamp, ts)
	}

	for i := range points {
		p := &points[i]
		if block.len() >= sstBlockTargetSize && !bytes.Equal(blockLastKey, p.Key) {
			flushBlock()
		}
		appendCell(block, p)
		blockLastKey = p.Key
		bloom.Add(p.Key)
		observe(p.LSN, p.Timestamp)
		if p.IsDelete() {
			props.TombstoneCount++
		}
		if len(props.MinKey) == 0 && i == 0 {
			props.MinKey = append([]byte(nil), p.Key...)
		}
	}
	flushBlock()
	if len(points) > 0 {
		props.MaxKey = append([]byte(nil), points[len(points)-1].Key...)
	}
	for i := range ranges {
		observe(ranges[i].LSN, ranges[i].Timestamp)
	}

	// Range tombstone block.
	rtHandle := blockHandle{offset: uint64(e.len())}
	e.putU32(uint32(len(ranges)))
	for i := range ranges {
		rt := &ranges[i]
		e.putBytes(rt.Start)
		e.putBytes(rt.End)
		e.putU64(rt.Timestamp)
		e.putU64(rt.LSN)
	}
	rtHandle.size = uint64(e.len()) - rtHandle.offset

	// Bloom block.
	bloomHandle := blockHandle{offset: uint64(e.len())}
	e.putBytes(bloom.Marshal())
	bloomHandle.size = uint64(e.len()) - bloomHandle.offset

	// Properties block.
	propsHandle := blockHandle{offset: uint64(e.len())}
	props.encodeTo(e)
	propsHandle.size = uint64(e.len()) - propsHandle.offset

	// Metaindex.
	metaHandle := blockHandle{offset: uint64(e.len())}
	meta := []struct {
		name   string
		handle blockHandle
	}{
		{metaBlockRangeTombstones, rtHandle},
		{metaBlockBloom, bloomHandle},
		{metaBlockProperties, propsHandle},
	}
	e.putU32(uint32(len(meta)))
	for i := range meta {
		e.putString(meta[i].name)
		meta[i].handle.encodeTo(e)
	}
	metaHandle.size = uint64(e.len()) - metaHandle.offset

	// Index.
	indexHandle := blockHandle{offset: uint64(e.len())}
	e.putU32(uint32(len(index)))
	for i := range index {
		e.putBytes(index[i].separatorKey)
		index[i].handle.encodeTo(e)
	}
	indexHandle.size = uint64(e.len()) - indexHandle.offset

	// Footer, fixed width, CRC over everything before the CRC field.
	footerStart := e.len()
	metaHandle.encodeTo(e)
	indexHandle.encodeTo(e)
	e.putU64(uint64(footerStart) + sstFooterSize)
	e.putU32(crc32.ChecksumIEEE(e.buf[footerStart:]))

	_, err := f.Write(e.bytes())
	return err
}
