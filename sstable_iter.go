package aeternus

import (
	"bytes"
	"sort"
)

// recordIterator is the pull interface shared by memtable scans, table
// scans, and the merge layer.
type recordIterator interface {
	Next() (Record, bool)
}

// TableIterator is a lazy forward scan over one sorted table, yielding point
// entries and overlapping range tombstones for [start, end) in
// (key asc, lsn desc) order. Blocks decode one at a time; the iterator keeps
// its own counted reference so the table survives being swapped out of the
// engine's active set mid-scan.
type TableIterator struct {
	table    *SSTable
	end      []byte
	blockIdx int
	block    *blockIterator
	pending  *PointEntry
	ranges   []RangeTombstone
	rangePos int
	closed   bool
	err      error
}

// Scan returns an iterator over [start, end). The iterator owns a reference
// to the table; callers must Close it. Every scan is an owned scan.
func (t *SSTable) Scan(start, end []byte) *TableIterator {
	t.Retain()

	it := &TableIterator{table: t, end: append([]byte(nil), end...)}

	// Range tombstones that overlap the scan window, ordered by start key.
	for i := range t.ranges {
		rt := t.ranges[i]
		if bytes.Compare(rt.Start, end) < 0 && bytes.Compare(start, rt.End) < 0 {
			it.ranges = append(it.ranges, rt)
		}
	}
	sort.SliceStable(it.ranges, func(i, j int) bool {
		if c := bytes.Compare(it.ranges[i].Start, it.ranges[j].Start); c != 0 {
			return c < 0
		}
		return it.ranges[i].LSN > it.ranges[j].LSN
	})

	// Position at the first block that can hold start.
	it.blockIdx = sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].separatorKey, start) >= 0
	})
	if it.blockIdx < len(t.index) {
		data, err := t.dataBlock(t.index[it.blockIdx].handle)
		if err != nil {
			it.err = err
		} else {
			it.block = newBlockIterator(data)
			it.block.seekTo(start)
		}
	}
	return it
}

// nextPoint pulls the next in-range point entry, advancing across blocks.
func (it *TableIterator) nextPoint() (PointEntry, bool) {
	if it.err != nil {
		return PointEntry{}, false
	}
	for {
		if it.block == nil {
			return PointEntry{}, false
		}
		entry, ok := it.block.nextEntry()
		if !ok {
			it.blockIdx++
			if it.blockIdx >= len(it.table.index) {
				it.block = nil
				return PointEntry{}, false
			}
			data, err := it.table.dataBlock(it.table.index[it.blockIdx].handle)
			if err != nil {
				it.err = err
				it.block = nil
				return PointEntry{}, false
			}
			it.block = newBlockIterator(data)
			continue
		}
		if bytes.Compare(entry.Key, it.end) >= 0 {
			it.block = nil
			return PointEntry{}, false
		}
		return entry, true
	}
}

// Next yields the next record in (key asc, lsn desc) order.
func (it *TableIterator) Next() (Record, bool) {
	if it.closed {
		return Record{}, false
	}
	if it.pending == nil {
		if p, ok := it.nextPoint(); ok {
			it.pending = &p
		}
	}

	if it.rangePos < len(it.ranges) {
		rt := &it.ranges[it.rangePos]
		emitRange := it.pending == nil
		if !emitRange {
			if c := bytes.Compare(rt.Start, it.pending.Key); c < 0 || (c == 0 && rt.LSN > it.pending.LSN) {
				emitRange = true
			}
		}
		if emitRange {
			it.rangePos++
			return rt.toRecord(), true
		}
	}

	if it.pending != nil {
		rec := it.pending.toRecord()
		it.pending = nil
		return rec, true
	}
	return Record{}, false
}

// Err reports a block decode failure that terminated the scan early.
func (it *TableIterator) Err() error { return it.err }

// Close releases the iterator's table reference. Idempotent.
func (it *TableIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.table.Release()
}
