package aeternus

import (
	"bytes"
)

// Data blocks hold concatenated cells, each a fixed header followed by the
// raw key and value bytes:
//
//	key_len:u32 value_len:u32 timestamp:u64 is_delete:bool lsn:u64 KEY VALUE
//
// Point tombstones carry value_len == 0 with is_delete set.

const blockCellHeaderSize = 4 + 4 + 8 + 1 + 8

// appendCell encodes one point entry onto the block buffer.
func appendCell(e *encoder, p *PointEntry) {
	e.putU32(uint32(len(p.Key)))
	e.putU32(uint32(len(p.Value)))
	e.putU64(p.Timestamp)
	e.putBool(p.IsDelete())
	e.putU64(p.LSN)
	e.buf = append(e.buf, p.Key...)
	e.buf = append(e.buf, p.Value...)
}

// blockIterator decodes the cells of a single data block in order. Corruption
// or truncation mid-block exhausts the iterator; the damaged tail is
// unreachable anyway.
type blockIterator struct {
	data   []byte
	cursor int
}

func newBlockIterator(data []byte) *blockIterator {
	return &blockIterator{data: data}
}

// seekToFirst rewinds to the start of the block.
func (it *blockIterator) seekToFirst() {
	it.cursor = 0
}

// seekTo positions the cursor at the first cell whose key is >= searchKey.
// Blocks are small, so the scan is linear.
func (it *blockIterator) seekTo(searchKey []byte) {
	it.cursor = 0
	for it.cursor < len(it.data) {
		d := newDecoder(it.data[it.cursor:])
		keyLen, err1 := d.u32()
		valueLen, err2 := d.u32()
		if _, err := d.u64(); err != nil || err1 != nil || err2 != nil {
			it.cursor = len(it.data)
			return
		}
		if _, err := d.boolean(); err != nil {
			it.cursor = len(it.data)
			return
		}
		if _, err := d.u64(); err != nil {
			it.cursor = len(it.data)
			return
		}
		pos := it.cursor + d.offset()
		end := pos + int(keyLen) + int(valueLen)
		if end > len(it.data) {
			it.cursor = len(it.data)
			return
		}
		key := it.data[pos : pos+int(keyLen)]
		if bytes.Compare(key, searchKey) >= 0 {
			return
		}
		it.cursor = end
	}
}

// nextEntry decodes the cell under the cursor and advances past it.
func (it *blockIterator) nextEntry() (PointEntry, bool) {
	if it.cursor >= len(it.data) {
		return PointEntry{}, false
	}
	d := newDecoder(it.data[it.cursor:])
	keyLen, err := d.u32()
	if err != nil {
		it.cursor = len(it.data)
		return PointEntry{}, false
	}
	valueLen, err := d.u32()
	if err != nil {
		it.cursor = len(it.data)
		return PointEntry{}, false
	}
	timestamp, err := d.u64()
	if err != nil {
		it.cursor = len(it.data)
		return PointEntry{}, false
	}
	isDelete, err := d.boolean()
	if err != nil {
		it.cursor = len(it.data)
		return PointEntry{}, false
	}
	lsn, err := d.u64()
	if err != nil {
		it.cursor = len(it.data)
		return PointEntry{}, false
	}

	pos := it.cursor + d.offset()
	end := pos + int(keyLen) + int(valueLen)
	if end > len(it.data) {
		it.cursor = len(it.data)
		return PointEntry{}, false
	}

	entry := PointEntry{
		Key:       append([]byte(nil), it.data[pos:pos+int(keyLen)]...),
		Timestamp: timestamp,
		LSN:       lsn,
	}
	if !isDelete {
		entry.Value = append([]byte(nil), it.data[pos+int(keyLen):end]...)
	}
	it.cursor = end
	return entry, true
}
