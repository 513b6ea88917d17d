package aeternus

import (
	"bytes"
	"fmt"
)

// RecordKind tags the variants of a Record.
type RecordKind uint32

const (
	// RecordPut is a point write of key to value.
	RecordPut RecordKind = iota
	// RecordDelete is a point tombstone.
	RecordDelete
	// RecordRangeDelete is a range tombstone over [Start, End).
	RecordRangeDelete
)

// Record is a single mutation event. Put and Delete use Key/Value;
// RangeDelete uses Start/End. Higher LSN shadows lower LSN at the same key.
type Record struct {
	Kind      RecordKind
	Key       []byte
	Value     []byte
	Start     []byte
	End       []byte
	LSN       uint64
	Timestamp uint64
}

// SortKey returns the key a record sorts by: the user key for point records,
// the start key for range tombstones.
func (r *Record) SortKey() []byte {
	if r.Kind == RecordRangeDelete {
		return r.Start
	}
	return r.Key
}

// recordLess orders records by (key asc, lsn desc). Ties on both are equal.
func recordLess(a, b *Record) bool {
	if c := bytes.Compare(a.SortKey(), b.SortKey()); c != 0 {
		return c < 0
	}
	return a.LSN > b.LSN
}

func (r *Record) encodeTo(e *encoder) {
	e.putU32(uint32(r.Kind))
	switch r.Kind {
	case RecordPut:
		e.putBytes(r.Key)
		e.putBytes(r.Value)
	case RecordDelete:
		e.putBytes(r.Key)
	case RecordRangeDelete:
		e.putBytes(r.Start)
		e.putBytes(r.End)
	}
	e.putU64(r.LSN)
	e.putU64(r.Timestamp)
}

func encodeRecord(r *Record) []byte {
	e := newEncoder()
	r.encodeTo(e)
	return e.bytes()
}

func decodeRecord(buf []byte) (Record, error) {
	d := newDecoder(buf)
	return decodeRecordFrom(d)
}

func decodeRecordFrom(d *decoder) (Record, error) {
	tag, err := d.u32()
	if err != nil {
		return Record{}, err
	}
	var rec Record
	switch RecordKind(tag) {
	case RecordPut:
		rec.Kind = RecordPut
		if rec.Key, err = d.byteSlice(); err != nil {
			return Record{}, err
		}
		if rec.Value, err = d.byteSlice(); err != nil {
			return Record{}, err
		}
	case RecordDelete:
		rec.Kind = RecordDelete
		if rec.Key, err = d.byteSlice(); err != nil {
			return Record{}, err
		}
	case RecordRangeDelete:
		rec.Kind = RecordRangeDelete
		if rec.Start, err = d.byteSlice(); err != nil {
			return Record{}, err
		}
		if rec.End, err = d.byteSlice(); err != nil {
			return Record{}, err
		}
	default:
		return Record{}, fmt.Errorf("record tag %d: %w", tag, ErrDecode)
	}
	if rec.LSN, err = d.u64(); err != nil {
		return Record{}, err
	}
	if rec.Timestamp, err = d.u64(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// RangeTombstone marks every key in [Start, End) deleted as of LSN.
type RangeTombstone struct {
	Start     []byte
	End       []byte
	LSN       uint64
	Timestamp uint64
}

// Covers reports whether key falls inside the tombstone's interval.
// LSN comparison is the caller's concern.
func (rt *RangeTombstone) Covers(key []byte) bool {
	return bytes.Compare(rt.Start, key) <= 0 && bytes.Compare(key, rt.End) < 0
}

func (rt *RangeTombstone) toRecord() Record {
	return Record{
		Kind:      RecordRangeDelete,
		Start:     rt.Start,
		End:       rt.End,
		LSN:       rt.LSN,
		Timestamp: rt.Timestamp,
	}
}

// PointEntry is one version of a key as stored in a sorted table.
// A nil Value marks a point tombstone.
type PointEntry struct {
	Key       []byte
	Value     []byte
	LSN       uint64
	Timestamp uint64
}

// IsDelete reports whether the entry is a point tombstone.
func (p *PointEntry) IsDelete() bool { return p.Value == nil }

func (p *PointEntry) toRecord() Record {
	if p.IsDelete() {
		return Record{Kind: RecordDelete, Key: p.Key, LSN: p.LSN, Timestamp: p.Timestamp}
	}
	return Record{Kind: RecordPut, Key: p.Key, Value: p.Value, LSN: p.LSN, Timestamp: p.Timestamp}
}

// LookupKind tags the outcome of a point lookup in one layer.
type LookupKind uint8

const (
	// LookupNotFound means the layer holds no visibility decision for the key.
	LookupNotFound LookupKind = iota
	// LookupPut means the key is live with Lookup.Value.
	LookupPut
	// LookupDelete means a point tombstone shadows the key.
	LookupDelete
	// LookupRangeDelete means a range tombstone shadows the key.
	LookupRangeDelete
)

// Lookup is the result of a single-layer point read.
type Lookup struct {
	Kind  LookupKind
	Value []byte
	LSN   uint64
}
