package aeternus

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderDecoderPrimitives(t *testing.T) {
	e := newEncoder()
	e.putU8(0xAB)
	e.putBool(true)
	e.putBool(false)
	e.putU16(0xBEEF)
	e.putU32(0xDEADBEEF)
	e.putU64(0x0123456789ABCDEF)
	e.putI64(-42)
	e.putBytes([]byte("hello"))
	e.putString("world")

	d := newDecoder(e.bytes())

	v8, err := d.u8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), v8)

	b1, err := d.boolean()
	require.NoError(t, err)
	assert.True(t, b1)
	b2, err := d.boolean()
	require.NoError(t, err)
	assert.False(t, b2)

	v16, err := d.u16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v16)

	v32, err := d.u32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)

	v64, err := d.u64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0123456789ABCDEF), v64)

	i64, err := d.i64()
	require.NoError(t, err)
	assert.Equal(t, int64(-42), i64)

	bs, err := d.byteSlice()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), bs)

	s, err := d.str()
	require.NoError(t, err)
	assert.Equal(t, "world", s)

	assert.Equal(t, 0, d.remaining())
}

func TestDecoderShortBuffer(t *testing.T) {
	d := newDecoder([]byte{0x01, 0x02})
	_, err := d.u32()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestDecoderBadBool(t *testing.T) {
	d := newDecoder([]byte{0x07})
	_, err := d.boolean()
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecoderLengthOverflow(t *testing.T) {
	buf := binary.LittleEndian.AppendUint32(nil, maxByteLen+1)
	d := newDecoder(buf)
	_, err := d.byteSlice()
	assert.ErrorIs(t, err, ErrLengthOverflow)

	buf = binary.LittleEndian.AppendUint32(nil, maxVecElements+1)
	d = newDecoder(buf)
	_, err = d.vecLen()
	assert.ErrorIs(t, err, ErrLengthOverflow)
}

func TestDecoderTruncatedByteSlice(t *testing.T) {
	buf := binary.LittleEndian.AppendUint32(nil, 10)
	buf = append(buf, 1, 2, 3)
	d := newDecoder(buf)
	_, err := d.byteSlice()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestRecordRoundTrip(t *testing.T) {
	records := []Record{
		{Kind: RecordPut, Key: []byte("k1"), Value: []byte("v1"), LSN: 7, Timestamp: 1234},
		{Kind: RecordDelete, Key: []byte("k2"), LSN: 8, Timestamp: 5678},
		{Kind: RecordRangeDelete, Start: []byte("a"), End: []byte("m"), LSN: 9, Timestamp: 9999},
	}
	for _, rec := range records {
		got, err := decodeRecord(encodeRecord(&rec))
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	}
}

func TestRecordBadTag(t *testing.T) {
	buf := binary.LittleEndian.AppendUint32(nil, 99)
	_, err := decodeRecord(buf)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestRecordLess(t *testing.T) {
	a := Record{Kind: RecordPut, Key: []byte("a"), LSN: 1}
	b := Record{Kind: RecordPut, Key: []byte("b"), LSN: 9}
	assert.True(t, recordLess(&a, &b))
	assert.False(t, recordLess(&b, &a))

	// Same key: higher LSN first.
	newer := Record{Kind: RecordPut, Key: []byte("k"), LSN: 5}
	older := Record{Kind: RecordDelete, Key: []byte("k"), LSN: 3}
	assert.True(t, recordLess(&newer, &older))

	// Range tombstones sort by start key.
	rt := Record{Kind: RecordRangeDelete, Start: []byte("a"), End: []byte("z"), LSN: 2}
	assert.True(t, recordLess(&rt, &a) || recordLess(&a, &rt)) // tie broken by LSN
}

func TestRangeTombstoneCovers(t *testing.T) {
	rt := RangeTombstone{Start: []byte("b"), End: []byte("f"), LSN: 1}
	assert.True(t, rt.Covers([]byte("b")))
	assert.True(t, rt.Covers([]byte("c")))
	assert.False(t, rt.Covers([]byte("f"))) // end-exclusive
	assert.False(t, rt.Covers([]byte("a")))
}
