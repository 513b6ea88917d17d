package aeternus

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestTable(t *testing.T, points []PointEntry, ranges []RangeTombstone) *SSTable {
	t.Helper()
	path := filepath.Join(t.TempDir(), sstableFileName(1))
	require.NoError(t, BuildSSTable(path, points, ranges, 123456789))
	table, err := OpenSSTable(path)
	require.NoError(t, err)
	table.SetID(1)
	t.Cleanup(table.Release)
	return table
}

func testPoints(n int) []PointEntry {
	points := make([]PointEntry, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, PointEntry{
			Key:       []byte(fmt.Sprintf("key_%04d", i)),
			Value:     []byte(fmt.Sprintf("val_%04d", i)),
			LSN:       uint64(i + 1),
			Timestamp: uint64(1000 + i),
		})
	}
	return points
}

func TestSSTableBuildRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), sstableFileName(1))
	err := BuildSSTable(path, nil, nil, 0)
	assert.ErrorIs(t, err, ErrInternal)
	assert.NoFileExists(t, path)
}

func TestSSTableProperties(t *testing.T) {
	points := testPoints(100)
	points = append(points, PointEntry{Key: []byte("zz_dead"), LSN: 200, Timestamp: 5000})
	ranges := []RangeTombstone{{Start: []byte("a"), End: []byte("b"), LSN: 300, Timestamp: 6000}}

	table := buildTestTable(t, points, ranges)

	assert.Equal(t, uint64(101), table.RecordCount())
	assert.Equal(t, uint64(1), table.TombstoneCount())
	assert.Equal(t, uint64(1), table.RangeTombstoneCount())
	assert.Equal(t, []byte("key_0000"), table.MinKey())
	assert.Equal(t, []byte("zz_dead"), table.MaxKey())
	assert.Equal(t, uint64(1), table.MinLSN())
	assert.Equal(t, uint64(300), table.MaxLSN())
	assert.Equal(t, uint64(123456789), table.CreationTimestamp())

	stat, err := os.Stat(table.Path())
	require.NoError(t, err)
	assert.Equal(t, uint64(stat.Size()), table.FileSize())
}

func TestSSTableGet(t *testing.T) {
	table := buildTestTable(t, testPoints(500), nil)

	l, err := table.Get([]byte("key_0123"))
	require.NoError(t, err)
	assert.Equal(t, LookupPut, l.Kind)
	assert.Equal(t, []byte("val_0123"), l.Value)

	l, err = table.Get([]byte("missing"))
	require.NoError(t, err)
	assert.Equal(t, LookupNotFound, l.Kind)
}

func TestSSTableGetDelete(t *testing.T) {
	points := []PointEntry{
		{Key: []byte("alive"), Value: []byte("v"), LSN: 1},
		{Key: []byte("dead"), LSN: 2},
	}
	table := buildTestTable(t, points, nil)

	l, err := table.Get([]byte("dead"))
	require.NoError(t, err)
	assert.Equal(t, LookupDelete, l.Kind)
}

func TestSSTableGetRangeTombstone(t *testing.T) {
	points := []PointEntry{{Key: []byte("key_inside"), Value: []byte("v"), LSN: 1}}
	ranges := []RangeTombstone{{Start: []byte("key_a"), End: []byte("key_z"), LSN: 9}}
	table := buildTestTable(t, points, ranges)

	// Point entry shadowed by the higher-LSN range tombstone.
	l, err := table.Get([]byte("key_inside"))
	require.NoError(t, err)
	assert.Equal(t, LookupRangeDelete, l.Kind)
	assert.Equal(t, uint64(9), l.LSN)

	// Bloom rejects the key but the covering tombstone still answers.
	l, err = table.Get([]byte("key_never_written"))
	require.NoError(t, err)
	assert.Equal(t, LookupRangeDelete, l.Kind)
}

func TestSSTableGetHighestLSNWins(t *testing.T) {
	points := []PointEntry{
		{Key: []byte("k"), Value: []byte("new"), LSN: 5},
		{Key: []byte("k"), Value: []byte("old"), LSN: 2},
	}
	table := buildTestTable(t, points, nil)

	l, err := table.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), l.Value)
	assert.Equal(t, uint64(5), l.LSN)
}

func TestSSTableScan(t *testing.T) {
	table := buildTestTable(t, testPoints(500), nil)

	it := table.Scan([]byte("key_0100"), []byte("key_0110"))
	defer it.Close()

	var keys []string
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, string(rec.Key))
	}
	require.NoError(t, it.Err())
	require.Len(t, keys, 10)
	assert.Equal(t, "key_0100", keys[0])
	assert.Equal(t, "key_0109", keys[9])
}

func TestSSTableScanCrossesBlocks(t *testing.T) {
	// 500 entries with 41-byte cells exceed a single 4 KiB block.
	table := buildTestTable(t, testPoints(500), nil)
	require.Greater(t, len(table.index), 1)

	it := table.Scan([]byte("key_0000"), []byte("key_9999"))
	defer it.Close()
	count := 0
	last := ""
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		assert.Greater(t, string(rec.Key), last)
		last = string(rec.Key)
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 500, count)
}

func TestSSTableScanInterleavesRangeTombstones(t *testing.T) {
	points := []PointEntry{
		{Key: []byte("a"), Value: []byte("1"), LSN: 1},
		{Key: []byte("m"), Value: []byte("2"), LSN: 2},
	}
	ranges := []RangeTombstone{{Start: []byte("c"), End: []byte("x"), LSN: 7}}
	table := buildTestTable(t, points, ranges)

	it := table.Scan([]byte("a"), []byte("z"))
	defer it.Close()

	var kinds []RecordKind
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []RecordKind{RecordPut, RecordRangeDelete, RecordPut}, kinds)
}

func TestSSTableIteratorSurvivesRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), sstableFileName(1))
	require.NoError(t, BuildSSTable(path, testPoints(100), nil, 0))
	table, err := OpenSSTable(path)
	require.NoError(t, err)

	it := table.Scan([]byte("key_0000"), []byte("key_9999"))
	// The owner drops its reference; the iterator's own keeps the mapping.
	table.Release()

	count := 0
	for {
		_, ok := it.Next()
		if !ok {
			break
		}
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 100, count)
	it.Close()
}

func TestSSTableOpenCorruptFooter(t *testing.T) {
	path := filepath.Join(t.TempDir(), sstableFileName(1))
	require.NoError(t, BuildSSTable(path, testPoints(10), nil, 0))

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err = OpenSSTable(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSSTableOpenBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), sstableFileName(1))
	require.NoError(t, BuildSSTable(path, testPoints(10), nil, 0))

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	copy(buf[:4], "XXXX")
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err = OpenSSTable(path)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestSSTableOpenTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), sstableFileName(1))
	require.NoError(t, os.WriteFile(path, []byte("short"), 0644))
	_, err := OpenSSTable(path)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestSSTableBuildAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, sstableFileName(7))
	require.NoError(t, BuildSSTable(path, testPoints(10), nil, 0))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sstableFileName(7), entries[0].Name())
}

func TestSSTableBloomAccessor(t *testing.T) {
	table := buildTestTable(t, testPoints(50), nil)
	assert.True(t, table.BloomMayContain([]byte("key_0001")))
}
