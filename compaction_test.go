package aeternus

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type compactionEnv struct {
	dataDir  string
	manifest *Manifest
	config   DbConfig
	tables   []*SSTable
}

func newCompactionEnv(t *testing.T) *compactionEnv {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, sstableDirName), 0755))
	m, err := OpenManifest(dir)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	config := DefaultConfig()
	config.MinThreshold = 2
	config.TombstoneCompactionInterval = 0
	config.TombstoneRatioThreshold = 0.1
	return &compactionEnv{dataDir: dir, manifest: m, config: config}
}

func (env *compactionEnv) addTable(t *testing.T, points []PointEntry, ranges []RangeTombstone) *SSTable {
	t.Helper()
	id, err := env.manifest.AllocateSstID()
	require.NoError(t, err)
	path := sstablePath(env.dataDir, id)
	require.NoError(t, BuildSSTable(path, points, ranges, uint64(time.Now().UnixNano())))
	require.NoError(t, env.manifest.AddSstable(SstEntry{ID: id, Path: path}))

	table, err := OpenSSTable(path)
	require.NoError(t, err)
	table.SetID(id)
	t.Cleanup(table.Release)
	env.tables = append(env.tables, table)
	return table
}

func (env *compactionEnv) openResult(t *testing.T, result *CompactionResult) *SSTable {
	t.Helper()
	require.True(t, result.HasNew)
	table, err := OpenSSTable(result.NewSstPath)
	require.NoError(t, err)
	table.SetID(result.NewSstID)
	t.Cleanup(table.Release)
	return table
}

func pe(key, value string, lsn uint64) PointEntry {
	p := PointEntry{Key: []byte(key), LSN: lsn, Timestamp: lsn}
	if value != "" {
		p.Value = []byte(value)
	}
	return p
}

// ------------------------------------------------------------------------
// Bucketing
// ------------------------------------------------------------------------

func TestBucketSstablesSmallBucket(t *testing.T) {
	env := newCompactionEnv(t)
	for i := 0; i < 3; i++ {
		env.addTable(t, []PointEntry{pe(fmt.Sprintf("k%d", i), "v", uint64(i+1))}, nil)
	}
	env.config.MinSstableSize = 1 << 30 // everything is "small"

	buckets := bucketSstables(env.tables, &env.config)
	require.Len(t, buckets, 1)
	assert.Len(t, buckets[0], 3)
}

func TestBucketSstablesSplitsDissimilarSizes(t *testing.T) {
	env := newCompactionEnv(t)
	// Two tiny tables and one much larger one.
	env.addTable(t, []PointEntry{pe("a", "v", 1)}, nil)
	env.addTable(t, []PointEntry{pe("b", "v", 2)}, nil)
	env.addTable(t, testPoints(2000), nil)
	env.config.MinSstableSize = 1 // nothing is "small"
	env.config.BucketLow = 0.5
	env.config.BucketHigh = 1.5

	buckets := bucketSstables(env.tables, &env.config)
	require.Len(t, buckets, 2)
	assert.Len(t, buckets[0], 2)
	assert.Len(t, buckets[1], 1)
}

func TestSelectCompactionBucket(t *testing.T) {
	config := DefaultConfig()
	config.MinThreshold = 2
	config.MaxThreshold = 3

	assert.Nil(t, selectCompactionBucket([][]int{{0}}, &config))

	selected := selectCompactionBucket([][]int{{0}, {1, 2}, {3, 4, 5, 6}}, &config)
	// Fullest qualifying bucket wins, capped at max_threshold.
	assert.Equal(t, []int{3, 4, 5}, selected)
}

// ------------------------------------------------------------------------
// Minor
// ------------------------------------------------------------------------

func TestMinorCompactionMergesBucket(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("a", "old", 1), pe("b", "b1", 2)}, nil)
	env.addTable(t, []PointEntry{pe("a", "new", 5), pe("c", "c1", 6)}, nil)
	env.config.MinSstableSize = 1 << 30

	result, err := stcsMinor{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.ElementsMatch(t, []uint64{1, 2}, result.RemovedIDs)

	merged := env.openResult(t, result)
	assert.Equal(t, uint64(3), merged.RecordCount())

	l, err := merged.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), l.Value)

	// Consumed files are gone; the catalog lists only the new table.
	assert.NoFileExists(t, sstablePath(env.dataDir, 1))
	assert.NoFileExists(t, sstablePath(env.dataDir, 2))
	entries := env.manifest.SSTables()
	require.Len(t, entries, 1)
	assert.Equal(t, result.NewSstID, entries[0].ID)
}

func TestMinorCompactionPreservesTombstones(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("dead", "", 3), pe("live", "v", 4)},
		[]RangeTombstone{{Start: []byte("x"), End: []byte("z"), LSN: 5}})
	env.addTable(t, []PointEntry{pe("other", "v", 6)}, nil)
	env.config.MinSstableSize = 1 << 30

	result, err := stcsMinor{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	require.NotNil(t, result)

	merged := env.openResult(t, result)
	// Another table outside the merge set could still hold covered data, so
	// both tombstone kinds survive a minor merge.
	assert.Equal(t, uint64(1), merged.TombstoneCount())
	assert.Equal(t, uint64(1), merged.RangeTombstoneCount())
}

func TestMinorCompactionNothingToDo(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("a", "v", 1)}, nil)
	env.config.MinSstableSize = 1 << 30
	env.config.MinThreshold = 2

	result, err := stcsMinor{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	assert.Nil(t, result)
}

// ------------------------------------------------------------------------
// Tombstone GC
// ------------------------------------------------------------------------

func TestTombstoneCompactionDropsSafeTombstones(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("kept_key", "v", 1)}, nil) // older, id 1
	env.addTable(t, []PointEntry{
		pe("kept_key", "", 10),    // suppresses data in the older table: kept
		pe("phantom_key", "", 11), // nothing older could hold it: dropped
	}, nil)
	env.config.TombstoneBloomFallback = true

	result, err := stcsTombstone{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []uint64{2}, result.RemovedIDs)

	rewritten := env.openResult(t, result)
	assert.Equal(t, uint64(1), rewritten.RecordCount())
	assert.Equal(t, uint64(1), rewritten.TombstoneCount())

	l, err := rewritten.Get([]byte("kept_key"))
	require.NoError(t, err)
	assert.Equal(t, LookupDelete, l.Kind)
}

func TestTombstoneCompactionNothingDroppable(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("k", "v", 1)}, nil)
	env.addTable(t, []PointEntry{pe("k", "", 10)}, nil) // must stay

	result, err := stcsTombstone{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	// Candidate selected but no tombstone droppable: reported as nothing to
	// do so callers do not loop on rewrites.
	assert.Nil(t, result)
	assert.FileExists(t, sstablePath(env.dataDir, 2))
}

func TestTombstoneCompactionRangeDrop(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("outside", "v", 1)}, nil)
	// The range covers no older keys and no lower-LSN put of its own table.
	env.addTable(t, []PointEntry{pe("qa", "keep", 8), pe("qq", "", 9)},
		[]RangeTombstone{{Start: []byte("ra"), End: []byte("rz"), LSN: 10}})
	env.config.TombstoneRangeDrop = true
	env.config.TombstoneBloomFallback = true

	result, err := stcsTombstone{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	require.NotNil(t, result)

	rewritten := env.openResult(t, result)
	assert.Equal(t, uint64(0), rewritten.RangeTombstoneCount())
	assert.Equal(t, uint64(1), rewritten.RecordCount())
}

func TestTombstoneCompactionRangeKeptWhenCoveringOlderData(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("rm", "v", 1)}, nil) // live key inside the range
	env.addTable(t, []PointEntry{pe("phantom", "", 9)},
		[]RangeTombstone{{Start: []byte("ra"), End: []byte("rz"), LSN: 10}})
	env.config.TombstoneRangeDrop = true
	env.config.TombstoneBloomFallback = true

	result, err := stcsTombstone{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	require.NotNil(t, result)

	rewritten := env.openResult(t, result)
	// The phantom point tombstone dropped, but the range still suppresses
	// "rm" in the older table.
	assert.Equal(t, uint64(1), rewritten.RangeTombstoneCount())
}

func TestTombstoneCompactionRespectsAge(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("a", "", 1)}, nil)
	env.config.TombstoneCompactionInterval = 3600 // freshly built tables are too young

	result, err := stcsTombstone{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	assert.Nil(t, result)
}

// ------------------------------------------------------------------------
// Major
// ------------------------------------------------------------------------

func TestMajorCompactionRequiresTwoTables(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("a", "v", 1)}, nil)

	result, err := stcsMajor{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestMajorCompactionDropsAllTombstones(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("a", "a1", 1), pe("b", "b1", 2), pe("rm", "gone", 3)}, nil)
	env.addTable(t, []PointEntry{pe("a", "a2", 10), pe("b", "", 11)},
		[]RangeTombstone{{Start: []byte("rl"), End: []byte("rn"), LSN: 12}})

	result, err := stcsMajor{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.ElementsMatch(t, []uint64{1, 2}, result.RemovedIDs)

	merged := env.openResult(t, result)
	// "a" keeps its newest version, "b" was point-deleted, "rm" was range
	// covered; no tombstone of either kind survives a full merge.
	assert.Equal(t, uint64(1), merged.RecordCount())
	assert.Equal(t, uint64(0), merged.TombstoneCount())
	assert.Equal(t, uint64(0), merged.RangeTombstoneCount())

	l, err := merged.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a2"), l.Value)
}

func TestMajorCompactionAllEliminated(t *testing.T) {
	env := newCompactionEnv(t)
	env.addTable(t, []PointEntry{pe("x", "v", 1)}, nil)
	env.addTable(t, nil, []RangeTombstone{{Start: []byte("a"), End: []byte("zz"), LSN: 9}})

	result, err := stcsMajor{}.Compact(env.tables, env.manifest, env.dataDir, &env.config)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.HasNew)
	assert.Empty(t, env.manifest.SSTables())
	assert.NoFileExists(t, sstablePath(env.dataDir, 1))
	assert.NoFileExists(t, sstablePath(env.dataDir, 2))
}

func TestDedupRecordsKeepsHighestLSN(t *testing.T) {
	records := []Record{
		{Kind: RecordRangeDelete, Start: []byte("a"), End: []byte("b"), LSN: 9, Timestamp: 1},
		{Kind: RecordPut, Key: []byte("k"), Value: []byte("new"), LSN: 5, Timestamp: 2},
		{Kind: RecordPut, Key: []byte("k"), Value: []byte("old"), LSN: 2, Timestamp: 3},
		{Kind: RecordDelete, Key: []byte("z"), LSN: 7, Timestamp: 4},
	}
	points, ranges := dedupRecords(newSliceIterator(records))
	require.Len(t, points, 2)
	assert.Equal(t, []byte("new"), points[0].Value)
	assert.True(t, points[1].IsDelete())
	require.Len(t, ranges, 1)
}
