package aeternus

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// CompactionStrategyType selects the compaction strategy family.
type CompactionStrategyType uint8

const (
	// CompactionSTCS is size-tiered compaction.
	CompactionSTCS CompactionStrategyType = iota
)

// Minor returns the family's minor compaction strategy.
func (t CompactionStrategyType) Minor() CompactionStrategy { return stcsMinor{} }

// Tombstone returns the family's tombstone GC strategy.
func (t CompactionStrategyType) Tombstone() CompactionStrategy { return stcsTombstone{} }

// Major returns the family's full-merge strategy.
func (t CompactionStrategyType) Major() CompactionStrategy { return stcsMajor{} }

// CompactionResult carries what a strategy changed: consumed table ids and
// the new table, if one was produced.
type CompactionResult struct {
	RemovedIDs []uint64
	NewSstPath string
	NewSstID   uint64
	HasNew     bool
}

// CompactionStrategy runs one round of compaction when its preconditions are
// met. A (nil, nil) return means there was nothing to do; strategies are
// idempotent.
type CompactionStrategy interface {
	Compact(sstables []*SSTable, manifest *Manifest, dataDir string, config *DbConfig) (*CompactionResult, error)
}

func sstableFileName(id uint64) string {
	return fmt.Sprintf("%06d.sst", id)
}

func sstablePath(dataDir string, id uint64) string {
	return filepath.Join(dataDir, sstableDirName, sstableFileName(id))
}

// ------------------------------------------------------------------------
// Shared plumbing
// ------------------------------------------------------------------------

// fullRangeScan opens streaming scans covering every key and every range
// tombstone of the given tables. The caller must close each returned
// iterator.
func fullRangeScan(tables []*SSTable) []*TableIterator {
	if len(tables) == 0 {
		return nil
	}
	minKey := tables[0].MinKey()
	maxKey := tables[0].MaxKey()
	for _, t := range tables[1:] {
		if bytes.Compare(t.MinKey(), minKey) < 0 {
			minKey = t.MinKey()
		}
		if bytes.Compare(t.MaxKey(), maxKey) > 0 {
			maxKey = t.MaxKey()
		}
	}
	// Extend past the real maximum so the exclusive bound includes it.
	end := append(append([]byte(nil), maxKey...), 0xFF)
	// Range tombstones can reach outside the point-key span.
	for _, t := range tables {
		for _, rt := range t.RangeTombstones() {
			if bytes.Compare(rt.Start, minKey) < 0 {
				minKey = rt.Start
			}
			if bytes.Compare(rt.End, end) > 0 {
				end = rt.End
			}
		}
	}

	iters := make([]*TableIterator, 0, len(tables))
	for _, t := range tables {
		iters = append(iters, t.Scan(minKey, end))
	}
	return iters
}

func closeAll(iters []*TableIterator) {
	for _, it := range iters {
		it.Close()
	}
}

// dedupRecords splits a merged stream into point entries and range
// tombstones, keeping only the highest-LSN version of each key. All
// tombstones are preserved; tables outside the merge set may still hold
// data they suppress.
func dedupRecords(merge recordIterator) ([]PointEntry, []RangeTombstone) {
	var points []PointEntry
	var ranges []RangeTombstone
	var lastKey []byte

	for {
		rec, ok := merge.Next()
		if !ok {
			break
		}
		switch rec.Kind {
		case RecordRangeDelete:
			ranges = append(ranges, RangeTombstone{Start: rec.Start, End: rec.End, LSN: rec.LSN, Timestamp: rec.Timestamp})
		case RecordPut:
			if lastKey != nil && bytes.Equal(lastKey, rec.Key) {
				continue
			}
			lastKey = rec.Key
			points = append(points, PointEntry{Key: rec.Key, Value: rec.Value, LSN: rec.LSN, Timestamp: rec.Timestamp})
		case RecordDelete:
			if lastKey != nil && bytes.Equal(lastKey, rec.Key) {
				continue
			}
			lastKey = rec.Key
			points = append(points, PointEntry{Key: rec.Key, LSN: rec.LSN, Timestamp: rec.Timestamp})
		}
	}
	return points, ranges
}

// finalizeCompaction builds the surviving entries into a new table (if any),
// atomically updates the catalog, checkpoints it, and deletes consumed
// files. Shared by all three strategies.
func finalizeCompaction(manifest *Manifest, dataDir string, removedIDs []uint64, points []PointEntry, ranges []RangeTombstone) (*CompactionResult, error) {
	deleteOld := func() {
		for _, id := range removedIDs {
			path := sstablePath(dataDir, id)
			if err := os.Remove(path); err != nil {
				log.Printf("aeternus: compaction could not remove %s: %v", path, err)
			}
		}
	}

	if len(points) == 0 && len(ranges) == 0 {
		if err := manifest.ApplyCompaction(nil, removedIDs); err != nil {
			return nil, err
		}
		if err := manifest.Checkpoint(); err != nil {
			return nil, err
		}
		deleteOld()
		return &CompactionResult{RemovedIDs: removedIDs}, nil
	}

	newID, err := manifest.AllocateSstID()
	if err != nil {
		return nil, err
	}
	newPath := sstablePath(dataDir, newID)
	if err := BuildSSTable(newPath, points, ranges, uint64(time.Now().UnixNano())); err != nil {
		return nil, err
	}

	if err := manifest.ApplyCompaction([]SstEntry{{ID: newID, Path: newPath}}, removedIDs); err != nil {
		return nil, err
	}
	if err := manifest.Checkpoint(); err != nil {
		return nil, err
	}
	deleteOld()

	return &CompactionResult{
		RemovedIDs: removedIDs,
		NewSstPath: newPath,
		NewSstID:   newID,
		HasNew:     true,
	}, nil
}

// ------------------------------------------------------------------------
// STCS bucketing
// ------------------------------------------------------------------------

// bucketSstables groups tables into size buckets. Tables below
// min_sstable_size share a "small" bucket; the rest, sorted by size, join a
// bucket while their size stays within [avg*bucket_low, avg*bucket_high] of
// its running average.
func bucketSstables(tables []*SSTable, config *DbConfig) [][]int {
	if len(tables) == 0 {
		return nil
	}

	indices := make([]int, len(tables))
	for i := range indices {
		indices[i] = i
	}
	sort.Slice(indices, func(a, b int) bool {
		return tables[indices[a]].FileSize() < tables[indices[b]].FileSize()
	})

	var small, regular []int
	for _, idx := range indices {
		if tables[idx].FileSize() < config.MinSstableSize {
			small = append(small, idx)
		} else {
			regular = append(regular, idx)
		}
	}

	var buckets [][]int
	if len(small) > 0 {
		buckets = append(buckets, small)
	}

	var current []int
	var currentAvg float64
	for _, idx := range regular {
		size := float64(tables[idx].FileSize())
		if len(current) == 0 {
			current = append(current, idx)
			currentAvg = size
			continue
		}
		low := currentAvg * config.BucketLow
		high := currentAvg * config.BucketHigh
		if size >= low && size <= high {
			current = append(current, idx)
			var total float64
			for _, i := range current {
				total += float64(tables[i].FileSize())
			}
			currentAvg = total / float64(len(current))
		} else {
			buckets = append(buckets, current)
			current = []int{idx}
			currentAvg = size
		}
	}
	if len(current) > 0 {
		buckets = append(buckets, current)
	}
	return buckets
}

// selectCompactionBucket picks the fullest bucket meeting min_threshold,
// capped at max_threshold tables.
func selectCompactionBucket(buckets [][]int, config *DbConfig) []int {
	var best []int
	for _, bucket := range buckets {
		if len(bucket) >= config.MinThreshold && len(bucket) > len(best) {
			best = bucket
		}
	}
	if best == nil {
		return nil
	}
	if len(best) > config.MaxThreshold {
		best = best[:config.MaxThreshold]
	}
	return best
}

// ------------------------------------------------------------------------
// Minor compaction
// ------------------------------------------------------------------------

type stcsMinor struct{}

func (stcsMinor) Compact(tables []*SSTable, manifest *Manifest, dataDir string, config *DbConfig) (*CompactionResult, error) {
	buckets := bucketSstables(tables, config)
	selected := selectCompactionBucket(buckets, config)
	if selected == nil {
		return nil, nil
	}

	chosen := make([]*SSTable, 0, len(selected))
	removedIDs := make([]uint64, 0, len(selected))
	for _, idx := range selected {
		chosen = append(chosen, tables[idx])
		removedIDs = append(removedIDs, tables[idx].ID())
	}
	log.Printf("aeternus: minor compaction merging %d tables %v", len(chosen), removedIDs)

	iters := fullRangeScan(chosen)
	defer closeAll(iters)
	sources := make([]recordIterator, len(iters))
	for i, it := range iters {
		sources[i] = it
	}
	points, ranges := dedupRecords(newMergeIterator(sources))

	return finalizeCompaction(manifest, dataDir, removedIDs, points, ranges)
}

// ------------------------------------------------------------------------
// Tombstone compaction
// ------------------------------------------------------------------------

type stcsTombstone struct{}

func (stcsTombstone) Compact(tables []*SSTable, manifest *Manifest, dataDir string, config *DbConfig) (*CompactionResult, error) {
	targetIdx := selectTombstoneCandidate(tables, config)
	if targetIdx < 0 {
		return nil, nil
	}
	target := tables[targetIdx]
	log.Printf("aeternus: tombstone compaction rewriting table %d (%d tombstones / %d records)",
		target.ID(), target.TombstoneCount()+target.RangeTombstoneCount(), target.RecordCount())

	result, err := executeTombstone(tables, targetIdx, manifest, dataDir, config)
	if err != nil {
		return nil, err
	}
	if len(result.RemovedIDs) == 0 {
		// Candidate held no droppable tombstone; report nothing to do so
		// callers do not loop on rewrites.
		return nil, nil
	}
	return result, nil
}

// selectTombstoneCandidate picks the highest-ratio table old enough and
// tombstone-heavy enough to rewrite, or -1.
func selectTombstoneCandidate(tables []*SSTable, config *DbConfig) int {
	nowSecs := uint64(time.Now().Unix())

	best := -1
	var bestRatio float64
	for i, t := range tables {
		creationSecs := t.CreationTimestamp() / 1_000_000_000
		var age uint64
		if nowSecs > creationSecs {
			age = nowSecs - creationSecs
		}
		if age < config.TombstoneCompactionInterval {
			continue
		}
		total := t.TombstoneCount() + t.RangeTombstoneCount()
		if total == 0 {
			continue
		}
		ratio := float64(total) / float64(max(t.RecordCount(), 1))
		if ratio < config.TombstoneRatioThreshold {
			continue
		}
		if best < 0 || ratio > bestRatio {
			best, bestRatio = i, ratio
		}
	}
	return best
}

func executeTombstone(tables []*SSTable, targetIdx int, manifest *Manifest, dataDir string, config *DbConfig) (*CompactionResult, error) {
	target := tables[targetIdx]

	// A tombstone only suppresses data in strictly older tables; newer
	// versions of a key already shadow it.
	var older []*SSTable
	for i, t := range tables {
		if i != targetIdx && t.ID() < target.ID() {
			older = append(older, t)
		}
	}

	scan := fullRangeScan([]*SSTable{target})[0]
	defer scan.Close()

	var points []PointEntry
	var ranges []RangeTombstone
	var rangeCandidates []RangeTombstone
	var lastKey []byte
	dropped := false

	for {
		rec, ok := scan.Next()
		if !ok {
			break
		}
		switch rec.Kind {
		case RecordPut:
			if lastKey != nil && bytes.Equal(lastKey, rec.Key) {
				dropped = true
				continue
			}
			lastKey = rec.Key
			points = append(points, PointEntry{Key: rec.Key, Value: rec.Value, LSN: rec.LSN, Timestamp: rec.Timestamp})

		case RecordDelete:
			if lastKey != nil && bytes.Equal(lastKey, rec.Key) {
				dropped = true
				continue
			}
			lastKey = rec.Key
			safe, err := canDropPointTombstone(rec.Key, older, config)
			if err != nil {
				return nil, err
			}
			if safe {
				dropped = true
				continue
			}
			points = append(points, PointEntry{Key: rec.Key, LSN: rec.LSN, Timestamp: rec.Timestamp})

		case RecordRangeDelete:
			rt := RangeTombstone{Start: rec.Start, End: rec.End, LSN: rec.LSN, Timestamp: rec.Timestamp}
			if config.TombstoneRangeDrop {
				// Deferred to a second pass: puts inside this table can
				// still be covered, and they are only all known at the end.
				rangeCandidates = append(rangeCandidates, rt)
			} else {
				ranges = append(ranges, rt)
			}
		}
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}

	for _, rt := range rangeCandidates {
		safeInOlder, err := canDropRangeTombstone(rt.Start, rt.End, rt.LSN, older)
		if err != nil {
			return nil, err
		}
		coversOwnPut := false
		if safeInOlder {
			for i := range points {
				p := &points[i]
				if !p.IsDelete() && rt.Covers(p.Key) && p.LSN < rt.LSN {
					coversOwnPut = true
					break
				}
			}
		}
		if safeInOlder && !coversOwnPut {
			dropped = true
		} else {
			ranges = append(ranges, rt)
		}
	}

	if !dropped {
		return &CompactionResult{}, nil
	}
	return finalizeCompaction(manifest, dataDir, []uint64{target.ID()}, points, ranges)
}

// canDropPointTombstone reports whether no older table could hold a live
// version of key. Bloom filters screen; a "maybe" resolves via an actual get
// when tombstone_bloom_fallback is on, otherwise the tombstone is kept.
func canDropPointTombstone(key []byte, older []*SSTable, config *DbConfig) (bool, error) {
	for _, t := range older {
		if !t.BloomMayContain(key) {
			continue
		}
		if !config.TombstoneBloomFallback {
			return false, nil
		}
		res, err := t.Get(key)
		if err != nil {
			return false, err
		}
		if res.Kind != LookupNotFound {
			return false, nil
		}
	}
	return true, nil
}

// canDropRangeTombstone reports whether no older table holds a point record
// in [start, end) with an LSN below the tombstone's.
func canDropRangeTombstone(start, end []byte, tombstoneLSN uint64, older []*SSTable) (bool, error) {
	for _, t := range older {
		if bytes.Compare(t.MaxKey(), start) < 0 || bytes.Compare(t.MinKey(), end) >= 0 {
			continue
		}
		scan := t.Scan(start, end)
		for {
			rec, ok := scan.Next()
			if !ok {
				break
			}
			if rec.Kind == RecordRangeDelete {
				continue
			}
			if rec.LSN < tombstoneLSN {
				scan.Close()
				return false, nil
			}
		}
		err := scan.Err()
		scan.Close()
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// ------------------------------------------------------------------------
// Major compaction
// ------------------------------------------------------------------------

type stcsMajor struct{}

func (stcsMajor) Compact(tables []*SSTable, manifest *Manifest, dataDir string, config *DbConfig) (*CompactionResult, error) {
	if len(tables) < 2 {
		return nil, nil
	}
	removedIDs := make([]uint64, 0, len(tables))
	for _, t := range tables {
		removedIDs = append(removedIDs, t.ID())
	}
	log.Printf("aeternus: major compaction merging %d tables %v", len(tables), removedIDs)

	// Every range tombstone is needed up front: coverage decisions happen
	// while the merged stream is still flowing.
	var allRanges []RangeTombstone
	for _, t := range tables {
		allRanges = append(allRanges, t.RangeTombstones()...)
	}

	iters := fullRangeScan(tables)
	defer closeAll(iters)
	sources := make([]recordIterator, len(iters))
	for i, it := range iters {
		sources[i] = it
	}
	merge := newMergeIterator(sources)

	var points []PointEntry
	var lastKey []byte
	for {
		rec, ok := merge.Next()
		if !ok {
			break
		}
		switch rec.Kind {
		case RecordRangeDelete:
			// Dropped outright; its effect lands via suppression below.
		case RecordDelete:
			if lastKey != nil && bytes.Equal(lastKey, rec.Key) {
				continue
			}
			lastKey = rec.Key
			// Nothing older remains for a point tombstone to suppress.
		case RecordPut:
			if lastKey != nil && bytes.Equal(lastKey, rec.Key) {
				continue
			}
			lastKey = rec.Key
			if rangeSuppresses(rec.Key, rec.LSN, allRanges) {
				continue
			}
			points = append(points, PointEntry{Key: rec.Key, Value: rec.Value, LSN: rec.LSN, Timestamp: rec.Timestamp})
		}
	}

	// Major output carries no tombstones of either kind.
	return finalizeCompaction(manifest, dataDir, removedIDs, points, nil)
}

func rangeSuppresses(key []byte, putLSN uint64, ranges []RangeTombstone) bool {
	for i := range ranges {
		if ranges[i].Covers(key) && ranges[i].LSN > putLSN {
			return true
		}
	}
	return false
}
