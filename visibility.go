package aeternus

import (
	"bytes"
)

// visibilityFilter reduces a merged (key asc, lsn desc) record stream to the
// live key-value pairs in one pass:
//
//   - RangeDelete records accumulate and are never emitted; a later Put is
//     suppressed when some accumulated tombstone covers its key with a
//     strictly greater LSN.
//   - Delete records mark their key handled, suppressing older versions.
//   - The first surviving version of each key wins; later (lower-LSN)
//     versions of the same key are dropped.
type visibilityFilter struct {
	input      recordIterator
	currentKey []byte
	ranges     []RangeTombstone
}

func newVisibilityFilter(input recordIterator) *visibilityFilter {
	return &visibilityFilter{input: input}
}

// Next returns the next visible (key, value) pair.
func (f *visibilityFilter) Next() ([]byte, []byte, bool) {
	for {
		rec, ok := f.input.Next()
		if !ok {
			return nil, nil, false
		}
		switch rec.Kind {
		case RecordRangeDelete:
			f.ranges = append(f.ranges, RangeTombstone{Start: rec.Start, End: rec.End, LSN: rec.LSN, Timestamp: rec.Timestamp})

		case RecordDelete:
			f.currentKey = rec.Key

		case RecordPut:
			if f.currentKey != nil && bytes.Equal(f.currentKey, rec.Key) {
				continue // older version of a handled key
			}
			f.currentKey = rec.Key

			suppressed := false
			for i := range f.ranges {
				rt := &f.ranges[i]
				if rt.Covers(rec.Key) && rt.LSN > rec.LSN {
					suppressed = true
					break
				}
			}
			if suppressed {
				continue
			}
			return rec.Key, rec.Value, true
		}
	}
}
