package aeternus

import "fmt"

// Configuration defaults.
const (
	DefaultWriteBufferSize = 16 * 1024 * 1024
	DefaultMinSstableSize  = 4 * 1024 * 1024
	DefaultMaxRecordSize   = 64 * 1024 * 1024
)

// DbConfig carries every tunable the engine honors. Validate runs before
// open proceeds.
type DbConfig struct {
	// WriteBufferSize is the memtable freeze threshold in bytes.
	WriteBufferSize int

	// CompactionStrategy selects the strategy family.
	CompactionStrategy CompactionStrategyType

	// BucketLow is the STCS lower size multiplier (0 < x <= 1).
	BucketLow float64

	// BucketHigh is the STCS upper size multiplier (>= 1).
	BucketHigh float64

	// MinSstableSize is the small-bucket threshold in bytes.
	MinSstableSize uint64

	// MinThreshold is the minimum tables per bucket to compact.
	MinThreshold int

	// MaxThreshold caps the tables merged per compaction.
	MaxThreshold int

	// TombstoneRatioThreshold triggers tombstone GC (0 < x <= 1).
	TombstoneRatioThreshold float64

	// TombstoneCompactionInterval is the minimum table age in seconds
	// before tombstone GC considers it.
	TombstoneCompactionInterval uint64

	// TombstoneBloomFallback resolves bloom "maybe" answers with a real get.
	TombstoneBloomFallback bool

	// TombstoneRangeDrop allows range-tombstone GC.
	TombstoneRangeDrop bool

	// ThreadPoolSize is the number of background workers.
	ThreadPoolSize int

	// MaxRecordSize caps one WAL record's encoded size.
	MaxRecordSize uint32
}

// DefaultConfig returns a config that passes validation.
func DefaultConfig() DbConfig {
	return DbConfig{
		WriteBufferSize:             DefaultWriteBufferSize,
		CompactionStrategy:          CompactionSTCS,
		BucketLow:                   0.5,
		BucketHigh:                  1.5,
		MinSstableSize:              DefaultMinSstableSize,
		MinThreshold:                4,
		MaxThreshold:                32,
		TombstoneRatioThreshold:     0.2,
		TombstoneCompactionInterval: 86400,
		TombstoneBloomFallback:      true,
		TombstoneRangeDrop:          true,
		ThreadPoolSize:              2,
		MaxRecordSize:               DefaultMaxRecordSize,
	}
}

// Validate checks every constraint of the configuration table.
func (c *DbConfig) Validate() error {
	if c.WriteBufferSize <= 0 {
		return fmt.Errorf("write_buffer_size %d must be > 0: %w", c.WriteBufferSize, ErrInvalidConfig)
	}
	if c.CompactionStrategy != CompactionSTCS {
		return fmt.Errorf("compaction_strategy %d unknown: %w", c.CompactionStrategy, ErrInvalidConfig)
	}
	if c.BucketLow <= 0 || c.BucketLow > 1 {
		return fmt.Errorf("bucket_low %v must be in (0, 1]: %w", c.BucketLow, ErrInvalidConfig)
	}
	if c.BucketHigh < 1 {
		return fmt.Errorf("bucket_high %v must be >= 1: %w", c.BucketHigh, ErrInvalidConfig)
	}
	if c.MinSstableSize == 0 {
		return fmt.Errorf("min_sstable_size must be > 0: %w", ErrInvalidConfig)
	}
	if c.MinThreshold < 2 {
		return fmt.Errorf("min_threshold %d must be >= 2: %w", c.MinThreshold, ErrInvalidConfig)
	}
	if c.MaxThreshold < c.MinThreshold {
		return fmt.Errorf("max_threshold %d must be >= min_threshold %d: %w", c.MaxThreshold, c.MinThreshold, ErrInvalidConfig)
	}
	if c.TombstoneRatioThreshold <= 0 || c.TombstoneRatioThreshold > 1 {
		return fmt.Errorf("tombstone_ratio_threshold %v must be in (0, 1]: %w", c.TombstoneRatioThreshold, ErrInvalidConfig)
	}
	if c.ThreadPoolSize < 1 {
		return fmt.Errorf("thread_pool_size %d must be >= 1: %w", c.ThreadPoolSize, ErrInvalidConfig)
	}
	if c.MaxRecordSize == 0 {
		return fmt.Errorf("max_record_size must be > 0: %w", ErrInvalidConfig)
	}
	return nil
}
