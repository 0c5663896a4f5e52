package common

// CorruptionPolicy decides what happens when a read completion fails
// checksum or address validation.
type CorruptionPolicy int

const (
	// CorruptionPanic halts the process on a corrupted page.
	CorruptionPanic CorruptionPolicy = iota
	// CorruptionIgnore keeps running; the waiting caller gets an error,
	// never the bad frame.
	CorruptionIgnore
)

// Config holds the buffer pool tunables. The LRU aging and read-ahead
// thresholds are heuristics; the defaults preserve scan resistance
// without being load-bearing exact values.
type Config struct {
	// PoolSizeBytes is the initial total capacity of the pool.
	PoolSizeBytes int64
	// ChunkSizeBytes is the unit of growth and shrink.
	ChunkSizeBytes int64

	// OldRatio is the fraction of the LRU list kept in the "old"
	// sublist. Newly faulted pages enter at the young/old boundary.
	OldRatio float64
	// OldThreshold is the number of evictions that must pass after a
	// block's first access before it may be promoted to the LRU head.
	OldThreshold uint64
	// MakeYoungDistance is the fraction of the LRU length a block must
	// drift toward the tail before a touch moves it back to the head.
	MakeYoungDistance float64

	// ReadAheadLinearRun is the sequential run length that triggers
	// linear read-ahead at an extent boundary.
	ReadAheadLinearRun int
	// ReadAheadRandomResident is the number of resident pages within an
	// extent that triggers random read-ahead of the remainder.
	ReadAheadRandomResident int
	// ReadAheadDisabled turns both heuristics off.
	ReadAheadDisabled bool

	// OnCorruption selects the corruption policy for read completions.
	OnCorruption CorruptionPolicy

	// CompressPages enables the zstd codec on write-back for pages
	// whose payload shrinks enough to be worth storing compressed.
	CompressPages bool
}

// DefaultConfig returns a config with a 64-page pool split into two
// chunks, suitable for embedding and tests.
func DefaultConfig() Config {
	return Config{
		PoolSizeBytes:           64 * PageSize,
		ChunkSizeBytes:          32 * PageSize,
		OldRatio:                0.375,
		OldThreshold:            16,
		MakeYoungDistance:       0.25,
		ReadAheadLinearRun:      48,
		ReadAheadRandomResident: 40,
		OnCorruption:            CorruptionPanic,
	}
}
