package walseg

import "time"

// Options configures the segmented WAL (spec §6).
type Options struct {
	DirPath string

	SegmentSize        int64
	SyncOnWrite         bool
	BufferSize          int
	CheckpointInterval  time.Duration
	MinSegmentsToKeep   int

	GroupCommitEnabled    bool
	GroupCommitDelayMs    int
	GroupCommitMaxRecords int
	GroupCommitMaxBytes   int64
}

// DefaultOptions returns a balanced configuration: group commit on, fsync
// amortized across a 5ms window or 64 pending records, whichever comes
// first.
func DefaultOptions(dir string) Options {
	return Options{
		DirPath:               dir,
		SegmentSize:           64 * 1024 * 1024,
		SyncOnWrite:           false,
		BufferSize:            64 * 1024,
		CheckpointInterval:    30 * time.Second,
		MinSegmentsToKeep:     2,
		GroupCommitEnabled:    true,
		GroupCommitDelayMs:    5,
		GroupCommitMaxRecords: 64,
		GroupCommitMaxBytes:   1 << 20,
	}
}
