// Package config loads the single YAML file spec §6 describes as the
// source of the pager/WAL/transaction/raft option blocks, the way
// cuemby/warren loads its cluster config with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so the YAML file can write "150ms" instead
// of a raw nanosecond integer: time.Duration has no UnmarshalYAML of its
// own, so yaml.v3 would otherwise reject a duration string as "cannot
// unmarshal !!str into time.Duration".
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// SyncMode mirrors pkg/pager.SyncMode in string form so the YAML file
// stays human-editable (`none`/`normal`/`full`) instead of a bare int.
type SyncMode string

const (
	SyncNone   SyncMode = "none"
	SyncNormal SyncMode = "normal"
	SyncFull   SyncMode = "full"
)

// IsolationLevel mirrors pkg/txn.Isolation in string form for the same
// reason.
type IsolationLevel string

const (
	IsolationReadUncommitted IsolationLevel = "read_uncommitted"
	IsolationReadCommitted   IsolationLevel = "read_committed"
	IsolationRepeatableRead  IsolationLevel = "repeatable_read"
	IsolationSerializable    IsolationLevel = "serializable"
)

// PagerConfig is spec §6's Pager option block.
type PagerConfig struct {
	MaxFileSize     int64    `yaml:"max_file_size"`
	EnableChecksums bool     `yaml:"enable_checksums"`
	SyncMode        SyncMode `yaml:"sync_mode"`
	DirectIO        bool     `yaml:"direct_io"`
}

// WALConfig is spec §6's WAL option block.
type WALConfig struct {
	SegmentSize           int64    `yaml:"segment_size"`
	SyncOnWrite           bool     `yaml:"sync_on_write"`
	BufferSize            int      `yaml:"buffer_size"`
	CheckpointInterval    Duration `yaml:"checkpoint_interval"`
	MinSegmentsToKeep     int      `yaml:"min_segments_to_keep"`
	GroupCommitDelayMs    int      `yaml:"group_commit_delay_ms"`
	GroupCommitMaxRecords int      `yaml:"group_commit_max_records"`
	GroupCommitMaxBytes   int64    `yaml:"group_commit_max_bytes"`
}

// TransactionConfig is spec §6's Transaction option block.
type TransactionConfig struct {
	DefaultTimeout   Duration       `yaml:"default_timeout"`
	DefaultIsolation IsolationLevel `yaml:"default_isolation"`
}

// RaftConfig is spec §6's Raft option block. Lease duration is derived
// (3x heartbeat), not configured directly, per spec §4.8.
type RaftConfig struct {
	ElectionTimeoutMin Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
}

// Config is the top-level document loaded from a single YAML file.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Pager       PagerConfig       `yaml:"pager"`
	WAL         WALConfig         `yaml:"wal"`
	Transaction TransactionConfig `yaml:"transaction"`
	Raft        RaftConfig        `yaml:"raft"`
}

// DefaultConfig mirrors the teacher's DefaultOptions-per-subsystem
// pattern, composed into one document.
func DefaultConfig() Config {
	return Config{
		DataDir: "./data",
		Pager: PagerConfig{
			MaxFileSize:     1 << 34,
			EnableChecksums: true,
			SyncMode:        SyncNormal,
		},
		WAL: WALConfig{
			SegmentSize:           64 * 1024 * 1024,
			SyncOnWrite:           false,
			BufferSize:            64 * 1024,
			CheckpointInterval:    Duration(30 * time.Second),
			MinSegmentsToKeep:     2,
			GroupCommitDelayMs:    5,
			GroupCommitMaxRecords: 64,
			GroupCommitMaxBytes:   1 << 20,
		},
		Transaction: TransactionConfig{
			DefaultTimeout:   Duration(30 * time.Second),
			DefaultIsolation: IsolationReadCommitted,
		},
		Raft: RaftConfig{
			ElectionTimeoutMin: Duration(150 * time.Millisecond),
			ElectionTimeoutMax: Duration(300 * time.Millisecond),
			HeartbeatInterval:  Duration(50 * time.Millisecond),
		},
	}
}

// Load reads path, starting from DefaultConfig and overlaying whatever the
// file sets — a field the file omits keeps its default instead of zeroing
// out.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the cross-field invariants spec §6 implies (election
// window ordering, a positive heartbeat).
func (c Config) Validate() error {
	if c.Raft.ElectionTimeoutMax.Duration() < c.Raft.ElectionTimeoutMin.Duration() {
		return fmt.Errorf("raft.election_timeout_max must be >= election_timeout_min")
	}
	if c.Raft.HeartbeatInterval.Duration() <= 0 {
		return fmt.Errorf("raft.heartbeat_interval must be positive")
	}
	if c.WAL.MinSegmentsToKeep < 1 {
		return fmt.Errorf("wal.min_segments_to_keep must be >= 1")
	}
	return nil
}
