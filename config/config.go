package config

import "time"

// Config is the coordinator's process-level configuration, loaded from a
// TOML file the way the engine's own server config is.
type Config struct {
	PDAddrs   []string `toml:"pd-addrs"`
	StoreAddr string   `toml:"store-addr"`
	LogLevel  string   `toml:"log-level"`
	LogFile   string   `toml:"log-file"`
	MaxProcs  int      `toml:"max-procs"` // Max CPU cores to use, set 0 to use all CPU cores in the machine.

	Write WriteOptions `toml:"write"` // Write options.
}

// WriteOptions mirrors spec.md §6's per-write option table. Every field
// has a zero value that is safe, so a caller can start from DefaultConf
// and only override what it needs.
type WriteOptions struct {
	Replace                bool   `toml:"replace"`
	UseTableLock           bool   `toml:"use-table-lock"`
	OverrideTableLock      bool   `toml:"override-table-lock"` // proceed without a lock if unsupported
	EnableRegionSplit      bool   `toml:"enable-region-split"`
	RegionSplitNum         int    `toml:"region-split-num"`
	WriteConcurrency       int    `toml:"write-concurrency"`
	SnapshotBatchGetSize   int    `toml:"snapshot-batch-get-size"`
	SkipCommitSecondaryKey bool   `toml:"skip-commit-secondary-key"`
	TTLUpdateEnabled       bool   `toml:"ttl-update-enabled"`
	LockTTLSeconds         uint64 `toml:"lock-ttl-seconds"`
	SideChannelURL         string `toml:"side-channel-url"`
	IsTest                 bool   `toml:"-"` // test-only, never loaded from file

	SleepAfterPrewritePrimaryKey   time.Duration `toml:"-"`
	SleepAfterPrewriteSecondaryKey time.Duration `toml:"-"`
	SleepAfterGetCommitTS          time.Duration `toml:"-"`
}

// DefaultConf holds the coordinator's out-of-the-box defaults, mirroring
// how the engine ships a ready-to-run DefaultConf of its own.
var DefaultConf = Config{
	PDAddrs:   []string{"127.0.0.1:2379"},
	StoreAddr: "127.0.0.1:9191",
	LogLevel:  "info",
	MaxProcs:  0,
	Write: WriteOptions{
		Replace:              false,
		UseTableLock:         true,
		EnableRegionSplit:    true,
		RegionSplitNum:       16,
		WriteConcurrency:     8,
		SnapshotBatchGetSize: 4096,
		TTLUpdateEnabled:     true,
		LockTTLSeconds:       10,
	},
}
