// Package config defines the commit pipeline's runtime configuration,
// loaded from CLI flags and environment variables via
// github.com/jessevdk/go-flags using grouped structs with namespace tags.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/estuary/deltakeeper/snapshot"
)

const (
	minUploadPartSize = 5 * 1 << 20   // 5 MiB
	maxUploadPartSize = 5 * 1 << 30   // 5 GiB
	defaultPartSize   = 8 * 1 << 20   // 8 MiB
	uploadPartSizeEnv = "DELTARS_UPLOAD_PART_SIZE"
)

// TableConfig is the flags-parseable form of snapshot.Config, the subset of
// table configuration the commit pipeline and protocol gate consult.
type TableConfig struct {
	AppendOnly              bool     `long:"append-only" env:"APPEND_ONLY" description:"reject data-changing Remove actions"`
	EnableExpiredLogCleanup bool     `long:"enable-expired-log-cleanup" env:"ENABLE_EXPIRED_LOG_CLEANUP" description:"delete log entries past the retention window after each commit"`
	LogRetentionHours       float64  `long:"log-retention-hours" env:"LOG_RETENTION_HOURS" default:"168" description:"how long to retain log entries before they're eligible for cleanup"`
	CheckpointInterval      uint32   `long:"checkpoint-interval" env:"CHECKPOINT_INTERVAL" default:"10" description:"create a checkpoint every N commits"`
	RequireFiles            bool     `long:"require-files" env:"REQUIRE_FILES" description:"the table format requires file-backed checkpoints"`
	NumIndexedCols          int32    `long:"num-indexed-cols" env:"NUM_INDEXED_COLS" default:"32" description:"number of leading schema columns to collect min/max/null-count stats for"`
	StatsColumns            []string `long:"stats-column" env:"STATS_COLUMNS" env-delim:"," description:"explicit allowlist of columns to collect stats for, overriding num-indexed-cols"`
}

// Writer is the partitioned writer's runtime knobs.
type Writer struct {
	WriteBatchSize   int `long:"write-batch-size" env:"WRITE_BATCH_SIZE" default:"4096" description:"rows buffered per partition before a chunk is handed to the encoder"`
	TargetFileSize   int64 `long:"target-file-size" env:"TARGET_FILE_SIZE" default:"134217728" description:"target size in bytes for a flushed partition file"`
	MaxInFlightParts int `long:"max-in-flight-parts" env:"MAX_IN_FLIGHT_PARTS" default:"10" description:"maximum concurrent multipart upload parts per file"`
}

// Config is the top-level configuration object, grouping table and
// writer knobs under their own `namespace`/`env-namespace` prefixes.
type Config struct {
	Table  TableConfig `group:"Table" namespace:"table" env-namespace:"TABLE"`
	Writer Writer      `group:"Writer" namespace:"writer" env-namespace:"WRITER"`
}

// ToSnapshotConfig converts the flags-parsed TableConfig into the
// snapshot.Config the commit pipeline actually consumes.
func (c TableConfig) ToSnapshotConfig() snapshot.Config {
	return snapshot.Config{
		AppendOnly:              c.AppendOnly,
		EnableExpiredLogCleanup: c.EnableExpiredLogCleanup,
		LogRetentionMillis:      int64(c.LogRetentionHours * 3600 * 1000),
		CheckpointInterval:      c.CheckpointInterval,
		RequireFiles:            c.RequireFiles,
		NumIndexedCols:          c.NumIndexedCols,
		StatsColumns:            c.StatsColumns,
	}
}

// UploadPartSize reads DELTARS_UPLOAD_PART_SIZE from the environment,
// clamping it to [5 MiB, 5 GiB], and falling back to defaultPartSize if
// unset or unparseable.
func UploadPartSize() int64 {
	raw := os.Getenv(uploadPartSizeEnv)
	if raw == "" {
		return defaultPartSize
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return defaultPartSize
	}
	return clampPartSize(v)
}

func clampPartSize(v int64) int64 {
	if v < minUploadPartSize {
		return minUploadPartSize
	}
	if v > maxUploadPartSize {
		return maxUploadPartSize
	}
	return v
}

// Validate reports a descriptive error for configuration combinations the
// commit pipeline cannot act on, rather than failing deep inside a hook.
func (c Config) Validate() error {
	if c.Table.EnableExpiredLogCleanup && c.Table.LogRetentionHours <= 0 {
		return fmt.Errorf("config: log-retention-hours must be positive when expired-log cleanup is enabled")
	}
	if c.Writer.WriteBatchSize <= 0 {
		return fmt.Errorf("config: write-batch-size must be positive")
	}
	if c.Writer.MaxInFlightParts <= 0 {
		return fmt.Errorf("config: max-in-flight-parts must be positive")
	}
	return nil
}
