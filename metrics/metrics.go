// Package metrics exports Prometheus counters mirroring the commit
// pipeline's Metrics value, as a side-channel observability export
// alongside the authoritative in-struct Metrics returned to callers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Retries counts every install attempt lost to a concurrent writer's
	// version race, across all pipelines in this process (including a
	// final lost attempt after which the retry budget is exhausted).
	Retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deltakeeper",
		Subsystem: "commit",
		Name:      "retries_total",
		Help:      "Number of install attempts the commit pipeline lost to a concurrent writer's version race.",
	})

	// CheckpointsCreated counts successful checkpoint hook invocations.
	CheckpointsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deltakeeper",
		Subsystem: "commit",
		Name:      "checkpoints_created_total",
		Help:      "Number of checkpoints created by the post-commit hook.",
	})

	// LogFilesCleaned counts log files removed by the expired-log GC hook.
	LogFilesCleaned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deltakeeper",
		Subsystem: "commit",
		Name:      "log_files_cleaned_total",
		Help:      "Number of expired log files removed by the post-commit GC hook.",
	})

	// CommitConflicts counts terminal conflict-checker failures, labeled by
	// the specific rule that fired.
	CommitConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltakeeper",
		Subsystem: "commit",
		Name:      "conflicts_total",
		Help:      "Number of commits that failed the conflict checker, by rule.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(Retries, CheckpointsCreated, LogFilesCleaned, CommitConflicts)
}

// Metrics is the authoritative per-pipeline-run metrics value returned to
// the caller by FinalizedCommit.
type Metrics struct {
	NumRetries           int
	NewCheckpointCreated bool
	NumLogFilesCleanedUp int
}
