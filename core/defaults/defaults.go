// Package defaults centralizes the compiled-in default configuration values of
// the Bramble SDK. Applications that leave a configuration field at its zero
// value get the constant declared here. The values are immutable for the
// lifetime of the process.
package defaults

import (
	"math"
	"time"
)

// Log file configuration defaults.
const (
	// LogFileUsePlaintext selects the log file encoding. False means the
	// compact binary record encoding is written instead of plaintext lines.
	LogFileUsePlaintext = false

	// LogFileMaxSize is the size in bytes at which the active log file is
	// rotated (512 KiB).
	LogFileMaxSize = 524288

	// LogFileMaxRotateCount is the number of rotated files retained beside
	// the active one (2 files total including the active log).
	LogFileMaxRotateCount = 1
)

// Full-text index configuration defaults.
const (
	// FullTextIndexIgnoreAccents controls whether accents and ligatures are
	// stripped when tokenizing for full-text search.
	FullTextIndexIgnoreAccents = false
)

// Replicator configuration defaults.
const (
	// ReplicatorType is the default replication direction: bidirectional.
	ReplicatorType = "pushAndPull"

	// ReplicatorContinuous selects one-shot replication; the replicator
	// stops after the initial set of changes has been processed.
	ReplicatorContinuous = false

	// ReplicatorHeartbeat is the interval between keep-alive messages on an
	// open replication connection.
	ReplicatorHeartbeat = 300 * time.Second

	// ReplicatorMaxAttemptsSingleShot is the attempt limit for one-shot
	// replicators. The initial connect counts toward the limit.
	ReplicatorMaxAttemptsSingleShot uint = 10

	// ReplicatorMaxAttemptsContinuous is the attempt limit for continuous
	// replicators: never give up unless explicitly stopped.
	ReplicatorMaxAttemptsContinuous uint = math.MaxUint32

	// ReplicatorMaxAttemptWaitTime is the longest wait between retry
	// attempts; backoff doubles up to this cap.
	ReplicatorMaxAttemptWaitTime = 300 * time.Second

	// ReplicatorDisableAutoPurge keeps automatic purge enabled: documents a
	// user loses access to are removed from the local database.
	ReplicatorDisableAutoPurge = false

	// ReplicatorAcceptParentCookies rejects cookies whose domain is a
	// parent domain of the remote host unless explicitly enabled.
	ReplicatorAcceptParentCookies = false
)

// Registry returns a snapshot of every default as a name-to-value map, for
// diagnostics output. The result is a fresh map on every call and always holds
// the same entries.
func Registry() map[string]any {
	return map[string]any{
		"logFile.usePlaintext":             LogFileUsePlaintext,
		"logFile.maxSize":                  LogFileMaxSize,
		"logFile.maxRotateCount":           LogFileMaxRotateCount,
		"fullTextIndex.ignoreAccents":      FullTextIndexIgnoreAccents,
		"replicator.type":                  ReplicatorType,
		"replicator.continuous":            ReplicatorContinuous,
		"replicator.heartbeat":             ReplicatorHeartbeat,
		"replicator.maxAttemptsSingleShot": ReplicatorMaxAttemptsSingleShot,
		"replicator.maxAttemptsContinuous": ReplicatorMaxAttemptsContinuous,
		"replicator.maxAttemptWaitTime":    ReplicatorMaxAttemptWaitTime,
		"replicator.disableAutoPurge":      ReplicatorDisableAutoPurge,
		"replicator.acceptParentCookies":   ReplicatorAcceptParentCookies,
	}
}
