package defaults

import (
	"math"
	"reflect"
	"testing"
	"time"
)

func TestLogFileDefaults(t *testing.T) {
	if LogFileUsePlaintext {
		t.Error("LogFileUsePlaintext should be false (binary encoding)")
	}
	if LogFileMaxSize != 524288 {
		t.Errorf("LogFileMaxSize = %d; want 524288", LogFileMaxSize)
	}
	if LogFileMaxRotateCount != 1 {
		t.Errorf("LogFileMaxRotateCount = %d; want 1", LogFileMaxRotateCount)
	}
}

func TestFullTextIndexDefaults(t *testing.T) {
	if FullTextIndexIgnoreAccents {
		t.Error("FullTextIndexIgnoreAccents should be false")
	}
}

func TestReplicatorDefaults(t *testing.T) {
	if ReplicatorType != "pushAndPull" {
		t.Errorf("ReplicatorType = %q; want pushAndPull", ReplicatorType)
	}
	if ReplicatorContinuous {
		t.Error("ReplicatorContinuous should be false (one-shot)")
	}
	if ReplicatorHeartbeat != 300*time.Second {
		t.Errorf("ReplicatorHeartbeat = %v; want 300s", ReplicatorHeartbeat)
	}
	if ReplicatorMaxAttemptsSingleShot != 10 {
		t.Errorf("ReplicatorMaxAttemptsSingleShot = %d; want 10", ReplicatorMaxAttemptsSingleShot)
	}
	if ReplicatorMaxAttemptsContinuous != math.MaxUint32 {
		t.Errorf("ReplicatorMaxAttemptsContinuous = %d; want MaxUint32", ReplicatorMaxAttemptsContinuous)
	}
	if ReplicatorMaxAttemptWaitTime != 300*time.Second {
		t.Errorf("ReplicatorMaxAttemptWaitTime = %v; want 300s", ReplicatorMaxAttemptWaitTime)
	}
	if ReplicatorDisableAutoPurge {
		t.Error("ReplicatorDisableAutoPurge should be false")
	}
	if ReplicatorAcceptParentCookies {
		t.Error("ReplicatorAcceptParentCookies should be false")
	}
}

func TestRegistryStable(t *testing.T) {
	first := Registry()
	for i := 0; i < 3; i++ {
		if got := Registry(); !reflect.DeepEqual(got, first) {
			t.Errorf("Registry() changed between reads: %v vs %v", got, first)
		}
	}
}

func TestRegistryMatchesConstants(t *testing.T) {
	r := Registry()
	if r["logFile.maxSize"] != LogFileMaxSize {
		t.Errorf("registry logFile.maxSize = %v; want %d", r["logFile.maxSize"], LogFileMaxSize)
	}
	if r["replicator.heartbeat"] != ReplicatorHeartbeat {
		t.Errorf("registry replicator.heartbeat = %v; want %v", r["replicator.heartbeat"], ReplicatorHeartbeat)
	}
	if len(r) != 12 {
		t.Errorf("Registry() has %d entries; want 12", len(r))
	}
}
