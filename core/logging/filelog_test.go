package logging

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/FocuswithJustin/Bramble/core/defaults"
)

func TestFileConfigDefaults(t *testing.T) {
	cfg := FileConfig{Directory: "/tmp"}.withDefaults()
	if cfg.MaxSize != defaults.LogFileMaxSize {
		t.Errorf("MaxSize = %d; want %d", cfg.MaxSize, defaults.LogFileMaxSize)
	}
	if cfg.MaxRotateCount != defaults.LogFileMaxRotateCount {
		t.Errorf("MaxRotateCount = %d; want %d", cfg.MaxRotateCount, defaults.LogFileMaxRotateCount)
	}
	if cfg.UsePlaintext != defaults.LogFileUsePlaintext {
		t.Errorf("UsePlaintext = %v; want %v", cfg.UsePlaintext, defaults.LogFileUsePlaintext)
	}
}

func TestFileSinkPlaintext(t *testing.T) {
	quietConsole(t)
	dir := t.TempDir()

	err := SetFileConfig(&FileConfig{Directory: dir, UsePlaintext: true})
	if err != nil {
		t.Fatalf("SetFileConfig failed: %v", err)
	}
	defer SetFileConfig(nil)

	Info(DomainDatabase, "opened %s", "mydb")
	Warn(DomainReplicator, "retrying")

	if err := SetFileConfig(nil); err != nil {
		t.Fatalf("SetFileConfig(nil) failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, activeLogName))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "[DB] info: opened mydb") {
		t.Errorf("log file missing database line:\n%s", text)
	}
	if !strings.Contains(text, "[Sync] warning: retrying") {
		t.Errorf("log file missing replicator line:\n%s", text)
	}
}

func TestFileSinkBinaryRoundTrip(t *testing.T) {
	quietConsole(t)
	dir := t.TempDir()

	if err := SetFileConfig(&FileConfig{Directory: dir}); err != nil {
		t.Fatalf("SetFileConfig failed: %v", err)
	}
	defer SetFileConfig(nil)

	Info(DomainQuery, "index created")
	Error(DomainNetwork, "dial failed")

	if err := SetFileConfig(nil); err != nil {
		t.Fatalf("SetFileConfig(nil) failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, activeLogName))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	records, err := DecodeBinaryLog(data)
	if err != nil {
		t.Fatalf("DecodeBinaryLog failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("decoded %d records; want 2", len(records))
	}
	if records[0].Domain != DomainQuery || records[0].Level != LevelInfo ||
		records[0].Message != "index created" {
		t.Errorf("record 0 = %+v", records[0])
	}
	if records[1].Domain != DomainNetwork || records[1].Level != LevelError ||
		records[1].Message != "dial failed" {
		t.Errorf("record 1 = %+v", records[1])
	}
	if time.Since(records[0].Time) > time.Minute {
		t.Errorf("record timestamp too old: %v", records[0].Time)
	}
}

func TestDecodeBinaryLogTruncatedMessage(t *testing.T) {
	good := encodeBinaryRecord(time.Now(), DomainDatabase, LevelInfo, "intact")

	// Second record claims far more message bytes than the file holds.
	bad := []byte{binaryRecordMagic}
	bad = binary.AppendVarint(bad, time.Now().UnixMicro())
	bad = append(bad, domainCode(DomainQuery), byte(LevelInfo))
	bad = binary.AppendUvarint(bad, 1<<40)
	bad = append(bad, "short"...)

	records, err := DecodeBinaryLog(append(good, bad...))
	if err == nil {
		t.Fatal("DecodeBinaryLog accepted a message length beyond the file size")
	}
	if len(records) != 1 || records[0].Message != "intact" {
		t.Errorf("records before the corrupt frame = %+v; want one intact record", records)
	}
}

func TestFileSinkRotation(t *testing.T) {
	quietConsole(t)
	dir := t.TempDir()

	// Tiny size cap so a few messages force rotation.
	err := SetFileConfig(&FileConfig{
		Directory:      dir,
		UsePlaintext:   true,
		MaxSize:        128,
		MaxRotateCount: 1,
	})
	if err != nil {
		t.Fatalf("SetFileConfig failed: %v", err)
	}
	defer SetFileConfig(nil)

	for i := 0; i < 50; i++ {
		Info(DomainDatabase, "message number %d padded out to force rotation", i)
	}
	if err := SetFileConfig(nil); err != nil {
		t.Fatalf("SetFileConfig(nil) failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read log dir: %v", err)
	}
	// At most the active file plus MaxRotateCount rotated files.
	if len(entries) > 2 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("found %d log files; want at most 2: %v", len(entries), names)
	}

	rotated := filepath.Join(dir, activeLogName+".1")
	if _, err := os.Stat(rotated); err != nil {
		t.Errorf("expected rotated file %s: %v", rotated, err)
	}
}

func TestFileSinkLevelFilter(t *testing.T) {
	quietConsole(t)
	dir := t.TempDir()

	err := SetFileConfig(&FileConfig{Directory: dir, UsePlaintext: true, Level: LevelError})
	if err != nil {
		t.Fatalf("SetFileConfig failed: %v", err)
	}
	defer SetFileConfig(nil)

	Info(DomainDatabase, "filtered out")
	Error(DomainDatabase, "kept")

	if err := SetFileConfig(nil); err != nil {
		t.Fatalf("SetFileConfig(nil) failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, activeLogName))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if strings.Contains(string(data), "filtered out") {
		t.Error("info message recorded despite error-level file config")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("error message missing from log file")
	}
}

func TestSetFileConfigRequiresDirectory(t *testing.T) {
	if err := SetFileConfig(&FileConfig{}); err == nil {
		SetFileConfig(nil)
		t.Fatal("SetFileConfig without directory should fail")
	}
}

func TestCompressedRotation(t *testing.T) {
	quietConsole(t)
	dir := t.TempDir()

	err := SetFileConfig(&FileConfig{
		Directory:       dir,
		UsePlaintext:    true,
		MaxSize:         128,
		MaxRotateCount:  1,
		CompressRotated: true,
	})
	if err != nil {
		t.Fatalf("SetFileConfig failed: %v", err)
	}
	defer SetFileConfig(nil)

	for i := 0; i < 20; i++ {
		Info(DomainDatabase, "compressible message %d with plenty of padding", i)
	}
	if err := SetFileConfig(nil); err != nil {
		t.Fatalf("SetFileConfig(nil) failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, activeLogName+".1.xz")); err != nil {
		t.Errorf("expected xz-compressed rotated file: %v", err)
	}
}
