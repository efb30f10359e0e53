package logging

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/Bramble/core/defaults"
)

// FileConfig configures the log file sink.
//
// Zero values fall back to the compiled-in defaults: binary encoding, a
// 512 KiB size cap per file, and one rotated file retained beside the active
// log.
type FileConfig struct {
	// Directory is where log files are written. Required.
	Directory string

	// Level is the minimum level recorded in the file.
	Level Level

	// UsePlaintext writes human-readable lines instead of the binary record
	// encoding.
	UsePlaintext bool

	// MaxSize is the byte size at which the active file is rotated.
	// Zero means defaults.LogFileMaxSize.
	MaxSize int64

	// MaxRotateCount is how many rotated files to retain.
	// Zero means defaults.LogFileMaxRotateCount.
	MaxRotateCount int

	// CompressRotated compresses rotated files with xz.
	CompressRotated bool
}

// withDefaults returns a copy of the config with zero values filled in from
// the defaults table.
func (c FileConfig) withDefaults() FileConfig {
	if c.MaxSize == 0 {
		c.MaxSize = defaults.LogFileMaxSize
	}
	if c.MaxRotateCount == 0 {
		c.MaxRotateCount = defaults.LogFileMaxRotateCount
	}
	return c
}

const (
	activeLogName = "bramble.cbllog"

	// binaryRecordMagic begins every record in the binary encoding.
	binaryRecordMagic = 0xcf
)

type fileSink struct {
	mu   sync.Mutex
	cfg  FileConfig
	f    *os.File
	size int64
}

// SetFileConfig enables the log file sink, or disables it when cfg is nil.
func SetFileConfig(cfg *FileConfig) error {
	global.mu.Lock()
	defer global.mu.Unlock()

	if global.file != nil {
		global.file.close()
		global.file = nil
	}
	if cfg == nil {
		return nil
	}
	if cfg.Directory == "" {
		return fmt.Errorf("log file config: directory is required")
	}

	sink, err := newFileSink(cfg.withDefaults())
	if err != nil {
		return err
	}
	global.file = sink
	return nil
}

func newFileSink(cfg FileConfig) (*fileSink, error) {
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(cfg.Directory, activeLogName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}
	return &fileSink{cfg: cfg, f: f, size: st.Size()}, nil
}

func (s *fileSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
}

func (s *fileSink) write(ts time.Time, domain Domain, level Level, msg string) {
	if level < s.cfg.Level || s.cfg.Level == LevelNone {
		return
	}

	var rec []byte
	if s.cfg.UsePlaintext {
		rec = []byte(fmt.Sprintf("%s [%s] %s: %s\n",
			ts.UTC().Format(time.RFC3339), domain, level, msg))
	} else {
		rec = encodeBinaryRecord(ts, domain, level, msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	if s.size+int64(len(rec)) > s.cfg.MaxSize {
		s.rotateLocked()
	}
	n, err := s.f.Write(rec)
	s.size += int64(n)
	if err != nil {
		// The file sink must never take the process down; report on the
		// console and keep going.
		fmt.Fprintf(os.Stderr, "bramble: log file write failed: %v\n", err)
	}
}

// encodeBinaryRecord encodes one record in the compact binary framing:
// magic byte, unix-micro timestamp, domain and level bytes, then the
// length-prefixed message.
func encodeBinaryRecord(ts time.Time, domain Domain, level Level, msg string) []byte {
	buf := make([]byte, 0, 16+len(domain)+len(msg))
	buf = append(buf, binaryRecordMagic)
	buf = binary.AppendVarint(buf, ts.UnixMicro())
	buf = append(buf, domainCode(domain), byte(level))
	buf = binary.AppendUvarint(buf, uint64(len(msg)))
	buf = append(buf, msg...)
	return buf
}

func domainCode(d Domain) byte {
	switch d {
	case DomainDatabase:
		return 1
	case DomainQuery:
		return 2
	case DomainReplicator:
		return 3
	case DomainNetwork:
		return 4
	default:
		return 0
	}
}

// rotateLocked renames the active file to the first rotated slot, shifting
// older rotated files up and dropping any beyond MaxRotateCount.
func (s *fileSink) rotateLocked() {
	s.f.Close()

	base := filepath.Join(s.cfg.Directory, activeLogName)
	suffix := ""
	if s.cfg.CompressRotated {
		suffix = ".xz"
	}

	// Drop the oldest slot, then shift the rest up by one.
	os.Remove(rotatedName(base, s.cfg.MaxRotateCount, suffix))
	for i := s.cfg.MaxRotateCount - 1; i >= 1; i-- {
		os.Rename(rotatedName(base, i, suffix), rotatedName(base, i+1, suffix))
	}

	if s.cfg.CompressRotated {
		if err := compressFile(base, rotatedName(base, 1, suffix)); err != nil {
			fmt.Fprintf(os.Stderr, "bramble: log rotation compress failed: %v\n", err)
			os.Rename(base, rotatedName(base, 1, ""))
		} else {
			os.Remove(base)
		}
	} else {
		os.Rename(base, rotatedName(base, 1, ""))
	}

	f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bramble: log rotation reopen failed: %v\n", err)
		s.f = nil
		s.size = 0
		return
	}
	s.f = f
	s.size = 0
}

func rotatedName(base string, n int, suffix string) string {
	return fmt.Sprintf("%s.%d%s", base, n, suffix)
}

// compressFile writes an xz-compressed copy of src to dst.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	w, err := xz.NewWriter(out)
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		out.Close()
		return fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	return out.Close()
}
