package breaker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind is the type of an attempt record.
type Kind string

const (
	KindFailure   Kind = "failure"
	KindRejection Kind = "rejection"
	KindTripped   Kind = "tripped"
	KindReset     Kind = "reset"
)

// Record is one line of the attempt log.
type Record struct {
	ID       string    `json:"id"`
	UnitID   string    `json:"unit_id"`
	GroupRef string    `json:"group_ref,omitempty"`
	Kind     Kind      `json:"kind"`
	Trigger  Kind      `json:"trigger,omitempty"` // failure or rejection, on tripped records
	Summary  string    `json:"summary"`
	At       time.Time `json:"at"`
}

// Log is an append-only attempt log.
type Log interface {
	Append(rec Record) error
	Records(unitID string) ([]Record, error)
}

// DefaultMaxBytes is the size past which a FileLog is compacted.
const DefaultMaxBytes = 1 << 20

// FileLog stores records as JSON lines in a single file. Each record is one
// write to a file opened with O_APPEND. Once the file outgrows its cap it is
// compacted to each unit's records since its last reset.
type FileLog struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
}

// FileLogOption configures a FileLog.
type FileLogOption func(*FileLog)

// WithMaxBytes sets the compaction threshold. Zero or less disables it.
func WithMaxBytes(n int64) FileLogOption { return func(l *FileLog) { l.maxBytes = n } }

// NewFileLog returns a log at path. The file is created on first append.
func NewFileLog(path string, opts ...FileLogOption) *FileLog {
	l := &FileLog{path: path, maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the log file path.
func (l *FileLog) Path() string {
	return l.path
}

func (l *FileLog) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding attempt record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating attempt log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening attempt log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("appending attempt record: %w", err)
	}
	info, err := f.Stat()
	if cerr := f.Close(); cerr != nil {
		return cerr
	}
	if err != nil || l.maxBytes <= 0 || info.Size() <= l.maxBytes {
		return nil
	}
	return l.compact()
}

// compact rewrites the log keeping only records after each unit's last
// reset. If that is still over the cap the oldest records are dropped until
// the log is at half of it. The caller holds l.mu.
func (l *FileLog) compact() error {
	all, err := l.read()
	if err != nil {
		return err
	}
	start := make(map[string]int)
	for i, r := range all {
		if r.Kind == KindReset {
			start[r.UnitID] = i + 1
		}
	}

	var lines [][]byte
	var size int64
	for i, r := range all {
		if i < start[r.UnitID] {
			continue
		}
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding attempt record: %w", err)
		}
		lines = append(lines, append(line, '\n'))
		size += int64(len(line)) + 1
	}
	if size > l.maxBytes {
		for len(lines) > 0 && size > l.maxBytes/2 {
			size -= int64(len(lines[0]))
			lines = lines[1:]
		}
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".attempts-*")
	if err != nil {
		return fmt.Errorf("compacting attempt log: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("compacting attempt log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("compacting attempt log: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("compacting attempt log: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("compacting attempt log: %w", err)
	}
	return nil
}

// Records returns every record for unitID in append order. A missing log is
// empty. A torn final line from an interrupted write is skipped.
func (l *FileLog) Records(unitID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.read()
	if err != nil || unitID == "" {
		return all, err
	}
	var out []Record
	for _, r := range all {
		if r.UnitID == unitID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *FileLog) read() ([]Record, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading attempt log: %w", err)
	}

	var out []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning attempt log: %w", err)
	}
	return out, nil
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *MemoryLog) Records(unitID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, r := range l.records {
		if unitID == "" || r.UnitID == unitID {
			out = append(out, r)
		}
	}
	return out, nil
}
