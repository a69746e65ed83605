// Package eventlog journals relayed frame messages to daily rotated JSONL files.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"composertemplates/pkg/clock"
	"composertemplates/pkg/frame"
)

// Entry statuses.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusSent     = "sent"
)

// Entry is one journal line.
type Entry struct {
	Time    time.Time       `json:"time"`
	Origin  string          `json:"origin"`
	Status  string          `json:"status"`
	Trigger *frame.Inbound  `json:"trigger,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Writer appends entries to frames-YYYY-MM-DD.jsonl, switching files when the date changes.
type Writer struct {
	logDir      string
	clock       clock.Clock
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates the log directory and opens today's file. A nil clock uses wall time.
func NewWriter(logDir string, clk clock.Clock) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	w := &Writer{logDir: logDir, clock: clk}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return w, nil
}

// Write appends e, stamping Time when it is zero.
func (w *Writer) Write(e *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if w.currentFile == nil {
		return fmt.Errorf("event log is closed")
	}
	if e.Time.IsZero() {
		e.Time = w.clock.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// Record decodes an inbound frame message against the trusted origin and
// journals the outcome. The decode result is returned unchanged.
func (w *Writer) Record(origin, trusted string, raw []byte) (frame.Inbound, error) {
	msg, decodeErr := frame.Decode(origin, trusted, raw)
	e := &Entry{Origin: origin, Status: StatusAccepted}
	if decodeErr != nil {
		e.Status = StatusRejected
		e.Error = decodeErr.Error()
		if json.Valid(raw) {
			e.Raw = raw
		}
	} else {
		e.Trigger = &msg
	}
	if err := w.Write(e); err != nil {
		return msg, err
	}
	return msg, decodeErr
}

func (w *Writer) rotateIfNeeded() error {
	if w.currentDate != "" && w.currentFile == nil {
		return nil // closed
	}
	newDate := w.clock.Now().UTC().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fileName(newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current file. Further writes fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// CurrentFile returns the path of the active file, or "" once closed.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileName(w.currentDate))
}

func fileName(date string) string {
	return fmt.Sprintf("frames-%s.jsonl", date)
}

// ReadEntries parses every line of a journal file. Blank lines are skipped.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return entries, nil
}

// ListLogFiles returns every journal file in logDir.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "frames-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}
