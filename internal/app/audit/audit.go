// Package audit keeps a bounded in-memory trail of router mutations with
// optional best-effort persistence to a sink.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Entry records one gated mutation: who did it, what it was, and the full
// resulting state where the operation replaces a record wholesale.
type Entry struct {
	Time    time.Time         `json:"time"`
	Actor   string            `json:"actor"`
	Action  string            `json:"action"`
	Subject string            `json:"subject,omitempty"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// Sink receives entries for persistence outside the ring buffer.
type Sink interface {
	Write(entry Entry) error
}

// Log is a bounded ring of recent entries.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	sink    Sink
}

// NewLog creates a log retaining at most max entries in memory.
func NewLog(max int, sink Sink) *Log {
	if max <= 0 {
		max = 200
	}
	return &Log{max: max, sink: sink}
}

// Record appends an entry, trimming the oldest beyond the retention bound.
func (l *Log) Record(entry Entry) {
	if l == nil {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	if l.sink != nil {
		// Best-effort persistence; ignore errors to avoid impacting the
		// mutation path.
		_ = l.sink.Write(entry)
	}
}

// Recent returns up to n most recent entries, newest last.
func (l *Log) Recent(n int) []Entry {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// FileSink appends entries as JSON lines to a file.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Write appends one entry.
func (s *FileSink) Write(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}
