// Package eventlog appends machine-readable trade events to a JSONL file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event is one line of the trade log. Zero fields are omitted so each line
// stays scannable with grep/jq.
type Event struct {
	TsMs  int64  `json:"ts_ms"`
	Event string `json:"event"`

	RequestID string `json:"request_id,omitempty"`
	OfferID   uint64 `json:"offer_id,omitempty"`
	ConfID    uint64 `json:"conf_id,omitempty"`
	Partner   string `json:"partner,omitempty"`

	State  string `json:"state,omitempty"`
	Prev   string `json:"prev,omitempty"`
	Reason string `json:"reason,omitempty"`

	Accept bool `json:"accept,omitempty"`
	Review bool `json:"review,omitempty"`

	Err string `json:"err,omitempty"`

	UptimeMs int64 `json:"uptime_ms,omitempty"`
}

// Log appends events to a file. Safe for concurrent use. A nil *Log discards
// writes, so callers never need to branch on whether logging is enabled.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// Open returns a log appending to path, or nil when path is blank.
func Open(path string) *Log {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &Log{path: path}
}

func (l *Log) ensureOpenLocked() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Write appends ev as one JSON line and flushes so tailers see it promptly.
// A zero TsMs is stamped with the current time.
func (l *Log) Write(ev Event) error {
	if l == nil {
		return nil
	}
	if ev.Event == "" {
		return fmt.Errorf("eventlog: event name required")
	}
	if ev.TsMs == 0 {
		ev.TsMs = time.Now().UnixMilli()
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureOpenLocked(); err != nil {
		return err
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	if l.w != nil {
		if err := l.w.Flush(); err != nil {
			firstErr = err
		}
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.w = nil
	l.file = nil

	if firstErr != nil && errors.Is(firstErr, os.ErrClosed) {
		return nil
	}
	return firstErr
}
