package main

import (
	"log"
	"time"

	"steamhelper/internal/eventlog"
)

// setupEventLog opens the JSONL trade log and records the start event. The
// returned func writes the shutdown event and closes the file; it is safe to
// call when logging is disabled.
func setupEventLog(path string, startedAt time.Time) (*eventlog.Log, func()) {
	elog := eventlog.Open(path)
	if elog == nil {
		return nil, func() {}
	}
	log.Printf("Event log: %s (JSONL)", path)
	if err := elog.Write(eventlog.Event{Event: "start"}); err != nil {
		log.Printf("[warn] event log write: %v", err)
	}
	return elog, func() {
		if err := elog.Write(eventlog.Event{Event: "shutdown", UptimeMs: time.Since(startedAt).Milliseconds()}); err != nil {
			log.Printf("[warn] event log write: %v", err)
		}
		if err := elog.Close(); err != nil {
			log.Printf("[warn] event log close: %v", err)
		}
	}
}
