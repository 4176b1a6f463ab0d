// Package status carries progress out of a running session and stop requests
// into it.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-lab/ndt5-client/logging"
)

// Sink receives progress from a running session. WantToStop is polled
// between sub-tests; a true answer ends the session cooperatively.
type Sink interface {
	Report(msg string)
	SetProgressText(text string)
	WantToStop() bool
}

// Stopper is an external source of stop requests.
type Stopper interface {
	WantToStop() bool
}

// StopperFunc adapts a function to the Stopper interface.
type StopperFunc func() bool

// WantToStop calls f.
func (f StopperFunc) WantToStop() bool {
	return f()
}

// maxMessages bounds the messages remembered for the status endpoint.
const maxMessages = 100

// Snapshot is the externally visible state of a Log.
type Snapshot struct {
	Progress  string
	Messages  []string
	Stopped   bool
	UpdatedAt time.Time
}

// Log is a Sink that writes to the structured logger and remembers the latest
// progress for the status endpoint. It is safe for concurrent use.
type Log struct {
	stopped  atomic.Bool
	stoppers []Stopper

	mu     sync.Mutex
	status Snapshot
}

// NewLog creates a Log which also consults the given stoppers.
func NewLog(stoppers ...Stopper) *Log {
	return &Log{stoppers: stoppers}
}

// Report logs msg and remembers it.
func (l *Log) Report(msg string) {
	logging.Logger.Info(msg)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Messages = append(l.status.Messages, msg)
	if len(l.status.Messages) > maxMessages {
		l.status.Messages = l.status.Messages[len(l.status.Messages)-maxMessages:]
	}
	l.status.UpdatedAt = time.Now()
}

// SetProgressText replaces the progress line.
func (l *Log) SetProgressText(text string) {
	logging.Logger.Debug(text)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Progress = text
	l.status.UpdatedAt = time.Now()
}

// Stop asks the session to stop at its next check.
func (l *Log) Stop() {
	l.stopped.Store(true)
}

// WantToStop reports whether Stop was called or any stopper asks to stop.
// A stopper's request is remembered.
func (l *Log) WantToStop() bool {
	if l.stopped.Load() {
		return true
	}
	for _, s := range l.stoppers {
		if s.WantToStop() {
			l.stopped.Store(true)
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current state.
func (l *Log) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.status
	s.Messages = append([]string(nil), l.status.Messages...)
	s.Stopped = l.stopped.Load()
	return s
}

// ServeHTTP writes the current Snapshot as JSON. A POST stops the session.
func (l *Log) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		l.Stop()
	}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(l.Snapshot())
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not write status")
	}
}

// Discard is a Sink that drops everything and never stops.
type Discard struct{}

// Report does nothing.
func (Discard) Report(string) {}

// SetProgressText does nothing.
func (Discard) SetProgressText(string) {}

// WantToStop is always false.
func (Discard) WantToStop() bool { return false }
