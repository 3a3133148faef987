// Package ratelog appends rate-limit events as JSON lines to a per-day file,
// for offline analysis of how the remote is treating the fleet.
package ratelog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quay/zlog"
)

// Event is one observation of the remote's rate-limit behavior.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	// Kind is one of "normal_rate_limit", "error_88_ban",
	// "api_unknown_error", or "success".
	Kind       string `json:"event_type"`
	Account    string `json:"account"`
	StatusCode int    `json:"status_code"`
	Endpoint   string `json:"endpoint"`
	URL        string `json:"url"`
	Error      string `json:"error_message_formatted,omitempty"`
	Limit      string `json:"x_rate_limit_limit,omitempty"`
	Remaining  string `json:"x_rate_limit_remaining,omitempty"`
	Reset      string `json:"x_rate_limit_reset,omitempty"`
	// ResponseKeys are the top-level keys of the decoded body, enough to
	// tell payload shapes apart without storing payloads.
	ResponseKeys []string `json:"response_keys,omitempty"`
}

// Log writes events to rate_limits_YYYYMMDD.jsonl files under dir, rolling
// to a new file at each UTC day boundary.
type Log struct {
	dir string

	mu  sync.Mutex
	day string
	f   *os.File
}

// DefaultDir returns the conventional log location under the user's
// configuration directory.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "rookery", "rate_limit_logs"), nil
}

// New returns a Log rooted at dir. The directory is created on first write.
func New(dir string) *Log {
	return &Log{dir: dir}
}

// Write appends one event. Failures are logged and swallowed: the event log
// is advisory and must never interfere with request handling.
func (l *Log) Write(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	buf, err := json.Marshal(&ev)
	if err != nil {
		zlog.Debug(ctx).Err(err).Msg("ratelog: encoding event")
		return
	}
	buf = append(buf, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotate(ev.Timestamp); err != nil {
		zlog.Debug(ctx).Err(err).Msg("ratelog: opening log file")
		return
	}
	if _, err := l.f.Write(buf); err != nil {
		zlog.Debug(ctx).Err(err).Msg("ratelog: writing event")
	}
}

// Close releases the current file, if any.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f, l.day = nil, ""
	return err
}

// rotate makes sure the open file matches the event's UTC day. Callers must
// hold the mutex.
func (l *Log) rotate(at time.Time) error {
	day := at.UTC().Format("20060102")
	if l.f != nil && l.day == day {
		return nil
	}
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(
		filepath.Join(l.dir, "rate_limits_"+day+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.f, l.day = f, day
	return nil
}
