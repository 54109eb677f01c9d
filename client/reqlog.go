package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxLogEntries caps the request log; older entries roll off.
const maxLogEntries = 1000

// Entry is one logged request/response turn. A zero status means the
// turn timed out or was cancelled before an answer arrived.
type Entry struct {
	Time   time.Time `json:"time"`
	Dest   string    `json:"dest"`
	Method string    `json:"method"`
	Path   string    `json:"path"`
	Status int       `json:"status"`
}

// RequestLog persists turns to a JSON file. Writes go through a temp
// file and a rename so a crash never leaves a half-written log.
type RequestLog struct {
	path string
	mu   sync.Mutex
}

// NewRequestLog opens (or will create) the log at path.
func NewRequestLog(path string) (*RequestLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("client: create log dir: %w", err)
	}
	return &RequestLog{path: path}, nil
}

// Append adds one entry, trimming the log to its cap.
func (l *RequestLog) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	if len(entries) > maxLogEntries {
		entries = entries[len(entries)-maxLogEntries:]
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("client: encode log: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("client: write log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("client: publish log: %w", err)
	}
	return nil
}

// Entries returns the logged turns, oldest first.
func (l *RequestLog) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

func (l *RequestLog) read() ([]Entry, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client: read log: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("client: decode log: %w", err)
	}
	return entries, nil
}
