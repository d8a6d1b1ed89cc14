// Package eventlog appends JSON lines to local files from a background
// worker so callers never block on disk I/O.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/c2stem/copa/internal/domain"
)

// Entry kinds written by the backend. A KindSession entry ends a run: in
// directory mode the run's file is closed once it has been written.
const (
	KindMessage   = "message"
	KindRetrieval = "retrieval"
	KindSession   = "session"
)

// Entry is one NDJSON line.
type Entry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Username  string `json:"username,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Config configures a Log.
type Config struct {
	// Path, when set, receives every entry.
	Path string
	// Dir, when Path is empty, receives entries as <Dir>/<username>/<run_id>.ndjson.
	Dir       string
	QueueSize int
}

// Log is an asynchronous NDJSON appender. Log and Record never block; when
// the queue is full the oldest queued entry is dropped.
type Log struct {
	cfg    Config
	queue  chan Entry
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger

	mu      sync.Mutex
	dropped int
	open    int

	files map[string]*os.File // owned by the worker
}

// New starts a Log. It fails if neither Path nor Dir is set or the target
// directory cannot be created.
func New(cfg Config, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	var dir string
	switch {
	case cfg.Path != "":
		dir = filepath.Dir(cfg.Path)
	case cfg.Dir != "":
		dir = cfg.Dir
	default:
		return nil, fmt.Errorf("event log needs a path or a directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}

	l := &Log{
		cfg:    cfg,
		queue:  make(chan Entry, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
		files:  make(map[string]*os.File),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log queues e for writing, filling in ID and Timestamp when empty.
func (l *Log) Log(e Entry) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp == "" {
		e.Timestamp = domain.Now()
	}

	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.queue <- e:
		return
	default:
	}

	// Queue full: drop the oldest entry and retry once.
	select {
	case <-l.queue:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	default:
	}
	select {
	case l.queue <- e:
	default:
		l.logger.Warn("event log queue full, dropping entry", "kind", e.Kind, "username", e.Username)
	}
}

// Message logs one conversation message.
func (l *Log) Message(username, runID string, msg domain.Message) {
	l.Log(Entry{
		Timestamp: msg.Timestamp,
		Kind:      KindMessage,
		Username:  username,
		RunID:     runID,
		Role:      string(msg.Role),
		Content:   msg.Content,
	})
}

// Record logs a retrieval record.
func (l *Log) Record(rec domain.RetrievalRecord) {
	l.Log(Entry{
		Timestamp: rec.Timestamp,
		Kind:      KindRetrieval,
		Username:  rec.Username,
		RunID:     rec.RunID,
		Data:      rec,
	})
}

// Dropped returns how many entries were discarded under backpressure.
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Log) run() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.queue:
			l.write(e)
		case <-l.done:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) write(e Entry) {
	path := l.pathFor(e)
	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			l.logger.Error("failed to create event log directory", "path", path, "error", err)
			return
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			l.logger.Error("failed to open event log", "path", path, "error", err)
			return
		}
		l.files[path] = f
		l.setOpen(len(l.files))
	}
	if e.Kind == KindSession && l.cfg.Path == "" {
		defer l.release(path, f)
	}

	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Error("failed to encode event log entry", "kind", e.Kind, "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.logger.Error("failed to append event log entry", "path", path, "error", err)
	}
}

func (l *Log) release(path string, f *os.File) {
	if err := f.Close(); err != nil {
		l.logger.Warn("failed to close event log", "path", path, "error", err)
	}
	delete(l.files, path)
	l.setOpen(len(l.files))
}

func (l *Log) setOpen(n int) {
	l.mu.Lock()
	l.open = n
	l.mu.Unlock()
}

// OpenFiles returns how many log files the worker holds open.
func (l *Log) OpenFiles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *Log) pathFor(e Entry) string {
	if l.cfg.Path != "" {
		return l.cfg.Path
	}
	user := sanitize(e.Username, "anonymous")
	run := sanitize(e.RunID, "unscoped")
	return filepath.Join(l.cfg.Dir, user, run+".ndjson")
}

func sanitize(s, fallback string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" || strings.Trim(s, ".") == "" {
		return fallback
	}
	return s
}

// Close flushes queued entries and closes every open file. It waits at
// most five seconds for the worker.
func (l *Log) Close() error {
	l.once.Do(func() { close(l.done) })

	finished := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		l.logger.Warn("event log shutdown timeout", "queue_remaining", len(l.queue))
		return fmt.Errorf("event log worker did not stop")
	}

	var firstErr error
	for path, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", path, err)
		}
	}
	return firstErr
}
