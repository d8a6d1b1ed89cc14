package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c2stem/copa/internal/domain"
)

func TestLogWritesPerRunNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := New(Config{Dir: dir, QueueSize: 16}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = l.Close() }()

	l.Message("alice", "run-1", domain.Message{Role: domain.RoleUser, Content: "truck won't move", Timestamp: domain.Now()})

	path := filepath.Join(dir, "alice", "run-1.ndjson")
	line := waitForLogLine(t, path)
	var got Entry
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.Content != "truck won't move" || got.Role != "user" || got.Kind != KindMessage {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.ID == "" {
		t.Fatal("expected an ID to be assigned")
	}
}

func TestLogSingleFileReceivesRetrievalRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "retrieval.ndjson")
	l, err := New(Config{Path: path, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.Record(domain.RetrievalRecord{
		Timestamp:     domain.Now(),
		Username:      "bob",
		RunID:         "run-2",
		QuerySummary:  "The student set velocity to zero.",
		DomainContext: "Velocity is ...",
	})
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var got struct {
		Kind string                 `json:"kind"`
		Data domain.RetrievalRecord `json:"data"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.Kind != KindRetrieval || got.Data.QuerySummary != "The student set velocity to zero." {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestLogReleasesRunFileWhenSessionEnds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := New(Config{Dir: dir, QueueSize: 512}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = l.Close() }()

	const runs = 200
	for i := 0; i < runs; i++ {
		run := fmt.Sprintf("run-%d", i)
		l.Message("alice", run, domain.Message{Role: domain.RoleUser, Content: "hi", Timestamp: domain.Now()})
		l.Log(Entry{Kind: KindSession, Username: "alice", RunID: run, Content: "session closed"})
	}

	lastPath := filepath.Join(dir, "alice", fmt.Sprintf("run-%d.ndjson", runs-1))
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, _ := os.ReadFile(lastPath)
		if strings.Contains(string(data), `"kind":"session"`) && l.OpenFiles() == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected every run file released, %d still open", l.OpenFiles())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A late entry for an ended run reopens its file in append mode.
	l.Message("alice", "run-0", domain.Message{Role: domain.RoleAssistant, Content: "bye", Timestamp: domain.Now()})
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "alice", "run-0.ndjson"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if n := len(strings.Split(strings.TrimSpace(string(data)), "\n")); n != 3 {
		t.Errorf("expected 3 lines in run-0, got %d", n)
	}
}

func TestLogAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	l, err := New(Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	l.Log(Entry{Kind: KindSession})
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestNewRequiresTarget(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error without path or dir")
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"alice":       "alice",
		"../etc":      ".._etc",
		"a/b":         "a_b",
		"":            "fallback",
		"..":          "fallback",
		"bob smith@x": "bob_smith_x",
	}
	for in, want := range cases {
		if got := sanitize(in, "fallback"); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
