package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTempSink(t *testing.T, maxBytes int64) *fileSink {
	t.Helper()
	sink := &fileSink{
		dir:        t.TempDir(),
		sessionTag: "test",
		maxBytes:   maxBytes,
	}
	if err := sink.rotateLocked(); err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestFileSink_WritesJSONLines(t *testing.T) {
	sink := newTempSink(t, 0)

	err := sink.WriteEvent(Event{
		Time:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Level:   slog.LevelWarn,
		Message: "token acquisition failed",
		Fields:  map[string]any{"error": errors.New("boom"), "attempt": 2},
	})
	if err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}

	entries, err := os.ReadDir(sink.dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("log dir entries = %v, %v", entries, err)
	}
	f, err := os.Open(filepath.Join(sink.dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("log file empty")
	}
	var line jsonLogLine
	if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line.Level != "WARN" || line.Message != "token acquisition failed" {
		t.Fatalf("line = %+v", line)
	}
	// Error values flatten to strings so the line stays parseable.
	if line.Fields["error"] != "boom" {
		t.Fatalf("error field = %v", line.Fields["error"])
	}
}

func TestFileSink_RotatesAtSizeLimit(t *testing.T) {
	sink := newTempSink(t, 200)

	for i := 0; i < 10; i++ {
		err := sink.WriteEvent(Event{
			Time:    time.Now(),
			Level:   slog.LevelInfo,
			Message: "a reasonably sized log message to force rotation",
		})
		if err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}

	entries, err := os.ReadDir(sink.dir)
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("log parts = %d, want rotation to have occurred", len(entries))
	}
}

func TestFileSink_WriteAfterClose(t *testing.T) {
	sink := newTempSink(t, 0)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sink.WriteEvent(Event{Time: time.Now(), Message: "late"}); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("WriteEvent() after close error = %v, want os.ErrClosed", err)
	}
}
