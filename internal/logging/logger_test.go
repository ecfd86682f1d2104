// Package logging tests for structured JSON logging.
package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// TestInit verifies logger initialization.
func TestInit(t *testing.T) {
	global = nil
	once = sync.Once{}

	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil after Init()")
	}
	if logger.out != &buf {
		t.Error("Init() did not set output writer correctly")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestInit_idempotent verifies a second Init is ignored.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = sync.Once{}

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored")
	}
	if Get().out != &buf1 {
		t.Error("Second Init() should not change the writer")
	}
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	global = nil
	once = sync.Once{}

	logger := Get()
	if logger.out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestLogger_Info verifies message and context fields.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("operation enqueued", map[string]interface{}{"operation_id": "op-1"}, map[string]interface{}{"kind": "create"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e["message"] != "operation enqueued" {
		t.Errorf("message = %v", e["message"])
	}
	if e["level"] != "info" {
		t.Errorf("level = %v, want info", e["level"])
	}
	if e["operation_id"] != "op-1" || e["kind"] != "create" {
		t.Errorf("context not merged: %v", e)
	}
	if _, ok := e["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

// TestLogger_minLevel verifies filtering below the minimum level.
func TestLogger_minLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

// TestLogger_SetLevel verifies the minimum level can change at runtime.
func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Debug("hidden")
	logger.SetLevel(LevelDebug)
	logger.Debug("shown")

	if got := logger.Level(); got != LevelDebug {
		t.Errorf("Level() = %v, want DEBUG", got)
	}
	logger.SetLevel(LevelWarn)
	if got := logger.Level(); got != LevelWarn {
		t.Errorf("Level() = %v, want WARN", got)
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0]["message"] != "shown" {
		t.Errorf("entries = %v", entries)
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("send failed", "SYNC_PERMANENT", errors.New("rejected"), map[string]interface{}{"entity_id": "e1"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e["code"] != "SYNC_PERMANENT" || e["error"] != "rejected" || e["entity_id"] != "e1" {
		t.Errorf("unexpected entry: %v", e)
	}
}

// TestParseLevel verifies config level parsing.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestNewRotating verifies file output through the rotating writer.
func TestNewRotating(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sync.log")
	logger := NewRotating(FileConfig{Path: path}, LevelInfo)

	logger.Info("written to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Contains(data, []byte("written to file")) {
		t.Errorf("log file content = %q", data)
	}
}
