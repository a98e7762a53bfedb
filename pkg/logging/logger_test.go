package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		baseDir string
		wantErr bool
	}{
		{
			name:    "valid directory",
			baseDir: t.TempDir(),
			wantErr: false,
		},
		{
			name:    "creates directories if not exist",
			baseDir: filepath.Join(t.TempDir(), "nested", "path"),
			wantErr: false,
		},
		{
			name:    "stderr only",
			baseDir: "",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.baseDir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer logger.Close()

			if logger.minLevel != LevelInfo {
				t.Errorf("minLevel = %v, want %v", logger.minLevel, LevelInfo)
			}
			if tt.baseDir != "" {
				if _, err := os.Stat(filepath.Join(tt.baseDir, "gateway.jsonl")); err != nil {
					t.Errorf("gateway.jsonl not created: %v", err)
				}
			}
		})
	}
}

func TestLogWritesEvent(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger error: %v", err)
	}
	logger.stderr = nil
	defer logger.Close()

	if err := logger.Info(CategoryProxy, "forward", "proxying request", map[string]any{
		"service": "bsky",
		"method":  "GET",
	}); err != nil {
		t.Fatalf("Info error: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "gateway.jsonl"))
	if err != nil {
		t.Fatalf("open gateway log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one log line")
	}

	var event Event
	if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}

	if event.Category != CategoryProxy {
		t.Errorf("Category = %v, want %v", event.Category, CategoryProxy)
	}
	if event.EventType != "forward" {
		t.Errorf("EventType = %v, want forward", event.EventType)
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should be populated")
	}
}

func TestErrorsGoToErrorLog(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger error: %v", err)
	}
	logger.stderr = nil
	defer logger.Close()

	_ = logger.Info(CategoryGit, "clone", "cloning", nil)
	_ = logger.Error(CategoryGit, "clone_failed", "clone failed", nil)

	data, err := os.ReadFile(filepath.Join(dir, "errors.jsonl"))
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}

	var event Event
	if err := json.Unmarshal(data[:len(data)-1], &event); err != nil {
		t.Fatalf("error log line invalid: %v", err)
	}
	if event.Level != LevelError {
		t.Errorf("error log contains non-error event: %v", event.Level)
	}
}

func TestMinLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger error: %v", err)
	}
	logger.stderr = nil
	defer logger.Close()

	_ = logger.Debug(CategoryServer, "noise", "should be filtered", nil)

	data, err := os.ReadFile(filepath.Join(dir, "gateway.jsonl"))
	if err != nil {
		t.Fatalf("read gateway log: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("debug event written despite info min level: %q", data)
	}

	logger.SetMinLevel(LevelDebug)
	_ = logger.Debug(CategoryServer, "detail", "now visible", nil)

	data, err = os.ReadFile(filepath.Join(dir, "gateway.jsonl"))
	if err != nil {
		t.Fatalf("read gateway log: %v", err)
	}
	if len(data) == 0 {
		t.Error("debug event not written after lowering min level")
	}
}

func TestNilLoggerDiscards(t *testing.T) {
	var logger *Logger
	if err := logger.Info(CategoryServer, "startup", "no-op", nil); err != nil {
		t.Errorf("nil logger should discard, got error: %v", err)
	}
}
