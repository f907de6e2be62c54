package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/reelcredit/backend/internal/config"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LogConfig{Level: "info", Format: "json"})
	logger.Debug("hidden")
	logger.Info("visible", "task_id", "t-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "visible" || rec["task_id"] != "t-1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNewWithWriter_TextDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LogConfig{Level: "DEBUG", Format: "text"})
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("expected text output with debug record, got %q", buf.String())
	}
}
