package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogHandler(t *testing.T) {
	var buf bytes.Buffer

	h, err := newLogHandler(&buf, "json", "warn")
	if err != nil {
		t.Fatalf("newLogHandler: %v", err)
	}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	slog.New(h).Warn("careful", "n", 1)
	if !strings.Contains(buf.String(), `"msg":"careful"`) {
		t.Errorf("json output: %s", buf.String())
	}

	buf.Reset()
	h, err = newLogHandler(&buf, "TEXT", "DEBUG")
	if err != nil {
		t.Fatalf("newLogHandler: %v", err)
	}
	slog.New(h).Debug("detail")
	if !strings.Contains(buf.String(), "msg=detail") {
		t.Errorf("text output: %s", buf.String())
	}

	if _, err := newLogHandler(&buf, "xml", "info"); err == nil {
		t.Error("unknown format accepted")
	}
	if _, err := newLogHandler(&buf, "json", "loud"); err == nil {
		t.Error("unknown level accepted")
	}
}
