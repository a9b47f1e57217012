package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_WritesMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false

	h := NewHandler(&buf, &opts)
	log := slog.New(h)

	log.Info("peer connected", "addr", "127.0.0.1:6881", "pieces", 12)

	out := buf.String()
	if !strings.Contains(out, "peer connected") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, "INFO") {
		t.Fatalf("output missing level: %q", out)
	}
	if !strings.Contains(out, "127.0.0.1:6881") {
		t.Fatalf("output missing attribute value: %q", out)
	}
}

func TestPrettyHandler_WithGroupNestsAttributes(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false

	h := NewHandler(&buf, &opts).WithGroup("tracker")
	log := slog.New(h)

	log.Info("announce", "peers", 5)

	out := buf.String()
	if !strings.Contains(out, `"tracker"`) {
		t.Fatalf("expected nested group key in output: %q", out)
	}
}

func TestPrettyHandler_DisabledBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.SlogOpts.Level = slog.LevelWarn

	h := NewHandler(&buf, &opts)
	log := slog.New(h)

	log.Debug("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected no output for a disabled level, got %q", buf.String())
	}
}
