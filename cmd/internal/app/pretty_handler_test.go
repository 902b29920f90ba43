package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))
	log.With("session_id", "s1").Info("ws.session.open", slog.Group("req", "remote", "127.0.0.1:5000", "note", "two words"))
	log.Debug("dropped")

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", out)
	}
	for _, want := range []string{"[INFO]", "ws.session.open", "session_id=s1", "req.remote=127.0.0.1:5000", `req.note="two words"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but escape codes present: %q", out)
	}
}

func TestPrettyHandler_ColorAndRemap(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Error("http.request", "status", 503, "duration_ms", 12)

	out := buf.String()
	if !strings.Contains(out, ansiRed+"[ERROR]"+ansiReset) {
		t.Fatalf("expected red error tag in %q", out)
	}
	if !strings.Contains(out, "status="+ansiRed+"503"+ansiReset) {
		t.Fatalf("expected colored 5xx status in %q", out)
	}
	if !strings.Contains(out, " ms=12") {
		t.Fatalf("expected duration_ms remapped to ms in %q", out)
	}
}
