package webrtcpeer

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerFactory_RoutesToSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := NewLoggerFactory(logger).NewLogger("ice")
	l.Infof("selected pair %d", 7)
	l.Tracef("packet %d", 1)
	l.Warn("plain warning")

	out := buf.String()
	if !strings.Contains(out, "selected pair 7") || !strings.Contains(out, "scope=ice") {
		t.Fatalf("missing formatted info line: %q", out)
	}
	if !strings.Contains(out, "plain warning") {
		t.Fatalf("missing warn line: %q", out)
	}
	if strings.Contains(out, "packet 1") {
		t.Fatalf("trace should be below debug: %q", out)
	}
}
