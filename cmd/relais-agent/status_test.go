package main

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestStatusHandlerPrintsTunnelActiveLine(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, nil)
	h := newStatusHandler(inner, false)
	logger := slog.New(h)

	stdout := captureStdout(t, func() {
		logger.Info("tunnel established", "public_addr", "demo.relais.dev:443")
	})

	if !strings.Contains(stdout, "Tunnel active! https://demo.relais.dev") {
		t.Fatalf("expected status line in stdout, got %q", stdout)
	}
	if strings.Contains(stdout, "demo.relais.dev:443") {
		t.Fatalf("expected default https port to be stripped, got %q", stdout)
	}
	if !strings.Contains(buf.String(), "tunnel established") {
		t.Fatalf("expected structured trace to still be written, got %q", buf.String())
	}
}

func TestStatusHandlerIgnoresUnrelatedMessages(t *testing.T) {
	var buf bytes.Buffer
	h := newStatusHandler(slog.NewTextHandler(&buf, nil), false)
	logger := slog.New(h)

	stdout := captureStdout(t, func() {
		logger.Debug("dropping unparseable control frame")
	})

	if stdout != "" {
		t.Fatalf("expected no status line, got %q", stdout)
	}
}

func TestDisplayAddr(t *testing.T) {
	cases := map[string]string{
		"demo.relais.dev:443":  "demo.relais.dev",
		"demo.relais.dev:8443": "demo.relais.dev:8443",
		"192.0.2.1:443":        "192.0.2.1",
		"not-a-host-port":      "not-a-host-port",
	}
	for in, want := range cases {
		if got := displayAddr(in); got != want {
			t.Errorf("displayAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSecondsToDuration(t *testing.T) {
	if got := secondsToDuration(30); got.Seconds() != 30 {
		t.Fatalf("expected 30s, got %v", got)
	}
}

// captureStdout redirects os.Stdout for the duration of fn and returns
// whatever was written to it. Not safe for parallel tests.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()
	w.Close()

	var buf bytes.Buffer
	buf.ReadFrom(r)
	return buf.String()
}
