package main

import "testing"

// Running under `go test`, stdin is never a terminal, so resolveInteractive
// must leave missing values untouched rather than blocking on a prompt.
func TestResolveInteractiveNoopWhenNotATerminal(t *testing.T) {
	port := 0
	addr := ""

	if err := resolveInteractive(&port, &addr); err != nil {
		t.Fatalf("resolveInteractive: %v", err)
	}
	if port != 0 || addr != "" {
		t.Fatalf("expected values untouched outside a terminal, got port=%d addr=%q", port, addr)
	}
}

func TestResolveInteractiveNoopWhenAlreadySet(t *testing.T) {
	port := 3000
	addr := "relay.example.com:443"

	if err := resolveInteractive(&port, &addr); err != nil {
		t.Fatalf("resolveInteractive: %v", err)
	}
	if port != 3000 || addr != "relay.example.com:443" {
		t.Fatalf("expected values untouched, got port=%d addr=%q", port, addr)
	}
}
