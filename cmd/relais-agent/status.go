package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleActive    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	styleAlert     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	styleWarn      = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleRecovered = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// statusHandler wraps the agent's structured slog.Handler, additionally
// printing a styled one-line human status to stdout for the transitions
// an operator watches for (tunnel up, relay unreachable, local service
// down/recovered). These lines are emitted regardless of verbosity; the
// wrapped handler carries the per-frame trace that -v raises to debug.
type statusHandler struct {
	slog.Handler
	color bool
}

func newStatusHandler(inner slog.Handler, color bool) *statusHandler {
	return &statusHandler{Handler: inner, color: color}
}

func (h *statusHandler) Handle(ctx context.Context, r slog.Record) error {
	if line := h.statusLine(r); line != "" {
		fmt.Println(line)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *statusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &statusHandler{Handler: h.Handler.WithAttrs(attrs), color: h.color}
}

func (h *statusHandler) WithGroup(name string) slog.Handler {
	return &statusHandler{Handler: h.Handler.WithGroup(name), color: h.color}
}

func (h *statusHandler) statusLine(r slog.Record) string {
	switch r.Message {
	case "tunnel established":
		return h.render(styleActive, fmt.Sprintf("🚀 Tunnel active! https://%s", displayAddr(attr(r, "public_addr"))))
	case "relay unreachable":
		return h.render(styleAlert, "🚨 Serveur inaccessible")
	case "local service unreachable":
		return h.render(styleWarn, fmt.Sprintf("⚠️  Port local %s inaccessible", attr(r, "local_addr")))
	case "local service reachable again", "relay reachability restored, resuming":
		return h.render(styleRecovered, "✅ "+r.Message)
	case "authentication failed, not retrying":
		return h.render(styleAlert, "🚨 Authentication failed, exiting")
	default:
		return ""
	}
}

func (h *statusHandler) render(s lipgloss.Style, text string) string {
	if !h.color {
		return text
	}
	return s.Render(text)
}

// displayAddr strips the default HTTPS port from a host:port public
// address so the happy-path status line reads https://host instead of
// https://host:443.
func displayAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port != "443" {
		return addr
	}
	return host
}

// attr pulls a single string-valued attribute out of a log record, or ""
// if the record carries no such key.
func attr(r slog.Record, key string) string {
	var v string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == key {
			v = a.Value.String()
			return false
		}
		return true
	})
	return v
}
