// Package config holds the agent's immutable per-attempt session
// configuration and its validation rules, following a construct-then-
// Validate style: fields are set directly, then Validate clamps
// boundary values and reports hard errors.
package config

import (
	"fmt"
	"time"

	"github.com/relais-tunnel/relais-agent/internal/protocol"
)

const (
	// DefaultEstablishTimeout is used when EstablishTimeout is zero or out
	// of range.
	DefaultEstablishTimeout = 30 * time.Second
	minEstablishTimeout     = 1 * time.Second
	maxEstablishTimeout     = 300 * time.Second

	// DefaultHealthCheckInterval is the tunnel-probe cadence.
	DefaultHealthCheckInterval = 30 * time.Second
	minHealthCheckInterval     = 1 * time.Second

	// DialTimeout bounds the INIT->DIALING TCP connect.
	DialTimeout = 15 * time.Second

	// ControlInactivityTimeout bounds control-socket silence.
	ControlInactivityTimeout = 180 * time.Second
)

// Session is the immutable configuration for one connection attempt. It
// never changes after the supervisor starts a control session with it.
type Session struct {
	LocalHost string
	LocalPort int

	RelayAddr string // host:port

	Protocol protocol.ProtocolKind

	Domain        string // optional custom domain
	RequestedPort int    // optional requested remote port, 0 = unset

	Token string // optional auth token

	EstablishTimeout    time.Duration
	HealthCheckInterval time.Duration
	HealthCheckEnabled  bool

	EncryptionEnabled bool

	Verbose bool
}

// ValidationWarning describes a boundary value that was clamped to a
// default rather than rejected outright.
type ValidationWarning struct {
	Field   string
	Message string
}

func (w ValidationWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Message)
}

// Validate checks required fields and clamps boundary values in place,
// returning any clamps applied as warnings. It never panics and never
// silently accepts a missing LocalPort or RelayAddr — those are hard
// errors, matching the CLI's "exit 1 on missing required -p" contract.
func (s *Session) Validate() ([]ValidationWarning, error) {
	if s.LocalPort <= 0 || s.LocalPort > 65535 {
		return nil, fmt.Errorf("local port is required and must be in 1..65535, got %d", s.LocalPort)
	}
	if s.RelayAddr == "" {
		return nil, fmt.Errorf("relay address is required")
	}
	if s.LocalHost == "" {
		s.LocalHost = "localhost"
	}
	if s.Protocol == "" {
		s.Protocol = protocol.ProtocolHTTP
	}
	if s.Protocol != protocol.ProtocolHTTP && s.Protocol != protocol.ProtocolTCP {
		return nil, fmt.Errorf("protocol must be %q or %q, got %q", protocol.ProtocolHTTP, protocol.ProtocolTCP, s.Protocol)
	}

	var warnings []ValidationWarning

	if s.EstablishTimeout == 0 {
		s.EstablishTimeout = DefaultEstablishTimeout
	} else if s.EstablishTimeout < minEstablishTimeout || s.EstablishTimeout > maxEstablishTimeout {
		warnings = append(warnings, ValidationWarning{
			Field:   "establish_timeout",
			Message: fmt.Sprintf("%s outside 1-300s, using default %s", s.EstablishTimeout, DefaultEstablishTimeout),
		})
		s.EstablishTimeout = DefaultEstablishTimeout
	}

	if s.HealthCheckInterval == 0 {
		s.HealthCheckInterval = DefaultHealthCheckInterval
	} else if s.HealthCheckInterval < minHealthCheckInterval {
		warnings = append(warnings, ValidationWarning{
			Field:   "health_check_interval",
			Message: fmt.Sprintf("%s below 1s, clamped to 1s", s.HealthCheckInterval),
		})
		s.HealthCheckInterval = minHealthCheckInterval
	}

	return warnings, nil
}

// LocalAddr returns the local_host:local_port dial target.
func (s *Session) LocalAddr() string {
	return fmt.Sprintf("%s:%d", s.LocalHost, s.LocalPort)
}
