package health

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relais-tunnel/relais-agent/internal/logging"
	"github.com/relais-tunnel/relais-agent/internal/protocol"
	"github.com/relais-tunnel/relais-agent/internal/recovery"
)

const (
	// TunnelProbeInterval is the default cadence shared by both legs of the
	// tunnel-reachability check (local TCP connect and end-to-end request)
	// used when the caller passes a zero interval. In practice the caller
	// always supplies config.Session.HealthCheckInterval, which the config
	// layer defaults/clamps to a non-zero value, so this is a fallback
	// rather than the normal path.
	TunnelProbeInterval = 30 * time.Second

	localProbeTimeout     = 5 * time.Second
	endToEndProbeTimeout  = 10 * time.Second
	consecutiveFailThresh = 3

	// HealthCheckHeader marks an end-to-end probe so the local service
	// (and any logging in front of it) can distinguish it from real
	// traffic.
	HealthCheckHeader = "X-Relais-Health-Check"
)

// TunnelProbe verifies both that the local service is still listening and
// that traffic can round-trip through the public tunnel address. It
// consults a RelayProbe to decide, on end-to-end failure, whether the
// relay itself is down (wait for recovery) or only this tunnel is broken
// (ask the supervisor to reconnect).
type TunnelProbe struct {
	localAddr  string
	publicAddr string
	protocol   protocol.ProtocolKind
	interval   time.Duration
	relay      *RelayProbe
	client     *http.Client
	logger     *slog.Logger

	localFails atomic.Int32
	e2eFails   atomic.Int32
	localDown  atomic.Bool

	OnReconnectNeeded    func()
	OnWaitingForRecovery func()

	// OnLocalServiceDown and OnLocalServiceRecovered fire when the local
	// service crosses the consecutive-failure threshold and when it comes
	// back, respectively. The tunnel is never torn down for a local-only
	// failure: only the reachability probe over the public address can
	// trigger a reconnect.
	OnLocalServiceDown      func()
	OnLocalServiceRecovered func()

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTunnelProbe creates a probe for one established tunnel. interval is
// the user-configured cadence (config.Session.HealthCheckInterval); a
// zero interval falls back to TunnelProbeInterval.
func NewTunnelProbe(localAddr, publicAddr string, proto protocol.ProtocolKind, interval time.Duration, relay *RelayProbe, logger *slog.Logger) *TunnelProbe {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if interval <= 0 {
		interval = TunnelProbeInterval
	}
	return &TunnelProbe{
		localAddr:  localAddr,
		publicAddr: publicAddr,
		protocol:   proto,
		interval:   interval,
		relay:      relay,
		client:     &http.Client{Timeout: endToEndProbeTimeout},
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins polling. Stop releases the goroutine.
func (p *TunnelProbe) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *TunnelProbe) run() {
	defer p.wg.Done()
	defer recovery.RecoverWithLog(p.logger, "health.TunnelProbe.run")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			// Tie-break: end-to-end is skipped if local just failed this
			// cycle, since it could not have succeeded anyway.
			if !p.checkLocal() {
				p.checkEndToEnd()
			}
		}
	}
}

// checkLocal verifies the local service still accepts TCP connections. It
// never tears down the session: a down local service is reported via
// OnLocalServiceDown/OnLocalServiceRecovered, which the caller may use to
// log the condition without reconnecting. It reports whether this cycle's
// check failed, so run can skip the end-to-end leg on a local failure.
func (p *TunnelProbe) checkLocal() bool {
	conn, err := net.DialTimeout("tcp", p.localAddr, localProbeTimeout)
	if err != nil {
		n := p.localFails.Add(1)
		p.logger.Debug("local service probe failed",
			logging.KeyComponent, "tunnel_probe",
			logging.KeyLocalAddr, p.localAddr,
			logging.KeyAttempt, n,
			logging.KeyError, err)
		if n >= consecutiveFailThresh && p.localDown.CompareAndSwap(false, true) {
			p.logger.Warn("local service unreachable",
				logging.KeyComponent, "tunnel_probe",
				logging.KeyLocalAddr, p.localAddr)
			if p.OnLocalServiceDown != nil {
				p.OnLocalServiceDown()
			}
		}
		return true
	}
	conn.Close()
	p.localFails.Store(0)
	if p.localDown.CompareAndSwap(true, false) {
		p.logger.Info("local service reachable again",
			logging.KeyComponent, "tunnel_probe",
			logging.KeyLocalAddr, p.localAddr)
		if p.OnLocalServiceRecovered != nil {
			p.OnLocalServiceRecovered()
		}
	}
	return false
}

// checkEndToEnd exercises the public tunnel address the same way an
// external client would: an HTTP GET carrying the health-check header for
// http/https tunnels, or a bare TCP connect for raw tcp tunnels.
func (p *TunnelProbe) checkEndToEnd() {
	ok := p.probeEndToEndOnce()
	if ok {
		p.e2eFails.Store(0)
		return
	}

	n := p.e2eFails.Add(1)
	p.logger.Debug("end-to-end tunnel probe failed",
		logging.KeyComponent, "tunnel_probe",
		logging.KeyPublicAddr, p.publicAddr,
		logging.KeyAttempt, n)

	if n < consecutiveFailThresh {
		return
	}

	// Three consecutive failures: tie-break against relay reachability.
	if p.relay != nil && !p.relay.IsHealthy() {
		p.logger.Warn("tunnel unreachable but relay is also down, waiting for relay recovery",
			logging.KeyComponent, "tunnel_probe")
		if p.OnWaitingForRecovery != nil {
			p.OnWaitingForRecovery()
		}
		return
	}

	p.logger.Warn("tunnel unreachable while relay is healthy, requesting reconnect",
		logging.KeyComponent, "tunnel_probe")
	if p.OnReconnectNeeded != nil {
		p.OnReconnectNeeded()
	}
}

func (p *TunnelProbe) probeEndToEndOnce() bool {
	if p.protocol == protocol.ProtocolTCP {
		conn, err := net.DialTimeout("tcp", p.publicAddr, endToEndProbeTimeout)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), endToEndProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(p.publicAddr), nil)
	if err != nil {
		return false
	}
	req.Header.Set(HealthCheckHeader, "true")

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	// Any status code is success: a response of any kind, including a 5xx
	// returned by the local service through the tunnel, proves end-to-end
	// reachability.
	return true
}

// probeURL prefixes addr with a scheme if it doesn't already carry one.
// The control session passes the relay's bare host:port public address;
// net/http requires a scheme to dial it.
func probeURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "https://" + addr
}

// Stop terminates the poll loop and waits for it to exit.
func (p *TunnelProbe) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
