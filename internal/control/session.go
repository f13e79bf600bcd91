// Package control drives one control-channel attempt through the
// INIT -> DIALING -> HANDSHAKING -> REQUESTING -> RUNNING -> TEARDOWN
// state machine: dial the relay, optionally establish the secure channel,
// request the tunnel, then read control frames until the channel closes
// or a failure interrupts it. Every NEWCONN dispatched while RUNNING is
// handed to the forward package as an isolated splice.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relais-tunnel/relais-agent/internal/agenterr"
	"github.com/relais-tunnel/relais-agent/internal/config"
	relaiscrypto "github.com/relais-tunnel/relais-agent/internal/crypto"
	"github.com/relais-tunnel/relais-agent/internal/forward"
	"github.com/relais-tunnel/relais-agent/internal/health"
	"github.com/relais-tunnel/relais-agent/internal/logging"
	"github.com/relais-tunnel/relais-agent/internal/metrics"
	"github.com/relais-tunnel/relais-agent/internal/protocol"
	"github.com/relais-tunnel/relais-agent/internal/recovery"
)

// State is one node of the control session's lifecycle.
type State int

const (
	StateInit State = iota
	StateDialing
	StateHandshaking
	StateRequesting
	StateRunning
	StateTeardown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateDialing:
		return "DIALING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateRequesting:
		return "REQUESTING"
	case StateRunning:
		return "RUNNING"
	case StateTeardown:
		return "TEARDOWN"
	default:
		return "UNKNOWN"
	}
}

// Session runs a single connection attempt from dial through teardown.
// A fresh Session must be created for every reconnect attempt; it is not
// reusable once Run returns.
type Session struct {
	cfg    *config.Session
	logger *slog.Logger

	conn   net.Conn
	reader *protocol.FrameReader
	writer *protocol.FrameWriter

	sessionKey *relaiscrypto.SessionKey

	watchdog    *health.HeartbeatWatchdog
	relayProbe  *health.RelayProbe
	tunnelProbe *health.TunnelProbe

	// metrics is nil unless SetMetrics is called; every Metrics method is
	// nil-receiver safe so the session never needs to branch on it.
	metrics *metrics.Metrics

	// triggeredKind records which health monitor asked for a teardown, so
	// the read-error path in serve() can classify the resulting Closed
	// error as HealthMonitorTriggered / TunnelHealthTriggered instead of
	// a generic Closed/NetworkError. The probes never touch session state
	// directly (per the design notes' "probe never holds a strong
	// reference to the session" rule) beyond this flag and closing conn.
	triggeredKind   agenterr.Kind
	triggeredKindMu sync.Mutex

	state   State
	stateMu sync.Mutex

	splices sync.WaitGroup
}

// New creates a control session bound to cfg. logger may be nil.
func New(cfg *config.Session, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Session{cfg: cfg, logger: logger, state: StateInit}
}

// SetMetrics attaches a metrics sink the session updates as it runs.
// Optional: an unset session simply skips instrumentation.
func (s *Session) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// State returns the session's current lifecycle node.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	s.logger.Debug("control session state transition", logging.KeyState, st.String())
}

// Run drives the session through every state until RUNNING ends (by
// server closure, network failure, or ctx cancellation) and then through
// TEARDOWN. The returned error is always an *agenterr.Error so the
// supervisor can dispatch on its Kind.
func (s *Session) Run(ctx context.Context) error {
	defer recovery.RecoverWithLog(s.logger, "control.Session.Run")
	defer s.teardown()

	establishCtx, cancel := context.WithTimeout(ctx, s.cfg.EstablishTimeout)
	defer cancel()

	if err := s.establish(establishCtx); err != nil {
		if establishCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return agenterr.New(agenterr.KindEstablishTimeout, "establishment did not reach RUNNING in time")
		}
		return err
	}
	s.conn.SetDeadline(time.Time{})

	// net.Conn reads/writes don't observe ctx directly; closing the
	// socket on cancellation is what unblocks a pending frame read.
	closeOnCancel := make(chan struct{})
	defer close(closeOnCancel)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-closeOnCancel:
		}
	}()

	return s.serve(ctx)
}

// establish runs DIALING through REQUESTING, the three phases bounded by
// the establishment timeout: past this point the session is RUNNING and
// its liveness is policed by the heartbeat watchdog, the health probes and
// serve's per-read inactivity deadline.
func (s *Session) establish(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return err
	}
	if err := s.handshake(ctx); err != nil {
		return err
	}
	return s.requestTunnel(ctx)
}

// dialNotFoundBackoff drives the INIT -> DIALING retry: on a DNS
// name-not-found failure retry up to 3 times with exponential backoff,
// 2s/4s/8s; any other dial error is surfaced immediately.
var dialNotFoundBackoff = [...]time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// dial performs INIT -> DIALING: a bounded TCP connect to the relay. DNS
// not-found failures are retried with backoff; every other dial error
// (refused, timed out, unreachable) surfaces on the first attempt.
func (s *Session) dial(ctx context.Context) error {
	s.setState(StateDialing)

	var lastErr error
	for attempt := 0; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
		d := net.Dialer{}
		conn, err := d.DialContext(dialCtx, "tcp", s.cfg.RelayAddr)
		cancel()
		if err == nil {
			if err := forward.TuneTCP(conn); err != nil {
				s.logger.Debug("tune control connection failed", logging.KeyError, err)
			}
			// net.Conn reads don't observe ctx; pinning the establishment
			// deadline on the socket is what bounds a hung handshake or
			// tunnel-request read. Run clears it once the session is RUNNING.
			if deadline, ok := ctx.Deadline(); ok {
				conn.SetDeadline(deadline)
			}
			s.conn = conn
			s.reader = protocol.NewFrameReader(conn)
			s.writer = protocol.NewFrameWriter(conn)
			return nil
		}
		lastErr = err

		if !isDNSNotFound(err) || attempt >= len(dialNotFoundBackoff) {
			return agenterr.Wrap(agenterr.KindNetwork, fmt.Errorf("dial relay %s: %w", s.cfg.RelayAddr, lastErr))
		}

		backoff := dialNotFoundBackoff[attempt]
		s.logger.Debug("relay name not found, retrying",
			logging.KeyComponent, "control.session",
			logging.KeyAttempt, attempt+1,
			logging.KeyError, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return agenterr.Wrap(agenterr.KindNetwork, fmt.Errorf("dial relay %s: %w", s.cfg.RelayAddr, ctx.Err()))
		}
	}
}

// isDNSNotFound reports whether err is a DNS resolution failure for a
// nonexistent name (ENOTFOUND), as opposed to a connection-level failure
// (refused, timed out, unreachable).
func isDNSNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}

// handshake performs DIALING -> HANDSHAKING: when encryption is enabled,
// exchange ephemeral P-256 keys and derive the session's AES-256-GCM key.
// When disabled, this is a no-op and subsequent frames use the legacy
// plaintext line-JSON framing.
func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateHandshaking)

	if !s.cfg.EncryptionEnabled {
		return nil
	}

	keyPair, err := relaiscrypto.GenerateKeyPair()
	if err != nil {
		return agenterr.Wrap(agenterr.KindCrypto, err)
	}

	init := protocol.SecureInit{
		Command:         protocol.CommandSecureInit,
		ClientPublicKey: keyPair.PublicKeyBase64(),
	}
	payload, err := init.Encode()
	if err != nil {
		return agenterr.Wrap(agenterr.KindProtocol, err)
	}
	if err := s.writer.WriteHandshake(payload); err != nil {
		return classifyIOError(err)
	}
	s.traceFrame("handshake", "out", len(payload))

	raw, err := s.reader.ReadHandshake()
	if err != nil {
		return classifyIOError(err)
	}
	s.traceFrame("handshake", "in", len(raw))
	ack, err := protocol.DecodeSecureAck(raw)
	if err != nil {
		return agenterr.Wrap(agenterr.KindProtocol, err)
	}
	if !strings.EqualFold(ack.Status, "ok") {
		return agenterr.New(agenterr.KindProtocol, ack.Error)
	}

	peerPub, err := relaiscrypto.ParsePublicKeyBase64(ack.ServerPublicKey)
	if err != nil {
		return err
	}

	sessionKey, err := relaiscrypto.DeriveSessionKey(keyPair, peerPub)
	if err != nil {
		return err
	}
	s.sessionKey = sessionKey
	return nil
}

// requestTunnel performs HANDSHAKING -> REQUESTING: send the TUNNEL
// request and wait for the relay's TUNNEL_RESPONSE.
func (s *Session) requestTunnel(ctx context.Context) error {
	s.setState(StateRequesting)

	req := protocol.TunnelRequest{
		Command:    protocol.CommandTunnel,
		LocalPort:  strconv.Itoa(s.cfg.LocalPort),
		Domain:     s.cfg.Domain,
		RemotePort: requestedPortString(s.cfg.RequestedPort),
		Token:      s.cfg.Token,
		Protocol:   s.cfg.Protocol,
	}
	plaintext, err := req.Encode()
	if err != nil {
		return agenterr.Wrap(agenterr.KindProtocol, err)
	}

	if err := s.writeControl(plaintext); err != nil {
		return err
	}

	raw, err := s.readControlRaw()
	if err != nil {
		return err
	}

	resp, err := protocol.DecodeTunnelResponse(raw)
	if err != nil {
		return agenterr.Wrap(agenterr.KindProtocol, err)
	}
	if !strings.EqualFold(resp.Status, "ok") {
		if strings.Contains(resp.Error, "Token") {
			return agenterr.New(agenterr.KindAuth, resp.Error)
		}
		return agenterr.New(agenterr.KindServer, resp.Error)
	}

	s.logger.Info("tunnel established", logging.KeyPublicAddr, resp.PublicAddr)

	if s.cfg.HealthCheckEnabled {
		s.relayProbe = health.NewRelayProbe(RelayHealthURL(s.cfg.RelayAddr), s.logger)
		s.relayProbe.OnConnectionLost = func() { s.triggerTeardown(agenterr.KindHealthMonitorTriggered) }
		s.relayProbe.Start()

		s.tunnelProbe = health.NewTunnelProbe(s.cfg.LocalAddr(), resp.PublicAddr, s.cfg.Protocol, s.cfg.HealthCheckInterval, s.relayProbe, s.logger)
		s.tunnelProbe.OnReconnectNeeded = func() { s.triggerTeardown(agenterr.KindTunnelHealthTriggered) }
		s.tunnelProbe.Start()
	}

	return nil
}

// triggerTeardown is the single outbound signal a health probe is allowed
// to send back into the session: it never reaches into session state
// beyond recording which kind should classify the resulting Closed error,
// then destroys the control socket, the one cancellation primitive every
// blocked reader observes.
func (s *Session) triggerTeardown(kind agenterr.Kind) {
	s.triggeredKindMu.Lock()
	first := s.triggeredKind == agenterr.KindUnknown
	if first {
		s.triggeredKind = kind
	}
	s.triggeredKindMu.Unlock()
	if first && s.conn != nil {
		s.conn.Close()
	}
}

// takeTriggeredKind returns and clears any health-monitor-requested
// teardown kind recorded by triggerTeardown.
func (s *Session) takeTriggeredKind() agenterr.Kind {
	s.triggeredKindMu.Lock()
	defer s.triggeredKindMu.Unlock()
	kind := s.triggeredKind
	s.triggeredKind = agenterr.KindUnknown
	return kind
}

// serve performs REQUESTING -> RUNNING: read control frames until the
// channel closes, dispatching HEARTBEAT to the watchdog and NEWCONN to a
// new forward.Splice goroutine.
func (s *Session) serve(ctx context.Context) error {
	s.setState(StateRunning)
	s.metrics.SetTunnelUp(true)
	defer s.metrics.SetTunnelUp(false)

	s.watchdog = health.NewHeartbeatWatchdog(s.logger)
	s.watchdog.OnWarn = func(age time.Duration) {
		s.metrics.ObserveHeartbeatAge(age)
	}
	s.watchdog.OnStale = func(age time.Duration) {
		s.metrics.ObserveHeartbeatAge(age)
		s.conn.Close()
	}
	s.watchdog.Start()
	defer s.watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return agenterr.Wrap(agenterr.KindClosed, ctx.Err())
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(config.ControlInactivityTimeout))
		raw, err := s.readControlRaw()
		if err != nil {
			if ctx.Err() != nil {
				return agenterr.Wrap(agenterr.KindClosed, ctx.Err())
			}
			if kind := s.takeTriggeredKind(); kind != agenterr.KindUnknown {
				return agenterr.New(kind, "health monitor requested teardown")
			}
			return err
		}
		msg, err := protocol.DecodeControlMessage(raw)
		if err != nil {
			s.logger.Debug("dropping unparseable control frame", logging.KeyError, err)
			continue
		}

		switch m := msg.(type) {
		case protocol.Heartbeat:
			// No response required; the server only wants t_last updated.
			s.watchdog.Touch()
		case protocol.NewConn:
			s.splices.Add(1)
			go s.handleNewConn(ctx, m)
		case protocol.Unknown:
			s.logger.Debug("unknown control command", "command", m.Command)
		}
	}
}

// handleNewConn dials the relay's data channel and the local service,
// then splices them. A failure here is confined to this connection pair
// and never returned to serve's caller.
func (s *Session) handleNewConn(ctx context.Context, m protocol.NewConn) {
	defer s.splices.Done()
	defer recovery.RecoverWithLog(s.logger, "control.Session.handleNewConn")

	s.metrics.SpliceOpened()
	defer s.metrics.SpliceClosed()

	d := net.Dialer{Timeout: config.DialTimeout}
	dataConn, err := d.DialContext(ctx, "tcp", m.DataAddr)
	if err != nil {
		s.logger.Debug("dial data channel failed", logging.KeyConnID, m.ConnID, logging.KeyError, err)
		return
	}
	defer dataConn.Close()
	if err := forward.TuneTCP(dataConn); err != nil {
		s.logger.Debug("tune data channel failed", logging.KeyConnID, m.ConnID, logging.KeyError, err)
	}

	localConn, err := forward.DialLocal(ctx, s.cfg.LocalAddr(), config.DialTimeout)
	if err != nil {
		s.logger.Debug("dial local service failed", logging.KeyConnID, m.ConnID, logging.KeyError, err)
		return
	}
	defer localConn.Close()

	forward.Splice(s.logger, m.ConnID, dataConn, localConn)
}

// writeControl writes plaintext to the wire, sealing it with the session
// key's AEAD when encryption is enabled, otherwise as a legacy JSON line.
func (s *Session) writeControl(plaintext []byte) error {
	if s.sessionKey != nil {
		record, err := s.sessionKey.Encrypt(plaintext)
		if err != nil {
			return agenterr.Wrap(agenterr.KindCrypto, err)
		}
		if err := s.writer.WriteEncrypted(record); err != nil {
			return classifyIOError(err)
		}
		s.traceFrame("encrypted", "out", len(record))
		return nil
	}
	if err := s.writer.WriteLine(plaintext); err != nil {
		return classifyIOError(err)
	}
	s.traceFrame("line", "out", len(plaintext))
	return nil
}

// readControlRaw reads and, if necessary, decrypts one control frame.
func (s *Session) readControlRaw() ([]byte, error) {
	if s.sessionKey != nil {
		record, err := s.reader.ReadEncrypted()
		if err != nil {
			return nil, classifyIOError(err)
		}
		s.traceFrame("encrypted", "in", len(record))
		plaintext, err := s.sessionKey.Decrypt(record)
		if err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	line, err := s.reader.ReadLine()
	if err != nil {
		return nil, classifyIOError(err)
	}
	s.traceFrame("line", "in", len(line))
	return line, nil
}

// traceFrame emits the per-frame debug trace verbose mode surfaces.
func (s *Session) traceFrame(frameType, direction string, n int) {
	s.logger.Debug("control frame",
		logging.KeyFrameType, frameType,
		logging.KeyDirection, direction,
		logging.KeyBytes, n)
}

// teardown performs RUNNING -> TEARDOWN: close the socket, stop the
// health monitors and wait for in-flight splices to notice the closed
// connections and exit. Splice goroutines are not force-killed: they
// observe EOF/errors on their own connections once conn is closed.
func (s *Session) teardown() {
	s.setState(StateTeardown)

	if s.relayProbe != nil {
		s.relayProbe.Stop()
	}
	if s.tunnelProbe != nil {
		s.tunnelProbe.Stop()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.splices.Wait()
}

// classifyIOError converts a raw I/O error from the frame layer into the
// closed error taxonomy, preserving an already-classified agenterr.Error.
// A read unblocked by a local destroy of the socket resolves as Closed;
// everything else at this layer is a network-level failure.
func classifyIOError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*agenterr.Error); ok {
		return err
	}
	if errors.Is(err, net.ErrClosed) {
		return agenterr.Wrap(agenterr.KindClosed, err)
	}
	return agenterr.Wrap(agenterr.KindNetwork, err)
}

// RelayHealthURL derives the relay's health endpoint from its control
// address, assuming the relay exposes its health endpoint on the same host.
func RelayHealthURL(relayAddr string) string {
	host, _, err := net.SplitHostPort(relayAddr)
	if err != nil {
		host = relayAddr
	}
	return fmt.Sprintf("https://%s/healthz", host)
}

// requestedPortString renders an optional requested remote port: 0 (unset)
// becomes "", which tells the relay to choose one.
func requestedPortString(port int) string {
	if port == 0 {
		return ""
	}
	return strconv.Itoa(port)
}
