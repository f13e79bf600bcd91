// Package forward implements the bidirectional splicer: for every
// NEWCONN the control session dials the relay's data channel itself, then
// uses this package to tune that socket, dial and tune the local service,
// and copy bytes between the two until both directions finish. A splice
// failure is confined to its own pair and never propagates to the control
// session.
package forward

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relais-tunnel/relais-agent/internal/agenterr"
	"github.com/relais-tunnel/relais-agent/internal/logging"
	"github.com/relais-tunnel/relais-agent/internal/recovery"
)

const (
	// keepAliveIdle is the minimum idle time before a TCP keepalive probe
	// is sent.
	keepAliveIdle = 30 * time.Second

	// bufferSize is the socket buffer size applied to both ends of a
	// spliced pair.
	bufferSize = 256 * 1024

	// copyBufSize is the buffer used by the io.CopyBuffer loops. It is
	// independent of the socket buffer size above.
	copyBufSize = 32 * 1024
)

// halfCloser is implemented by connections that support half-close, the
// same narrow interface a relay-style half-close check looks for.
type halfCloser interface {
	CloseWrite() error
}

// TuneTCP applies the agent's socket tunables (NODELAY, keepalive,
// buffer sizes) to conn if it is a *net.TCPConn. Non-TCP connections
// (e.g. a test net.Pipe) are left untouched.
func TuneTCP(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return fmt.Errorf("set nodelay: %w", err)
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return fmt.Errorf("set keepalive: %w", err)
	}
	if err := tc.SetKeepAlivePeriod(keepAliveIdle); err != nil {
		return fmt.Errorf("set keepalive period: %w", err)
	}
	if err := tc.SetReadBuffer(bufferSize); err != nil {
		return fmt.Errorf("set read buffer: %w", err)
	}
	if err := tc.SetWriteBuffer(bufferSize); err != nil {
		return fmt.Errorf("set write buffer: %w", err)
	}
	return nil
}

// DialLocal connects to the local service address and tunes the resulting
// socket. It is the local-service half of every spliced pair.
func DialLocal(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindNetwork, fmt.Errorf("dial local service %s: %w", addr, err))
	}
	if err := TuneTCP(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tune local connection: %w", err)
	}
	return conn, nil
}

// Splice copies data bidirectionally between the data channel and the
// local service connection until both directions finish, applying
// half-close on EOF. Backpressure is the blocking copy loop itself: a
// write that cannot drain into the destination's socket buffer pauses
// the reads from the source until it does. A copy error on one
// connection never affects the other pair's splice: the caller is
// expected to have isolated each NEWCONN into its own goroutine with its
// own Splice call.
func Splice(logger *slog.Logger, connID string, dataConn, localConn net.Conn) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	logger = logger.With(logging.KeyConnID, connID)

	var wg sync.WaitGroup
	wg.Add(2)

	go copyDirection(&wg, logger, "data->local", dataConn, localConn)
	go copyDirection(&wg, logger, "local->data", localConn, dataConn)

	wg.Wait()
}

// copyDirection copies from src to dst and half-closes dst's write side
// once src reaches EOF.
func copyDirection(wg *sync.WaitGroup, logger *slog.Logger, direction string, src, dst net.Conn) {
	defer wg.Done()
	defer recovery.RecoverWithLog(logger, "forward.copyDirection")

	buf := make([]byte, copyBufSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil && err != io.EOF {
		logger.Debug("splice copy ended",
			logging.KeyDirection, direction,
			logging.KeyBytes, n,
			logging.KeyError, err)
	}

	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	}
}
