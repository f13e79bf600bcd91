// Package supervisor implements the reconnection engine: a single
// serial loop that runs one control.Session at a time, classifies the
// error it returns, and decides whether to retry immediately, retry
// after a backoff delay, wait for the relay to recover, or give up.
// "Agent mode" means the loop is infinite for every non-auth error; the
// failure tracker's closure ceiling is surfaced but never acted on here.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relais-tunnel/relais-agent/internal/agenterr"
	"github.com/relais-tunnel/relais-agent/internal/config"
	"github.com/relais-tunnel/relais-agent/internal/health"
	"github.com/relais-tunnel/relais-agent/internal/logging"
	"github.com/relais-tunnel/relais-agent/internal/metrics"
	"github.com/relais-tunnel/relais-agent/internal/reliability"
)

// ErrAuthFatal is returned by Run when the relay rejected the tunnel
// request's auth token. The caller (cmd/relais-agent) is expected to
// treat this as fatal and exit 1; the supervisor itself never calls
// os.Exit so it stays testable.
var ErrAuthFatal = errors.New("supervisor: fatal auth error, not retrying")

// Runner is the surface the supervisor needs from one connection attempt.
// *control.Session satisfies it; tests substitute a scripted fake so the
// reconnect loop can be exercised without touching real sockets.
type Runner interface {
	Run(ctx context.Context) error
}

// SessionFactory creates a fresh Runner for one attempt. A new Session
// must be built for every attempt: sessions are not reusable after Run
// returns, mirroring control.Session's own contract.
type SessionFactory func() Runner

// Supervisor drives the infinite reconnect loop.
type Supervisor struct {
	cfg     *config.Session
	newSess SessionFactory
	tracker *reliability.Tracker
	logger  *slog.Logger

	// relayHealthURL is passed to health.WaitForRecovery for the
	// HealthMonitorTriggered wait state; it mirrors the URL each
	// control.Session derives internally for its own RelayProbe.
	relayHealthURL string

	metrics *metrics.Metrics

	// sleep and now are overridable for deterministic tests.
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// SetMetrics attaches a metrics sink the supervisor updates as it runs.
func (sv *Supervisor) SetMetrics(m *metrics.Metrics) {
	sv.metrics = m
}

// New creates a Supervisor bound to cfg. It builds a fresh control.Session
// for every attempt via newSess, so tests can substitute a fake session
// factory without touching real sockets.
func New(cfg *config.Session, newSess SessionFactory, relayHealthURL string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Supervisor{
		cfg:            cfg,
		newSess:        newSess,
		tracker:        reliability.New(),
		logger:         logger,
		relayHealthURL: relayHealthURL,
		sleep:          sleepContext,
		now:            time.Now,
	}
}

// Run drives the supervisor loop until ctx is cancelled or a fatal
// AuthError is classified, in which case it returns ErrAuthFatal. Any
// other ctx cancellation returns ctx.Err(). This function does not
// return in the steady state: "success" (a session that runs forever)
// never happens in practice.
func (sv *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sv.metrics.IncReconnectAttempts()
		sess := sv.newSess()
		err := sess.Run(ctx)
		if err == nil {
			// A Session.Run that returns nil only happens on a deliberate,
			// successful teardown with no error to classify.
			sv.tracker.Reset()
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if action := sv.classify(err); !action(ctx) {
			return ErrAuthFatal
		}
	}
}

// classify dispatches on err's Kind and returns a closure that applies
// the resulting action (wait/backoff/continue) and reports whether the
// loop should keep going (false only for AuthError).
func (sv *Supervisor) classify(err error) func(ctx context.Context) bool {
	kind := agenterr.KindOf(err)

	switch {
	case kind == agenterr.KindAuth:
		sv.logger.Error("authentication failed, not retrying", logging.KeyError, err)
		return func(context.Context) bool { return false }

	case kind == agenterr.KindHealthMonitorTriggered:
		sv.logger.Warn("relay unreachable, waiting for recovery", logging.KeyError, err)
		return func(ctx context.Context) bool {
			if waitErr := health.WaitForRecovery(ctx, sv.relayHealthURL, sv.logger); waitErr != nil {
				return true
			}
			sv.tracker.Reset()
			return true
		}

	case kind == agenterr.KindEstablishTimeout:
		sv.logger.Warn("establishment timed out, retrying without backoff", logging.KeyError, err)
		return func(context.Context) bool { return true }

	case kind == agenterr.KindTunnelHealthTriggered:
		sv.logger.Warn("tunnel unreachable, reconnecting without backoff", logging.KeyError, err)
		sv.tracker.Reset()
		return func(context.Context) bool { return true }

	case agenterr.IsServerClosed(err):
		sv.tracker.RecordServerClosure()
		sv.metrics.IncServerClosure()
		return sv.backoffAction("server closed control connection", err)

	case reliability.IsNetworkError(unwrapForClassification(err)):
		sv.tracker.RecordNetworkError()
		sv.metrics.IncNetworkError()
		return sv.backoffAction("network error", err)

	default:
		// Anything unclassified is treated as a network error rather than
		// left unhandled.
		sv.tracker.RecordNetworkError()
		sv.metrics.IncNetworkError()
		return sv.backoffAction("unclassified error, treating as network error", err)
	}
}

// backoffAction logs msg/err, sleeps the tracker's current backoff
// duration, and always reports "keep going".
func (sv *Supervisor) backoffAction(msg string, err error) func(ctx context.Context) bool {
	delay := sv.tracker.BackoffDuration()
	sv.metrics.ObserveBackoff(delay)
	return func(ctx context.Context) bool {
		sv.logger.Info(msg, logging.KeyError, err, logging.KeyBackoff, delay)
		sv.sleep(ctx, delay)
		return true
	}
}

// unwrapForClassification unwraps an *agenterr.Error down to the
// underlying cause so reliability.IsNetworkError can inspect the raw
// syscall/net error it wraps.
func unwrapForClassification(err error) error {
	var e *agenterr.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err
	}
	return err
}

// sleepContext sleeps for d or until ctx is cancelled, whichever comes
// first.
func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
