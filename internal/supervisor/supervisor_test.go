package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relais-tunnel/relais-agent/internal/agenterr"
	"github.com/relais-tunnel/relais-agent/internal/config"
)

// scriptedRunner replays a fixed sequence of errors, one per Run call,
// and reports how many times it was invoked.
type scriptedRunner struct {
	errs  []error
	calls atomic.Int32
}

func (r *scriptedRunner) Run(ctx context.Context) error {
	n := int(r.calls.Add(1)) - 1
	if n >= len(r.errs) {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.errs[n]
}

func testConfig() *config.Session {
	return &config.Session{LocalHost: "localhost", LocalPort: 3000, RelayAddr: "relay.example:443"}
}

func newTestSupervisor(t *testing.T, errs []error) (*Supervisor, *scriptedRunner, *[]time.Duration) {
	t.Helper()
	runner := &scriptedRunner{errs: errs}
	sv := New(testConfig(), func() Runner { return runner }, "https://relay.example/healthz", nil)

	var sleeps []time.Duration
	sv.sleep = func(ctx context.Context, d time.Duration) {
		sleeps = append(sleeps, d)
	}
	return sv, runner, &sleeps
}

func TestSupervisorStopsOnAuthError(t *testing.T) {
	sv, runner, _ := newTestSupervisor(t, []error{
		agenterr.New(agenterr.KindAuth, "Invalid Token"),
	})

	err := sv.Run(context.Background())
	if !errors.Is(err, ErrAuthFatal) {
		t.Fatalf("expected ErrAuthFatal, got %v", err)
	}
	if runner.calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", runner.calls.Load())
	}
}

func TestSupervisorBackoffSequenceDoublesAndCaps(t *testing.T) {
	sv, _, sleeps := newTestSupervisor(t, []error{
		agenterr.ServerClosed(),
		agenterr.ServerClosed(),
		agenterr.ServerClosed(),
		agenterr.ServerClosed(),
		agenterr.ServerClosed(),
		agenterr.ServerClosed(),
		agenterr.New(agenterr.KindAuth, "Invalid Token"), // stop the loop deterministically
	})

	_ = sv.Run(context.Background())

	// The sixth closure would double to 32s; it is capped at 30s.
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %d: %v", len(want), len(*sleeps), *sleeps)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Fatalf("sleep[%d]: expected %s, got %s", i, d, (*sleeps)[i])
		}
	}
}

func TestSupervisorEstablishTimeoutSkipsBackoff(t *testing.T) {
	sv, runner, sleeps := newTestSupervisor(t, []error{
		agenterr.New(agenterr.KindEstablishTimeout, "establishment window exceeded"),
		agenterr.New(agenterr.KindAuth, "Invalid Token"),
	})

	_ = sv.Run(context.Background())

	if len(*sleeps) != 0 {
		t.Fatalf("expected no backoff sleep for EstablishTimeout, got %v", *sleeps)
	}
	if runner.calls.Load() != 2 {
		t.Fatalf("expected two attempts, got %d", runner.calls.Load())
	}
}

func TestSupervisorTunnelHealthTriggeredResetsTrackerWithoutBackoff(t *testing.T) {
	sv, _, sleeps := newTestSupervisor(t, []error{
		agenterr.ServerClosed(),
		agenterr.New(agenterr.KindTunnelHealthTriggered, "tunnel unreachable"),
		agenterr.ServerClosed(),
		agenterr.New(agenterr.KindAuth, "Invalid Token"),
	})

	_ = sv.Run(context.Background())

	// Only the two ServerClosed errors produce backoff sleeps;
	// TunnelHealthTriggered skips backoff and resets the tracker, so the
	// closure after it restarts from 1s instead of doubling to 2s.
	if len(*sleeps) != 2 || (*sleeps)[0] != time.Second || (*sleeps)[1] != time.Second {
		t.Fatalf("expected two 1s backoff sleeps, got %v", *sleeps)
	}
}

func TestSupervisorHealthMonitorTriggeredWaitsForRelayRecovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":200,"message":"all systems healthy"}`))
	}))
	defer srv.Close()

	runner := &scriptedRunner{errs: []error{
		agenterr.New(agenterr.KindHealthMonitorTriggered, "relay unreachable"),
		agenterr.New(agenterr.KindAuth, "Invalid Token"),
	}}
	sv := New(testConfig(), func() Runner { return runner }, srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sv.Run(ctx)
	if !errors.Is(err, ErrAuthFatal) {
		t.Fatalf("expected ErrAuthFatal after relay recovery, got %v", err)
	}
	if runner.calls.Load() != 2 {
		t.Fatalf("expected reconnect immediately after recovery, got %d calls", runner.calls.Load())
	}
}

func TestSupervisorResetsTrackerOnNilErrorSuccess(t *testing.T) {
	sv, runner, sleeps := newTestSupervisor(t, []error{
		agenterr.ServerClosed(),
		nil,
		agenterr.ServerClosed(),
		agenterr.New(agenterr.KindAuth, "Invalid Token"),
	})

	err := sv.Run(context.Background())
	if !errors.Is(err, ErrAuthFatal) {
		t.Fatalf("expected ErrAuthFatal, got %v", err)
	}
	if runner.calls.Load() != 4 {
		t.Fatalf("expected four attempts (closure, success, closure, auth failure), got %d", runner.calls.Load())
	}
	// The nil-error success resets the tracker, so the second closure
	// restarts from 1s instead of doubling to 2s.
	if len(*sleeps) != 2 || (*sleeps)[0] != time.Second || (*sleeps)[1] != time.Second {
		t.Fatalf("expected two 1s backoff sleeps, got %v", *sleeps)
	}
}
