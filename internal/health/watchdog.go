// Package health implements the three independent surveillance layers:
// a heartbeat watchdog over the control channel, an
// HTTPS relay-reachability probe, and an end-to-end tunnel-reachability
// probe. Each runs on its own ticker and reports through callbacks rather
// than blocking the caller.
package health

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/relais-tunnel/relais-agent/internal/logging"
	"github.com/relais-tunnel/relais-agent/internal/recovery"
)

// The two thresholds form an escalation: silence past the shorter one is
// worth telling the operator about, silence past the longer one means the
// control channel is gone and only a reconnect will fix it.
const (
	// HeartbeatWarnThreshold is the silence duration after which the
	// watchdog logs a warning but keeps waiting.
	HeartbeatWarnThreshold = 30 * time.Second

	// HeartbeatTriggerThreshold is the silence duration after which the
	// watchdog considers the control channel dead and fires its callback.
	HeartbeatTriggerThreshold = 120 * time.Second

	heartbeatPollInterval = 5 * time.Second
)

// HeartbeatWatchdog tracks the age of the most recently received server
// HEARTBEAT and fires OnStale once that age crosses
// HeartbeatTriggerThreshold. Touch must be called by the control
// session's read loop on every inbound HEARTBEAT; other frames do not
// reset the clock, so a server that keeps dispatching connections but
// stops heartbeating is still caught.
type HeartbeatWatchdog struct {
	logger *slog.Logger

	lastSeen atomic.Int64 // unix nanoseconds
	warned   atomic.Bool

	OnWarn  func(age time.Duration)
	OnStale func(age time.Duration)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeatWatchdog creates a watchdog with its clock started at now.
func NewHeartbeatWatchdog(logger *slog.Logger) *HeartbeatWatchdog {
	if logger == nil {
		logger = logging.NopLogger()
	}
	w := &HeartbeatWatchdog{
		logger: logger,
		stopCh: make(chan struct{}),
	}
	w.lastSeen.Store(time.Now().UnixNano())
	return w
}

// Touch resets the silence clock; call on every received HEARTBEAT.
func (w *HeartbeatWatchdog) Touch() {
	wasWarned := w.warned.Swap(false)
	w.lastSeen.Store(time.Now().UnixNano())
	if wasWarned && w.logger != nil {
		w.logger.Info("heartbeat resumed", logging.KeyComponent, "heartbeat_watchdog")
	}
}

// Age returns how long it has been since the last Touch.
func (w *HeartbeatWatchdog) Age() time.Duration {
	return time.Since(time.Unix(0, w.lastSeen.Load()))
}

// Start begins the background poll loop. Stop must be called to release it.
func (w *HeartbeatWatchdog) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *HeartbeatWatchdog) run() {
	defer w.wg.Done()
	defer recovery.RecoverWithLog(w.logger, "health.HeartbeatWatchdog.run")

	ticker := time.NewTicker(heartbeatPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkOnce()
		}
	}
}

// checkOnce evaluates the current silence age and fires OnWarn/OnStale as
// needed. Split out from run's ticker loop so tests can drive it without
// waiting out real poll intervals.
func (w *HeartbeatWatchdog) checkOnce() {
	age := w.Age()
	switch {
	case age >= HeartbeatTriggerThreshold:
		w.logger.Warn("heartbeat watchdog triggered",
			logging.KeyComponent, "heartbeat_watchdog",
			logging.KeyDuration, age)
		if w.OnStale != nil {
			w.OnStale(age)
		}
	case age >= HeartbeatWarnThreshold:
		if !w.warned.Swap(true) {
			w.logger.Warn("control channel heartbeat delayed",
				logging.KeyComponent, "heartbeat_watchdog",
				logging.KeyDuration, age,
				"last_heartbeat", humanize.Time(time.Unix(0, w.lastSeen.Load())))
			if w.OnWarn != nil {
				w.OnWarn(age)
			}
		}
	}
}

// Stop terminates the poll loop and waits for it to exit.
func (w *HeartbeatWatchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
