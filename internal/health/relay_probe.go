package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/relais-tunnel/relais-agent/internal/logging"
	"github.com/relais-tunnel/relais-agent/internal/recovery"
)

const (
	// RelayProbeInterval is the cadence of the relay-reachability check.
	RelayProbeInterval = 5 * time.Second

	// RelayProbeTimeout bounds each individual HTTPS GET.
	RelayProbeTimeout = 10 * time.Second

	// RelayUnhealthyThreshold is how long the relay must be continuously
	// unreachable before OnConnectionLost fires.
	RelayUnhealthyThreshold = 30 * time.Second
)

// healthResponse is the expected JSON body of the relay's health endpoint:
// {"code": 200, "message": "... healthy ..."}.
type healthResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RelayProbe polls the relay's HTTPS health endpoint on a fixed cadence
// and reports sustained unreachability, applying hysteresis instead of
// acting on a single pass/fail result.
type RelayProbe struct {
	url    string
	client *http.Client
	logger *slog.Logger

	unhealthySince atomic.Int64 // unix nanoseconds, 0 = currently healthy
	lost           atomic.Bool

	OnConnectionLost     func()
	OnConnectionRestored func()

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRelayProbe creates a probe against healthURL (the relay's
// "/healthz"-style endpoint).
func NewRelayProbe(healthURL string, logger *slog.Logger) *RelayProbe {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &RelayProbe{
		url:    healthURL,
		client: &http.Client{Timeout: RelayProbeTimeout},
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins polling. Stop releases the goroutine.
func (p *RelayProbe) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *RelayProbe) run() {
	defer p.wg.Done()
	defer recovery.RecoverWithLog(p.logger, "health.RelayProbe.run")

	ticker := time.NewTicker(RelayProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.check()
		}
	}
}

func (p *RelayProbe) check() {
	ctx, cancel := context.WithTimeout(context.Background(), RelayProbeTimeout)
	defer cancel()

	if p.probeOnce(ctx) {
		p.unhealthySince.Store(0)
		if p.lost.CompareAndSwap(true, false) {
			p.logger.Info("relay reachability restored", logging.KeyComponent, "relay_probe")
			if p.OnConnectionRestored != nil {
				p.OnConnectionRestored()
			}
		}
		return
	}

	since := p.unhealthySince.Load()
	now := time.Now()
	if since == 0 {
		p.unhealthySince.Store(now.UnixNano())
		return
	}

	if now.Sub(time.Unix(0, since)) >= RelayUnhealthyThreshold {
		if p.lost.CompareAndSwap(false, true) {
			p.logger.Warn("relay unreachable",
				logging.KeyComponent, "relay_probe",
				"unreachable_since", humanize.Time(time.Unix(0, since)))
			if p.OnConnectionLost != nil {
				p.OnConnectionLost()
			}
		}
	}
}

// probeOnce performs a single HTTPS GET and checks for a 200 response
// whose body reports {"code":200,"message":"...healthy..."}.
func (p *RelayProbe) probeOnce(ctx context.Context) bool {
	return checkHealth(ctx, p.client, p.url)
}

// checkHealth is the shared single-probe implementation behind both the
// ticking RelayProbe and the standalone WaitForRecovery blocking helper.
func checkHealth(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Code == http.StatusOK && strings.Contains(strings.ToLower(body.Message), "healthy")
}

// WaitForRecovery blocks, polling healthURL at RelayProbeInterval, until a
// single probe succeeds or ctx is cancelled. When the relay itself has
// gone dark the supervisor enters this call instead of sleeping a fixed
// backoff, and reconnects immediately once it returns nil.
func WaitForRecovery(ctx context.Context, healthURL string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NopLogger()
	}
	client := &http.Client{Timeout: RelayProbeTimeout}

	if checkHealth(ctx, client, healthURL) {
		return nil
	}

	ticker := time.NewTicker(RelayProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if checkHealth(ctx, client, healthURL) {
				logger.Info("relay reachability restored, resuming", logging.KeyComponent, "relay_probe")
				return nil
			}
		}
	}
}

// IsHealthy reports the current sustained-health state, used by the
// tunnel probe's tie-break logic.
func (p *RelayProbe) IsHealthy() bool {
	return !p.lost.Load()
}

// Stop terminates the poll loop and waits for it to exit.
func (p *RelayProbe) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
