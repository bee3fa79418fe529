// Package health tracks whether the remote backend is up. The backend may
// cold-start, so callers gate expensive requests on a cheap liveness probe.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/baburama/notebuddy/internal/schedule"
)

// Status is the backend liveness as last observed.
type Status int

const (
	Unknown Status = iota
	Starting
	Ready
)

func (s Status) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	defaultTimeout         = 10 * time.Second
	defaultRefreshInterval = 5 * time.Minute
)

// Options configures a Monitor. Zero values select the defaults.
type Options struct {
	Timeout         time.Duration
	RefreshInterval time.Duration
	HTTPClient      *http.Client
	Clock           schedule.Clock
	Logger          *slog.Logger
}

// Monitor probes GET /health and holds the resulting Status. It is the only
// writer of that status.
type Monitor struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	refresh    time.Duration
	clock      schedule.Clock
	logger     *slog.Logger

	probes singleflight.Group

	mu     sync.RWMutex
	status Status
}

// New creates a Monitor for the backend at baseURL. Status starts Unknown.
func New(baseURL string, opts Options) *Monitor {
	m := &Monitor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		refresh:    opts.RefreshInterval,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{}
	}
	if m.timeout <= 0 {
		m.timeout = defaultTimeout
	}
	if m.refresh <= 0 {
		m.refresh = defaultRefreshInterval
	}
	if m.clock == nil {
		m.clock = schedule.Real()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Status returns the last observed status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) set(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

type healthResponse struct {
	Status string `json:"status"`
}

// Check probes the backend once and records the result. Concurrent callers
// share a single in-flight probe. Check never fails: every error maps to
// Starting.
func (m *Monitor) Check(ctx context.Context) Status {
	v, _, _ := m.probes.Do("health", func() (any, error) {
		s := m.probe(ctx)
		m.set(s)
		return s, nil
	})
	return v.(Status)
}

func (m *Monitor) probe(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		m.logger.Debug("health probe", "error", err)
		return Starting
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Debug("health probe failed", "error", err)
		return Starting
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.Debug("health probe", "status", resp.StatusCode)
		return Starting
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		m.logger.Debug("health probe: malformed body", "error", err)
		return Starting
	}
	if body.Status != "healthy" {
		m.logger.Debug("backend degraded", "status", body.Status)
		return Starting
	}
	return Ready
}

// WaitForReady returns true as soon as the backend is Ready. If it is not
// already Ready, it probes once immediately and then up to maxAttempts more
// times, interval apart. It returns false when every probe failed or ctx ended.
func (m *Monitor) WaitForReady(ctx context.Context, maxAttempts int, interval time.Duration) bool {
	if m.Status() == Ready {
		return true
	}
	if m.Check(ctx) == Ready {
		return true
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		m.logger.Info("waiting for backend to start", "attempt", attempt, "max", maxAttempts)
		if err := schedule.Sleep(ctx, m.clock, interval); err != nil {
			return false
		}
		if m.Check(ctx) == Ready {
			return true
		}
	}
	return false
}

// Run re-probes the backend every refresh interval until ctx is cancelled.
// The first probe happens immediately.
func (m *Monitor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		prev := m.Status()
		if s := m.Check(ctx); s != prev {
			m.logger.Info("backend status changed", "from", prev, "to", s)
		}
		if err := schedule.Sleep(ctx, m.clock, m.refresh); err != nil {
			return
		}
	}
}
