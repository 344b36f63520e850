package connectivity

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval = 15 * time.Second
	defaultTimeout  = 5 * time.Second
)

var errMissingTarget = errors.New("connectivity: probe target is required")

// Checker reports whether the remote service is reachable.
type Checker interface {
	Online(ctx context.Context) bool
}

// Probe performs a single reachability check.
type Probe interface {
	Probe(ctx context.Context) error
}

// HTTPProbe issues a HEAD request. Any HTTP response, whatever its status, counts as online.
type HTTPProbe struct {
	target string
	client *http.Client
}

// NewHTTPProbe builds a probe against target.
func NewHTTPProbe(target string, client *http.Client, timeout time.Duration) (*HTTPProbe, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errMissingTarget
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	probeClient := *client
	probeClient.Timeout = timeout
	return &HTTPProbe{target: target, client: &probeClient}, nil
}

// Probe implements Probe.
func (p *HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.target, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Probe       Probe
	Interval    time.Duration
	JitterRatio float64
	Logger      *zap.Logger
	// Sample returns a value in [0, 1] used to jitter the polling interval.
	Sample func() float64
}

// Monitor tracks reachability and notifies listeners when it is restored.
type Monitor struct {
	probe       Probe
	interval    time.Duration
	jitterRatio float64
	logger      *zap.Logger
	sample      func() float64

	mu        sync.Mutex
	online    bool
	known     bool
	listeners []func(ctx context.Context)
}

// NewMonitor validates the configuration and returns a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Probe == nil {
		return nil, errMissingTarget
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sample := cfg.Sample
	if sample == nil {
		sample = rand.Float64
	}
	return &Monitor{
		probe:       cfg.Probe,
		interval:    interval,
		jitterRatio: clampJitterRatio(cfg.JitterRatio),
		logger:      logger,
		sample:      sample,
	}, nil
}

// OnOnline registers a callback fired on every offline to online transition.
func (m *Monitor) OnOnline(listener func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Online probes now and records the result.
func (m *Monitor) Online(ctx context.Context) bool {
	err := m.probe.Probe(ctx)
	online := err == nil
	if err != nil {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
	}
	m.record(ctx, online)
	return online
}

// Run polls at a jittered interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.Online(ctx)
	for {
		delay := jitteredIntervalWithSample(m.interval, m.jitterRatio, m.sample())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		m.Online(ctx)
	}
}

func (m *Monitor) record(ctx context.Context, online bool) {
	m.mu.Lock()
	restored := online && m.known && !m.online
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	listeners := append([]func(context.Context){}, m.listeners...)
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	if !restored {
		return
	}
	for _, listener := range listeners {
		listener(ctx)
	}
}

// Static is a Checker with a fixed answer.
type Static bool

// Online implements Checker.
func (s Static) Online(context.Context) bool {
	return bool(s)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
