package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type scriptedProbe struct {
	mu      sync.Mutex
	results []error
}

func (p *scriptedProbe) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return nil
	}
	result := p.results[0]
	p.results = p.results[1:]
	return result
}

func TestMonitorFiresOnRestoredConnectivity(t *testing.T) {
	probe := &scriptedProbe{results: []error{errors.New("offline"), nil, nil, errors.New("offline"), nil}}
	monitor, err := NewMonitor(MonitorConfig{Probe: probe})
	if err != nil {
		t.Fatalf("unexpected monitor error: %v", err)
	}
	var restored int32
	monitor.OnOnline(func(context.Context) { atomic.AddInt32(&restored, 1) })

	ctx := context.Background()
	expected := []bool{false, true, true, false, true}
	for index, want := range expected {
		if got := monitor.Online(ctx); got != want {
			t.Fatalf("probe %d: expected online=%v, got %v", index, want, got)
		}
	}
	if atomic.LoadInt32(&restored) != 2 {
		t.Fatalf("expected two restore notifications, got %d", atomic.LoadInt32(&restored))
	}
}

func TestMonitorRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	probe := &scriptedProbe{results: []error{errors.New("offline")}}
	monitor, err := NewMonitor(MonitorConfig{Probe: probe, Interval: 5 * time.Millisecond, JitterRatio: 0.2})
	if err != nil {
		t.Fatalf("unexpected monitor error: %v", err)
	}
	restored := make(chan struct{}, 1)
	monitor.OnOnline(func(context.Context) {
		select {
		case restored <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	select {
	case <-restored:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected restore notification from polling")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestHTTPProbeTreatsAnyResponseAsOnline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	probe, err := NewHTTPProbe(server.URL, server.Client(), time.Second)
	if err != nil {
		t.Fatalf("unexpected probe error: %v", err)
	}
	if err := probe.Probe(context.Background()); err != nil {
		t.Fatalf("expected 404 to count as online, got %v", err)
	}
	server.Close()
	if err := probe.Probe(context.Background()); err == nil {
		t.Fatalf("expected closed server to count as offline")
	}
}

func TestJitteredIntervalBounds(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("unexpected low bound %v", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("unexpected high bound %v", got)
	}
	if got := jitteredIntervalWithSample(base, 0, 0.9); got != base {
		t.Fatalf("expected no jitter, got %v", got)
	}
	if Static(true).Online(context.Background()) != true {
		t.Fatalf("expected static checker to report online")
	}
}
