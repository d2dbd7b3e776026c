package proxy

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Target represents a backend target with its configuration
type Target struct {
	URL            *url.URL
	Weight         int
	Proxy          *httputil.ReverseProxy
	CircuitBreaker *gobreaker.CircuitBreaker
	Healthy        atomic.Bool
	LastCheck      time.Time
	mu             sync.RWMutex
}

// LoadBalancer manages multiple targets with different strategies
type LoadBalancer struct {
	targets  []*Target
	strategy string // "round-robin", "weighted", "least-latency", "random"
	current  atomic.Uint64
	latency  map[string]*LatencyTracker
	client   *http.Client

	stop     chan struct{}
	stopOnce sync.Once
}

// TargetConfig represents target configuration
type TargetConfig struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

// TargetStatus is a point-in-time view of one target.
type TargetStatus struct {
	URL       string    `json:"url"`
	Weight    int       `json:"weight"`
	Healthy   bool      `json:"healthy"`
	Breaker   string    `json:"breaker"`
	LastCheck time.Time `json:"lastCheck"`
	Latency   string    `json:"avgLatency"`
}

// LatencyTracker tracks response times for a target
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	maxSize int
}

// NewLoadBalancer creates a load balancer and starts health checks every
// healthInterval. healthInterval <= 0 disables them.
func NewLoadBalancer(configs []TargetConfig, strategy string, healthInterval time.Duration) (*LoadBalancer, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}

	lb := &LoadBalancer{
		targets:  make([]*Target, 0, len(configs)),
		strategy: strategy,
		latency:  make(map[string]*LatencyTracker),
		client:   &http.Client{Timeout: 5 * time.Second},
		stop:     make(chan struct{}),
	}

	for _, cfg := range configs {
		parsedURL, err := parseTarget(cfg.URL)
		if err != nil {
			return nil, err
		}

		weight := cfg.Weight
		if weight <= 0 {
			weight = 1
		}

		// Circuit breaker per target
		cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("target-%s", parsedURL.Host),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
			},
		})

		target := &Target{
			URL:            parsedURL,
			Weight:         weight,
			Proxy:          newReverseProxy(parsedURL),
			CircuitBreaker: cb,
		}
		target.Healthy.Store(true)

		lb.targets = append(lb.targets, target)
		lb.latency[parsedURL.String()] = NewLatencyTracker(100)
	}

	if healthInterval > 0 {
		go lb.healthCheckLoop(healthInterval)
	}

	return lb, nil
}

// ServeHTTP implements http.Handler
func (lb *LoadBalancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := lb.selectTarget()
	if err != nil {
		upstreamRejected.WithLabelValues("no_healthy_target").Inc()
		http.Error(w, "No healthy backends available", http.StatusServiceUnavailable)
		return
	}

	// Use circuit breaker
	_, err = target.CircuitBreaker.Execute(func() (interface{}, error) {
		m := httpsnoop.CaptureMetrics(target.Proxy, w, r)
		lb.recordLatency(target.URL.String(), m.Duration)
		upstreamLatency.WithLabelValues(target.URL.Host).Observe(m.Duration.Seconds())
		if m.Code >= 500 {
			return nil, fmt.Errorf("upstream error: %d", m.Code)
		}
		return nil, nil
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		upstreamRejected.WithLabelValues("circuit_open").Inc()
		http.Error(w, "Service Unavailable (circuit open)", http.StatusServiceUnavailable)
	}
}

// Close stops the health checks.
func (lb *LoadBalancer) Close() {
	lb.stopOnce.Do(func() { close(lb.stop) })
}

// Status reports every target, in configuration order.
func (lb *LoadBalancer) Status() []TargetStatus {
	out := make([]TargetStatus, 0, len(lb.targets))
	for _, t := range lb.targets {
		t.mu.RLock()
		last := t.LastCheck
		t.mu.RUnlock()
		out = append(out, TargetStatus{
			URL:       t.URL.String(),
			Weight:    t.Weight,
			Healthy:   t.Healthy.Load(),
			Breaker:   t.CircuitBreaker.State().String(),
			LastCheck: last,
			Latency:   lb.getAverageLatency(t.URL.String()).String(),
		})
	}
	return out
}

// selectTarget chooses a backend based on the configured strategy
func (lb *LoadBalancer) selectTarget() (*Target, error) {
	// Filter healthy targets
	healthy := make([]*Target, 0, len(lb.targets))
	for _, t := range lb.targets {
		if t.Healthy.Load() && t.CircuitBreaker.State() != gobreaker.StateOpen {
			healthy = append(healthy, t)
		}
	}

	if len(healthy) == 0 {
		return nil, fmt.Errorf("no healthy targets")
	}

	switch lb.strategy {
	case "round-robin":
		return lb.roundRobin(healthy), nil
	case "weighted":
		return lb.weighted(healthy), nil
	case "least-latency":
		return lb.leastLatency(healthy), nil
	case "random":
		return healthy[rand.Intn(len(healthy))], nil
	default:
		return lb.roundRobin(healthy), nil
	}
}

// roundRobin selects targets in a circular manner
func (lb *LoadBalancer) roundRobin(targets []*Target) *Target {
	// Subtract 1 so the first call uses index 0.
	idx := (lb.current.Add(1) - 1) % uint64(len(targets))
	return targets[idx]
}

// weighted selects based on configured weights
func (lb *LoadBalancer) weighted(targets []*Target) *Target {
	totalWeight := 0
	for _, t := range targets {
		totalWeight += t.Weight
	}

	random := rand.Intn(totalWeight)
	for _, t := range targets {
		random -= t.Weight
		if random < 0 {
			return t
		}
	}

	return targets[0]
}

// leastLatency selects target with lowest average latency. Targets with no
// samples yet count as zero so they get tried.
func (lb *LoadBalancer) leastLatency(targets []*Target) *Target {
	best := targets[0]
	bestLatency := lb.getAverageLatency(best.URL.String())

	for _, t := range targets[1:] {
		if avg := lb.getAverageLatency(t.URL.String()); avg < bestLatency {
			bestLatency = avg
			best = t
		}
	}
	return best
}

// recordLatency stores latency measurement
func (lb *LoadBalancer) recordLatency(targetURL string, latency time.Duration) {
	if tracker, ok := lb.latency[targetURL]; ok {
		tracker.Add(latency)
	}
}

// getAverageLatency calculates average latency for a target
func (lb *LoadBalancer) getAverageLatency(targetURL string) time.Duration {
	tracker, ok := lb.latency[targetURL]
	if !ok {
		return time.Millisecond * 100 // Default
	}
	return tracker.Average()
}

// healthCheckLoop periodically checks target health
func (lb *LoadBalancer) healthCheckLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-lb.stop:
			return
		case <-ticker.C:
			for _, target := range lb.targets {
				go lb.checkHealth(target)
			}
		}
	}
}

// checkHealth performs health check on a target
func (lb *LoadBalancer) checkHealth(target *Target) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	healthy := false
	defer func() {
		if was := target.Healthy.Swap(healthy); was != healthy {
			log.Info().Str("target", target.URL.String()).Bool("healthy", healthy).Msg("target health changed")
		}
		target.mu.Lock()
		target.LastCheck = time.Now()
		target.mu.Unlock()
	}()

	// Simple HTTP GET to /health or root
	healthURL := target.URL.String() + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return
	}

	resp, err := lb.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	// Consider 2xx and 404 (no health endpoint) as healthy
	healthy = resp.StatusCode < 500
}

// NewLatencyTracker creates a new latency tracker
func NewLatencyTracker(maxSamples int) *LatencyTracker {
	return &LatencyTracker{
		samples: make([]time.Duration, 0, maxSamples),
		maxSize: maxSamples,
	}
}

// Add records a latency sample
func (lt *LatencyTracker) Add(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSize {
		// Remove oldest sample
		lt.samples = lt.samples[1:]
	}
	lt.samples = append(lt.samples, d)
}

// Average calculates average latency
func (lt *LatencyTracker) Average() time.Duration {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) == 0 {
		return 0
	}

	var total time.Duration
	for _, d := range lt.samples {
		total += d
	}
	return total / time.Duration(len(lt.samples))
}
