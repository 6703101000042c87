// Package health probes the broker's capabilities end to end — ping,
// write-then-read, channel echo, queue push-pop — and aggregates the
// results into a single status for the /health surface.
package health

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentbus/core/internal/broker"
	"github.com/agentbus/core/internal/domain"
)

// Config holds the latency thresholds and probe timeout.
type Config struct {
	LatencyWarning  time.Duration
	LatencyCritical time.Duration
	ProbeTimeout    time.Duration
	MaxHistory      int
}

// DefaultConfig returns the default thresholds: 50ms warning, 200ms
// critical, 5s probe timeout, 100-sample history.
func DefaultConfig() Config {
	return Config{
		LatencyWarning:  50 * time.Millisecond,
		LatencyCritical: 200 * time.Millisecond,
		ProbeTimeout:    5 * time.Second,
		MaxHistory:      100,
	}
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    domain.HealthStatus `json:"status"`
	LatencyMS float64             `json:"latency_ms"`
	Message   string              `json:"message"`
	Timestamp float64             `json:"timestamp"`
}

// Report aggregates the four probes.
type Report struct {
	Status    domain.HealthStatus    `json:"status"`
	LatencyMS float64                `json:"latency_ms"`
	Message   string                 `json:"message"`
	Timestamp float64                `json:"timestamp"`
	Details   map[string]CheckResult `json:"details"`
}

// LatencyStats summarizes the bounded latency history.
type LatencyStats struct {
	AverageMS float64 `json:"average_ms"`
	MinMS     float64 `json:"min_ms"`
	MaxMS     float64 `json:"max_ms"`
	Samples   int     `json:"samples"`
}

// Prober runs the broker capability probes.
type Prober struct {
	client broker.Client
	cfg    Config

	mu      sync.Mutex
	history []float64
}

// NewProber constructs a Prober over client.
func NewProber(client broker.Client, cfg Config) *Prober {
	if cfg.LatencyWarning <= 0 {
		cfg.LatencyWarning = 50 * time.Millisecond
	}
	if cfg.LatencyCritical <= 0 {
		cfg.LatencyCritical = 200 * time.Millisecond
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	return &Prober{client: client, cfg: cfg}
}

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Check runs all four probes and aggregates their results. A failed probe
// makes the report unhealthy; otherwise overall latency against the two
// thresholds decides between healthy and degraded.
func (p *Prober) Check(ctx context.Context) Report {
	start := time.Now()
	details := map[string]CheckResult{
		"ping":       p.CheckPing(ctx),
		"write_read": p.CheckWriteRead(ctx),
		"pubsub":     p.CheckPubSub(ctx),
		"queue":      p.CheckQueue(ctx),
	}

	var issues []string
	for name, result := range details {
		if result.Status == domain.HealthUnhealthy {
			issues = append(issues, fmt.Sprintf("%s: %s", name, result.Message))
		}
	}

	latency := time.Since(start)
	p.recordLatency(latency)

	report := Report{
		LatencyMS: float64(latency) / float64(time.Millisecond),
		Timestamp: nowSeconds(),
		Details:   details,
	}
	switch {
	case len(issues) > 0:
		report.Status = domain.HealthUnhealthy
		report.Message = strings.Join(issues, "; ")
	case latency > p.cfg.LatencyCritical:
		report.Status = domain.HealthUnhealthy
		report.Message = fmt.Sprintf("high latency: %.2fms", report.LatencyMS)
	case latency > p.cfg.LatencyWarning:
		report.Status = domain.HealthDegraded
		report.Message = fmt.Sprintf("elevated latency: %.2fms", report.LatencyMS)
	default:
		report.Status = domain.HealthHealthy
		report.Message = "all probes passed"
	}
	return report
}

// CheckPing probes the broker's bare liveness.
func (p *Prober) CheckPing(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	start := time.Now()
	if err := p.client.Ping(ctx); err != nil {
		return p.failure(start, "ping failed", err)
	}
	return p.success(start, "ping ok")
}

// CheckWriteRead writes a throwaway key, reads it back, and asserts the
// round-trip returns the same value.
func (p *Prober) CheckWriteRead(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	start := time.Now()
	key := "health:probe:" + domain.NewID("kv")
	want := []byte(fmt.Sprintf("probe_%f", nowSeconds()))

	if err := p.client.Set(ctx, key, want, 10*time.Second); err != nil {
		return p.failure(start, "write failed", err)
	}
	got, ok, err := p.client.Get(ctx, key)
	if err != nil {
		return p.failure(start, "read failed", err)
	}
	if !ok || !bytes.Equal(got, want) {
		return p.failure(start, "write/read mismatch", nil)
	}
	return p.success(start, "write/read ok")
}

// CheckPubSub subscribes to a throwaway channel, publishes to it, and
// waits briefly for the echo.
func (p *Prober) CheckPubSub(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	start := time.Now()
	channel := "health:probe:" + domain.NewID("ch")

	sub, err := p.client.Subscribe(ctx, channel)
	if err != nil {
		return p.failure(start, "subscribe failed", err)
	}
	defer func() { _ = sub.Close() }()

	if _, err := p.client.Publish(ctx, channel, []byte("probe")); err != nil {
		return p.failure(start, "publish failed", err)
	}

	echoCtx, echoCancel := context.WithTimeout(ctx, time.Second)
	defer echoCancel()
	if _, err := sub.Next(echoCtx); err != nil {
		return p.failure(start, "echo not received", err)
	}
	return p.success(start, "pubsub ok")
}

// CheckQueue pushes a member onto a throwaway sorted structure and pops
// it back off.
func (p *Prober) CheckQueue(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	start := time.Now()
	key := "health:probe:" + domain.NewID("q")

	if err := p.client.QueuePush(ctx, key, []byte("probe"), 1); err != nil {
		return p.failure(start, "queue push failed", err)
	}
	member, ok, err := p.client.QueuePopMin(ctx, key)
	if err != nil {
		return p.failure(start, "queue pop failed", err)
	}
	if !ok || !bytes.Equal(member, []byte("probe")) {
		return p.failure(start, "queue pop returned no data", nil)
	}
	return p.success(start, "queue ok")
}

// Stats summarizes the probe latency history.
func (p *Prober) Stats() LatencyStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) == 0 {
		return LatencyStats{}
	}
	stats := LatencyStats{MinMS: p.history[0], MaxMS: p.history[0], Samples: len(p.history)}
	var sum float64
	for _, ms := range p.history {
		sum += ms
		if ms < stats.MinMS {
			stats.MinMS = ms
		}
		if ms > stats.MaxMS {
			stats.MaxMS = ms
		}
	}
	stats.AverageMS = sum / float64(len(p.history))
	return stats
}

func (p *Prober) success(start time.Time, message string) CheckResult {
	latency := time.Since(start)
	p.recordLatency(latency)
	return CheckResult{
		Status:    p.statusFromLatency(latency),
		LatencyMS: float64(latency) / float64(time.Millisecond),
		Message:   message,
		Timestamp: nowSeconds(),
	}
}

func (p *Prober) failure(start time.Time, message string, err error) CheckResult {
	if err != nil {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	return CheckResult{
		Status:    domain.HealthUnhealthy,
		LatencyMS: float64(time.Since(start)) / float64(time.Millisecond),
		Message:   message,
		Timestamp: nowSeconds(),
	}
}

func (p *Prober) statusFromLatency(latency time.Duration) domain.HealthStatus {
	switch {
	case latency > p.cfg.LatencyCritical:
		return domain.HealthUnhealthy
	case latency > p.cfg.LatencyWarning:
		return domain.HealthDegraded
	default:
		return domain.HealthHealthy
	}
}

func (p *Prober) recordLatency(latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	p.mu.Lock()
	p.history = append(p.history, ms)
	if len(p.history) > p.cfg.MaxHistory {
		p.history = p.history[len(p.history)-p.cfg.MaxHistory:]
	}
	p.mu.Unlock()
}
