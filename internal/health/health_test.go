package health

import (
	"context"
	"testing"

	"github.com/agentbus/core/internal/broker"
	"github.com/agentbus/core/internal/domain"
)

func TestCheckHealthyBroker(t *testing.T) {
	p := NewProber(broker.NewMemoryClient(), DefaultConfig())

	report := p.Check(context.Background())
	if report.Status != domain.HealthHealthy {
		t.Fatalf("expected healthy, got %s (%s)", report.Status, report.Message)
	}
	for _, name := range []string{"ping", "write_read", "pubsub", "queue"} {
		result, ok := report.Details[name]
		if !ok {
			t.Fatalf("missing probe %s", name)
		}
		if result.Status != domain.HealthHealthy {
			t.Errorf("probe %s: expected healthy, got %s (%s)", name, result.Status, result.Message)
		}
	}
}

func TestCheckClosedBrokerUnhealthy(t *testing.T) {
	client := broker.NewMemoryClient()
	_ = client.Close()
	p := NewProber(client, DefaultConfig())

	report := p.Check(context.Background())
	if report.Status != domain.HealthUnhealthy {
		t.Fatalf("expected unhealthy, got %s", report.Status)
	}
	if report.Message == "" {
		t.Error("expected a failure message naming the failed probes")
	}
}

func TestStatsWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistory = 3
	p := NewProber(broker.NewMemoryClient(), cfg)

	for i := 0; i < 5; i++ {
		p.CheckPing(context.Background())
	}

	stats := p.Stats()
	if stats.Samples != 3 {
		t.Fatalf("expected history bounded to 3 samples, got %d", stats.Samples)
	}
	if stats.MinMS > stats.AverageMS || stats.AverageMS > stats.MaxMS {
		t.Errorf("inconsistent stats: %+v", stats)
	}
}

func TestStatsEmpty(t *testing.T) {
	p := NewProber(broker.NewMemoryClient(), DefaultConfig())
	if stats := p.Stats(); stats.Samples != 0 {
		t.Fatalf("expected no samples before any probe, got %d", stats.Samples)
	}
}
