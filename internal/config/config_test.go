package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Broker.PoolSize != 10 {
		t.Errorf("expected default pool size 10, got %d", cfg.Broker.PoolSize)
	}
	if cfg.Heartbeat.PingInterval != 30*time.Second || cfg.Heartbeat.PingTimeout != 60*time.Second {
		t.Errorf("unexpected heartbeat defaults: %+v", cfg.Heartbeat)
	}
	if cfg.Queue.DefaultTTL != 24*time.Hour || cfg.Queue.MaxAttempts != 3 {
		t.Errorf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if !cfg.IsDevelopment() {
		t.Error("empty FRONTEND_URL should mean development mode")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("BROKER_URL", "redis://redis:6379/1")
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("PORT override ignored: %s", cfg.Port)
	}
	if cfg.Broker.URL != "redis://redis:6379/1" {
		t.Errorf("BROKER_URL override ignored: %s", cfg.Broker.URL)
	}
	if cfg.Heartbeat.PingInterval != 5*time.Second {
		t.Errorf("HEARTBEAT_INTERVAL override ignored: %v", cfg.Heartbeat.PingInterval)
	}
	if cfg.Queue.MaxAttempts != 7 {
		t.Errorf("QUEUE_MAX_ATTEMPTS override ignored: %d", cfg.Queue.MaxAttempts)
	}
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("BROKER_POOL_SIZE", "not-a-number")
	t.Setenv("HEARTBEAT_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.PoolSize != 10 {
		t.Errorf("expected fallback pool size, got %d", cfg.Broker.PoolSize)
	}
	if cfg.Heartbeat.PingTimeout != 60*time.Second {
		t.Errorf("expected fallback timeout, got %v", cfg.Heartbeat.PingTimeout)
	}
}

func TestValidateRequiresJWTSecretInProduction(t *testing.T) {
	t.Setenv("FRONTEND_URL", "https://bus.example.com")

	if _, err := Load(); err == nil {
		t.Fatal("expected error: production config without JWT_SECRET")
	}

	t.Setenv("JWT_SECRET", "s3cret")
	if _, err := Load(); err != nil {
		t.Fatalf("Load with secret: %v", err)
	}
}

func TestLoadWorkspaceSeed(t *testing.T) {
	seedPath := filepath.Join(t.TempDir(), "seed.yaml")
	seedYAML := `
workspaces:
  - name: dev
    max_sandboxes: 2
    agents:
      - agent_id: agent-a
        display_name: Agent A
      - agent_id: agent-b
        display_name: Agent B
`
	if err := os.WriteFile(seedPath, []byte(seedYAML), 0644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	t.Setenv("WORKSPACE_SEED_PATH", seedPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	seed, err := cfg.LoadWorkspaceSeed()
	if err != nil {
		t.Fatalf("LoadWorkspaceSeed: %v", err)
	}
	if len(seed.Workspaces) != 1 {
		t.Fatalf("expected 1 seed workspace, got %d", len(seed.Workspaces))
	}
	ws := seed.Workspaces[0]
	if ws.Name != "dev" || ws.MaxSandboxes != 2 || len(ws.Agents) != 2 {
		t.Errorf("seed parsed wrong: %+v", ws)
	}
	if ws.Agents[0].AgentID != "agent-a" {
		t.Errorf("agent parsed wrong: %+v", ws.Agents[0])
	}
}

func TestLoadWorkspaceSeedAbsent(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	seed, err := cfg.LoadWorkspaceSeed()
	if err != nil || seed != nil {
		t.Fatalf("expected nil seed with no path, got %v (err=%v)", seed, err)
	}
}
