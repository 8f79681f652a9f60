// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"HTTP_ADDR", "DATABASE_URL", "ENV", "AUTH_TOKEN", "AUTO_MIGRATE",
	"EVENT_STORE", "SQLITE_PATH", "RUN_RUNTIMES", "RATE_LIMIT_PER_MIN",
	"POLL_INTERVAL", "GRACE_PERIOD", "RETRY_MAX_ATTEMPTS", "LLM_PROVIDER",
	"LLM_MODEL", "LLM_TEMPERATURE", "AGENT_PROFILES", "COMPACT_ABOVE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default HTTPAddr=:8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Env != "dev" {
		t.Fatalf("expected default Env=dev, got %s", cfg.Env)
	}
	if cfg.EventStore != StorePostgres {
		t.Fatalf("expected default EventStore=postgres, got %s", cfg.EventStore)
	}
	if !cfg.AutoMigrate {
		t.Fatalf("expected default AutoMigrate=true")
	}
	if cfg.Runtime.PollInterval != 500*time.Millisecond {
		t.Fatalf("expected default PollInterval=500ms, got %s", cfg.Runtime.PollInterval)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != 300*time.Millisecond || cfg.Retry.MaxDelay != 5*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Runtime.GracePeriod != 10*time.Second {
		t.Fatalf("expected default GracePeriod=10s, got %s", cfg.Runtime.GracePeriod)
	}
}

func TestLoadRespectsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ENV", "prod")
	t.Setenv("AUTH_TOKEN", "secret")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("EVENT_STORE", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/events.db")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("LLM_TEMPERATURE", "0.3")
	t.Setenv("COMPACT_ABOVE", "4096")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected HTTP_ADDR override, got %s", cfg.HTTPAddr)
	}
	if cfg.AuthToken != "secret" {
		t.Fatalf("expected AUTH_TOKEN override, got %s", cfg.AuthToken)
	}
	if cfg.AutoMigrate {
		t.Fatalf("expected AUTO_MIGRATE override to false")
	}
	if cfg.EventStore != StoreSQLite || cfg.SQLitePath != "/tmp/events.db" {
		t.Fatalf("expected sqlite store at /tmp/events.db, got %s %s", cfg.EventStore, cfg.SQLitePath)
	}
	if cfg.Runtime.PollInterval != 2*time.Second {
		t.Fatalf("expected POLL_INTERVAL override, got %s", cfg.Runtime.PollInterval)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Temperature != 0.3 {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.Sandbox.CompactAbove != 4096 {
		t.Fatalf("expected COMPACT_ABOVE override, got %d", cfg.Sandbox.CompactAbove)
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVENT_STORE", "cassandra")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown event store")
	}
}

func TestLoadRejectsNegativeCompaction(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMPACT_ABOVE", "-1")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative COMPACT_ABOVE")
	}
}

func TestLoadReadsProfiles(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agents.yaml")
	body := `
agents:
  planner:
    provider: anthropic
    temperature: 0.1
    preamble: plan carefully
  worker:
    model: gpt-4o-mini
    max_tokens: 2048
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	t.Setenv("AGENT_PROFILES", path)
	t.Setenv("LLM_PROVIDER", "openai")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	planner := cfg.Profile("planner")
	if planner.Provider != "anthropic" || planner.Temperature != 0.1 || planner.Preamble != "plan carefully" {
		t.Fatalf("unexpected planner profile: %+v", planner)
	}
	worker := cfg.Profile("worker")
	if worker.Provider != "openai" {
		t.Fatalf("expected worker to inherit provider openai, got %s", worker.Provider)
	}
	if worker.Model != "gpt-4o-mini" || worker.MaxTokens != 2048 {
		t.Fatalf("unexpected worker profile: %+v", worker)
	}
}

func TestParseProfilesRejectsUnknownFields(t *testing.T) {
	if _, err := ParseProfiles([]byte("agents:\n  planner:\n    temprature: 1\n")); err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestGetenv(t *testing.T) {
	t.Setenv("EXAMPLE_KEY", "value")
	if got := getenv("EXAMPLE_KEY", "fallback"); got != "value" {
		t.Fatalf("expected env value, got %s", got)
	}

	t.Setenv("EXAMPLE_KEY", "")
	if got := getenv("EXAMPLE_KEY", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback value, got %s", got)
	}
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("BOOL_KEY", "true")
	if got := getenvBool("BOOL_KEY", false); !got {
		t.Fatal("expected true value")
	}

	t.Setenv("BOOL_KEY", "0")
	if got := getenvBool("BOOL_KEY", true); got {
		t.Fatal("expected false value")
	}

	t.Setenv("BOOL_KEY", "")
	if got := getenvBool("BOOL_KEY", true); !got {
		t.Fatal("expected fallback true value")
	}
}

func TestGetenvNumbersFallBackOnGarbage(t *testing.T) {
	t.Setenv("NUM_KEY", "twelve")
	if got := getenvInt("NUM_KEY", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if got := getenvDuration("NUM_KEY", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %s", got)
	}
	if got := getenvFloat("NUM_KEY", 0.5); got != 0.5 {
		t.Fatalf("expected fallback 0.5, got %v", got)
	}
}
