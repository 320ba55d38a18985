package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
  "storage": {"postgres": {"host": "db", "dbname": "agentdesk"}},
  "server": {"cors_origins": [" https://ops.example.com ", ""]}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Server.RequestTimeout != 15*time.Second {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://ops.example.com" {
		t.Fatalf("unexpected cors origins %v", cfg.Server.CORSOrigins)
	}
	if cfg.Knowledge.Driver != DriverPostgres || cfg.Knowledge.CacheTTL != 5*time.Minute {
		t.Fatalf("unexpected knowledge defaults %+v", cfg.Knowledge)
	}
	if cfg.Storage.Postgres.Port != "5432" || cfg.Storage.Postgres.SSLMode != "disable" {
		t.Fatalf("unexpected postgres defaults %+v", cfg.Storage.Postgres)
	}
	if cfg.Knowledge.EventsStream != "knowledge.changes" || cfg.Knowledge.RevisionLimit != 20 {
		t.Fatalf("unexpected knowledge defaults %+v", cfg.Knowledge)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `{"knowledge": {"driver": "postgres"}}`)
	t.Setenv("AGENTDESK_KNOWLEDGE_DRIVER", "memory")
	t.Setenv("AGENTDESK_SERVER_ADDRESS", ":9090")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Knowledge.Driver != DriverMemory {
		t.Fatalf("expected env driver override, got %q", cfg.Knowledge.Driver)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("expected env address override, got %q", cfg.Server.Address)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"unknown driver": {
			body: `{"knowledge": {"driver": "sqlite"}}`,
			want: "knowledge.driver",
		},
		"postgres without host": {
			body: `{"knowledge": {"driver": "postgres"}}`,
			want: "storage.postgres.host",
		},
		"cache without redis": {
			body: `{"knowledge": {"driver": "memory", "cache_enabled": true}}`,
			want: "storage.redis.host",
		},
		"bad metrics port": {
			body: `{"knowledge": {"driver": "memory"}, "telemetry": {"metrics_port": 70000}}`,
			want: "telemetry.metrics_port",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigPanicsOnMissingFile(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
}
