package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CLOUD_CLIENT_ID", "id")
	t.Setenv("CLOUD_SECRET", "secret")
	t.Setenv("POSTGRES_USER", "sched")
	t.Setenv("POSTGRES_DB", "homenavi")
	t.Setenv("POWER_SCHEDULER_CONFIG", "")
}

func TestLoadDefaults(t *testing.T) {
	baseEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lookahead != 2*time.Minute || cfg.TickResolution != time.Minute {
		t.Fatalf("unexpected durations %s/%s", cfg.Lookahead, cfg.TickResolution)
	}
	if cfg.StopPolicy != "exact" || cfg.Link.Transport != "mqtt" || cfg.Link.AutoReconnect {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DispatchWorkers != 8 || cfg.Cloud.RequestTimeout != 10*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("LOOKAHEAD", "90s")
	t.Setenv("LINK_TRANSPORT", "nats")
	t.Setenv("LINK_AUTO_RECONNECT", "true")
	t.Setenv("DISPATCH_WORKERS", "3")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lookahead != 90*time.Second || cfg.Link.Transport != "nats" || !cfg.Link.AutoReconnect || cfg.DispatchWorkers != 3 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	baseEnv(t)
	path := filepath.Join(t.TempDir(), "scheduler.yaml")
	yaml := "stop_policy: window\ndatabase:\n  driver: sqlite\n  dsn: file:sched.db\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("POWER_SCHEDULER_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StopPolicy != "window" || cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "file:sched.db" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Config{StopPolicy: "sometimes", Link: LinkConfig{Transport: "carrier-pigeon"}, Database: DatabaseConfig{Driver: "mysql"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"cloud.client_id", "stop_policy", "link.transport", "database.dsn", "lookahead"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
