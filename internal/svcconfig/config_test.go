package svcconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	c := Default()
	if c.Coordinator.SweepIntervalMS != 10000 {
		t.Errorf("SweepIntervalMS = %d, want 10000", c.Coordinator.SweepIntervalMS)
	}
	if c.Coordinator.LivenessWindowMS != 15000 {
		t.Errorf("LivenessWindowMS = %d, want 15000", c.Coordinator.LivenessWindowMS)
	}
	if c.Coordinator.RetryCeiling != 3 {
		t.Errorf("RetryCeiling = %d, want 3", c.Coordinator.RetryCeiling)
	}
	if c.Worker.HeartbeatIntervalMS != 3000 {
		t.Errorf("HeartbeatIntervalMS = %d, want 3000", c.Worker.HeartbeatIntervalMS)
	}
	if c.Worker.MaxInFlightJobs != 1 {
		t.Errorf("MaxInFlightJobs = %d, want 1", c.Worker.MaxInFlightJobs)
	}
	if c.Worker.GuestIdleTimeoutMS != 60000 {
		t.Errorf("GuestIdleTimeoutMS = %d, want 60000", c.Worker.GuestIdleTimeoutMS)
	}
	if c.Worker.GuestStartupTimeoutMS != 10000 {
		t.Errorf("GuestStartupTimeoutMS = %d, want 10000", c.Worker.GuestStartupTimeoutMS)
	}
	if c.Sinks.DefaultRowGroupRows != 100000 {
		t.Errorf("DefaultRowGroupRows = %d, want 100000", c.Sinks.DefaultRowGroupRows)
	}
	if c.Scanner.Parallelism <= 0 {
		t.Error("expected a positive default scanner parallelism")
	}
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.yaml")
	contents := `
catalog:
  url: /var/lib/flow/catalog.db
coordinator:
  retry_ceiling: 5
worker:
  env_dir: /var/lib/flow/envs
paths:
  output_root: /data/out
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Catalog.URL != "/var/lib/flow/catalog.db" {
		t.Errorf("Catalog.URL = %q", cfg.Catalog.URL)
	}
	if cfg.Coordinator.RetryCeiling != 5 {
		t.Errorf("RetryCeiling = %d, want 5 (overridden)", cfg.Coordinator.RetryCeiling)
	}
	// Unset keys keep the spec's stated defaults.
	if cfg.Coordinator.SweepIntervalMS != 10000 {
		t.Errorf("SweepIntervalMS = %d, want default 10000", cfg.Coordinator.SweepIntervalMS)
	}
	if cfg.Worker.EnvDir != "/var/lib/flow/envs" {
		t.Errorf("Worker.EnvDir = %q", cfg.Worker.EnvDir)
	}
	if cfg.Paths.OutputRoot != "/data/out" {
		t.Errorf("Paths.OutputRoot = %q", cfg.Paths.OutputRoot)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}

func TestDurationHelpers(t *testing.T) {
	c := Default()
	if c.SweepInterval() != 10*time.Second {
		t.Errorf("SweepInterval() = %s, want 10s", c.SweepInterval())
	}
	if c.LivenessWindow() != 15*time.Second {
		t.Errorf("LivenessWindow() = %s, want 15s", c.LivenessWindow())
	}
	if c.HeartbeatInterval() != 3*time.Second {
		t.Errorf("HeartbeatInterval() = %s, want 3s", c.HeartbeatInterval())
	}
	if c.GuestIdleTimeout() != 60*time.Second {
		t.Errorf("GuestIdleTimeout() = %s, want 60s", c.GuestIdleTimeout())
	}
	if c.GuestStartupTimeout() != 10*time.Second {
		t.Errorf("GuestStartupTimeout() = %s, want 10s", c.GuestStartupTimeout())
	}
}
