package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPPort != "8080" {
		t.Fatalf("http port: %s", cfg.HTTPPort)
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("store driver: %s", cfg.StoreDriver)
	}
	if cfg.StaleAfter != 15*time.Minute {
		t.Fatalf("stale after: %s", cfg.StaleAfter)
	}
	if cfg.GenerateCost != 1.0 || cfg.ReviewCost != 0.01 || cfg.PublishCost != 0.25 {
		t.Fatalf("costs: %v %v %v", cfg.GenerateCost, cfg.ReviewCost, cfg.PublishCost)
	}
	if len(cfg.DefaultChannels) != 1 || cfg.DefaultChannels[0] != "wordpress" {
		t.Fatalf("channels: %v", cfg.DefaultChannels)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("GENERATE_COST", "2.5")
	t.Setenv("STALE_AFTER", "30m")
	t.Setenv("DEFAULT_CHANNELS", "wordpress, webhook")

	cfg := Load()
	if cfg.StoreDriver != "memory" {
		t.Fatalf("store driver: %s", cfg.StoreDriver)
	}
	if cfg.GenerateCost != 2.5 {
		t.Fatalf("generate cost: %v", cfg.GenerateCost)
	}
	if cfg.StaleAfter != 30*time.Minute {
		t.Fatalf("stale after: %s", cfg.StaleAfter)
	}
	if len(cfg.DefaultChannels) != 2 || cfg.DefaultChannels[1] != "webhook" {
		t.Fatalf("channels: %v", cfg.DefaultChannels)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.yaml")
	raw := `
httpPort: "9999"
storeDriver: memory
generator:
  model: local-model
publish:
  channels: [webhook]
costs:
  generate: 3
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AUTOPILOT_CONFIG", path)

	cfg := Load()
	if cfg.HTTPPort != "9999" {
		t.Fatalf("http port: %s", cfg.HTTPPort)
	}
	if cfg.StoreDriver != "memory" {
		t.Fatalf("store driver: %s", cfg.StoreDriver)
	}
	if cfg.GeneratorModel != "local-model" {
		t.Fatalf("generator model: %s", cfg.GeneratorModel)
	}
	if len(cfg.DefaultChannels) != 1 || cfg.DefaultChannels[0] != "webhook" {
		t.Fatalf("channels: %v", cfg.DefaultChannels)
	}
	if cfg.GenerateCost != 3 {
		t.Fatalf("generate cost: %v", cfg.GenerateCost)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.yaml")
	if err := os.WriteFile(path, []byte("storeDriver: memory\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AUTOPILOT_CONFIG", path)
	t.Setenv("STORE_DRIVER", "postgres")

	cfg := Load()
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("env should beat file: %s", cfg.StoreDriver)
	}
}
