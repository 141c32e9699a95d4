package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func chdirToModuleRoot(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir("../.."); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func TestLoadDefault(t *testing.T) {
	chdirToModuleRoot(t)
	viper.Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8941 {
		t.Fatalf("unexpected port: %d", cfg.Port)
	}
	if cfg.MinConnections != 8 {
		t.Fatalf("unexpected min_connections: %d", cfg.MinConnections)
	}
	if cfg.IdleTimeout != 60*time.Second {
		t.Fatalf("unexpected idle_timeout: %s", cfg.IdleTimeout)
	}
}

func TestLoadBootstrapOverride(t *testing.T) {
	chdirToModuleRoot(t)
	viper.Reset()

	cfg, err := Load("bootstrap")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MinConnections != 32 {
		t.Fatalf("expected min_connections override to 32, got %d", cfg.MinConnections)
	}
	if cfg.Tracker != "https://tracker.teapotnet.example" {
		t.Fatalf("expected tracker override, got %q", cfg.Tracker)
	}
	// Fields the override doesn't touch keep the default's value.
	if cfg.Port != 8941 {
		t.Fatalf("unexpected port after partial override: %d", cfg.Port)
	}
}
