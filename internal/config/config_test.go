package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMigrationsDir(t *testing.T) {
	if got := Default().Database.MigrationsDir; got != "db/migrations" {
		t.Fatalf("migrations dir = %q, want db/migrations", got)
	}
}

func TestLoadOverridesMigrationsDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "database:\n  migrationsDir: \"/srv/cinder/migrations\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.Database.MigrationsDir != "/srv/cinder/migrations" {
		t.Fatalf("migrations dir = %q, want the configured override", cfg.Database.MigrationsDir)
	}
}
