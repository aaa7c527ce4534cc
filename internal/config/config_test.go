package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"stemflow/internal/config"
	"stemflow/internal/services"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantQueue := filepath.Join(tempHome, ".local", "share", "stemflow", "queue")
	if cfg.Paths.QueueDir != wantQueue {
		t.Fatalf("unexpected queue dir: got %q want %q", cfg.Paths.QueueDir, wantQueue)
	}
	if cfg.Bus.Backend != "redis" {
		t.Fatalf("expected redis backend by default, got %q", cfg.Bus.Backend)
	}
	wantDB := filepath.Join(tempHome, ".local", "share", "stemflow", "state", "stemflow.db")
	if cfg.Bus.SQLitePath != wantDB {
		t.Fatalf("unexpected sqlite path: got %q want %q", cfg.Bus.SQLitePath, wantDB)
	}
	if cfg.Stages.Splitter.Group != "splitter-group" {
		t.Fatalf("unexpected splitter group: %q", cfg.Stages.Splitter.Group)
	}
	if cfg.BlockDuration() != 5*time.Second {
		t.Fatalf("unexpected block duration: %s", cfg.BlockDuration())
	}
	if cfg.BackoffCap() != 30*time.Second {
		t.Fatalf("unexpected backoff cap: %s", cfg.BackoffCap())
	}
	if cfg.LockTimeout() != 30*time.Second {
		t.Fatalf("unexpected lock timeout: %s", cfg.LockTimeout())
	}
	if !cfg.Packager.RemoveVocals {
		t.Fatal("expected vocals removed by default")
	}
}

func TestLoadAppliesEnvironmentFallbacks(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("QUEUE_DIR", filepath.Join(tempHome, "q"))
	t.Setenv("NOTIFY_EMAILS", "a@example.com, b@example.com ,")
	t.Setenv("SMTP_SERVER", "smtp.example.com")
	t.Setenv("SPLITTER_GROUP", "custom-splitters")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Fatalf("unexpected redis addr: %q", cfg.Redis.Addr)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Fatalf("unexpected redis password: %q", cfg.Redis.Password)
	}
	if cfg.Paths.QueueDir != filepath.Join(tempHome, "q") {
		t.Fatalf("unexpected queue dir: %q", cfg.Paths.QueueDir)
	}
	if len(cfg.Notifications.Emails) != 2 || cfg.Notifications.Emails[1] != "b@example.com" {
		t.Fatalf("unexpected emails: %#v", cfg.Notifications.Emails)
	}
	if cfg.Stages.Splitter.Group != "custom-splitters" {
		t.Fatalf("unexpected splitter group: %q", cfg.Stages.Splitter.Group)
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(tempHome, "config.toml")
	payload := map[string]any{
		"paths": map[string]any{
			"queue_dir":  "~/queue",
			"output_dir": "~/out",
		},
		"bus": map[string]any{
			"backend": "SQLite",
		},
		"ingest": map[string]any{
			"extensions": []string{"MP3", ".flac", "mp3"},
		},
		"workflow": map[string]any{
			"max_retries": 5,
		},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected config at %q, got %q (exists=%v)", configPath, resolved, exists)
	}
	if cfg.Bus.Backend != "sqlite" {
		t.Fatalf("expected backend lowercased, got %q", cfg.Bus.Backend)
	}
	if cfg.Paths.QueueDir != filepath.Join(tempHome, "queue") {
		t.Fatalf("unexpected queue dir: %q", cfg.Paths.QueueDir)
	}
	if got := strings.Join(cfg.Ingest.Extensions, ","); got != ".mp3,.flac" {
		t.Fatalf("unexpected extensions: %q", got)
	}
	if cfg.Workflow.MaxRetries != 5 {
		t.Fatalf("unexpected max retries: %d", cfg.Workflow.MaxRetries)
	}
}

func TestLoadReportsConfigurationErrors(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	for name, body := range map[string]string{
		"unparsable": "[bus\nbackend = ",
		"invalid":    "[bus]\nbackend = \"kafka\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(tempHome, name+".toml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, _, _, err := config.Load(path); !errors.Is(err, services.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"backend", func(c *config.Config) { c.Bus.Backend = "kafka" }, "bus.backend"},
		{"retries", func(c *config.Config) { c.Workflow.MaxRetries = 0 }, "workflow.max_retries"},
		{"block", func(c *config.Config) { c.Workflow.BlockSeconds = 0 }, "workflow.block_seconds"},
		{"splitter input", func(c *config.Config) { c.Splitter.Command = "spleeter -o {output}" }, "{input}"},
		{"stems", func(c *config.Config) { c.Splitter.Stems = 3 }, "splitter.stems"},
		{"stem types", func(c *config.Config) { c.Splitter.Stems = 2 }, "splitter.stem_types"},
		{"telegram pair", func(c *config.Config) { c.Notifications.TelegramToken = "token" }, "telegram_chat_id"},
		{"archive bucket", func(c *config.Config) { c.Archive.Enabled = true }, "archive.bucket"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"stream retention", func(c *config.Config) { c.Workflow.StreamRetentionSeconds = -1 }, "workflow.stream_retention_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestEnsureDirectoriesCreatesSharedDirs(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.InputDir = filepath.Join(base, "input")
	cfg.Paths.QueueDir = filepath.Join(base, "queue")
	cfg.Paths.MetadataDir = filepath.Join(base, "metadata")
	cfg.Paths.StemsDir = filepath.Join(base, "stems")
	cfg.Paths.OutputDir = filepath.Join(base, "output")
	cfg.Paths.CoversDir = filepath.Join(base, "covers")
	cfg.Paths.ArchiveDir = filepath.Join(base, "archive")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.StateDir = filepath.Join(base, "state")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories returned error: %v", err)
	}
	for _, dir := range []string{cfg.Paths.InputDir, cfg.Paths.QueueDir, cfg.Paths.StemsDir, cfg.Paths.OutputDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q: %v", dir, err)
		}
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	path := filepath.Join(tempHome, "nested", "config.toml")

	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config failed to load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample config to exist")
	}
	if cfg.Workflow.BackoffCapSeconds != 30 {
		t.Fatalf("unexpected backoff cap from sample: %d", cfg.Workflow.BackoffCapSeconds)
	}
}
