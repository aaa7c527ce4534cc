package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"stemflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It selects the sqlite backend, shortens every wait so worker loops finish
// quickly, and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths = config.Paths{
		InputDir:    filepath.Join(base, "input"),
		QueueDir:    filepath.Join(base, "queue"),
		MetadataDir: filepath.Join(base, "metadata"),
		StemsDir:    filepath.Join(base, "stems"),
		OutputDir:   filepath.Join(base, "output"),
		CoversDir:   filepath.Join(base, "covers"),
		ArchiveDir:  filepath.Join(base, "archive"),
		LogDir:      filepath.Join(base, "logs"),
		StateDir:    filepath.Join(base, "state"),
	}
	cfgVal.Bus.Backend = "sqlite"
	cfgVal.Bus.SQLitePath = filepath.Join(base, "state", "stemflow.db")
	cfgVal.Workflow.BlockSeconds = 1
	cfgVal.Workflow.RetryDelaySeconds = 0
	cfgVal.Workflow.BackoffCapSeconds = 1
	cfgVal.Workflow.LockTimeoutSeconds = 2
	cfgVal.Workflow.LockPollMillis = 20
	cfgVal.Workflow.ReclaimMinIdleSeconds = 0
	cfgVal.Ingest.StableChecks = 1
	cfgVal.Ingest.StableIntervalSeconds = 0
	cfgVal.Notifications.Failures = true

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithMaxRetries overrides the attempt budget per stage body.
func WithMaxRetries(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.MaxRetries = n
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the default external binaries are
// stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffprobe", "ffmpeg", "spleeter"}
		}
		for _, name := range names {
			StubBinary(b.t, b.baseDir, name, "#!/bin/sh\nexit 0\n")
		}
	}
}

// StubBinary writes an executable shell script called name into a bin
// directory under baseDir and prepends that directory to PATH for the test.
func StubBinary(t testing.TB, baseDir, name, script string) string {
	t.Helper()
	binDir := filepath.Join(baseDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir bin dir: %v", err)
	}
	target := filepath.Join(binDir, name)
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}

	oldPath := os.Getenv("PATH")
	if filepath.SplitList(oldPath)[0] != binDir {
		t.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath)
	}
	return target
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.QueueDir)
}
