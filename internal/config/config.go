package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"stemflow/internal/services"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains the shared directories every stage reads and writes.
type Paths struct {
	InputDir    string `toml:"input_dir"`
	QueueDir    string `toml:"queue_dir"`
	MetadataDir string `toml:"metadata_dir"`
	StemsDir    string `toml:"stems_dir"`
	OutputDir   string `toml:"output_dir"`
	CoversDir   string `toml:"covers_dir"`
	ArchiveDir  string `toml:"archive_dir"`
	LogDir      string `toml:"log_dir"`
	StateDir    string `toml:"state_dir"`
}

// Bus selects the stream bus and job state backend.
type Bus struct {
	// Backend is "redis" (default) or "sqlite" for single-host deployments.
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
}

// Redis contains connection settings for the redis backend.
type Redis struct {
	Addr               string `toml:"addr"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	DB                 int    `toml:"db"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
}

// Workflow contains worker loop timing and retry policy.
type Workflow struct {
	BlockSeconds           int    `toml:"block_seconds"`
	MaxRetries             int    `toml:"max_retries"`
	RetryDelaySeconds      int    `toml:"retry_delay_seconds"`
	BackoffCapSeconds      int    `toml:"backoff_cap_seconds"`
	LockTimeoutSeconds     int    `toml:"lock_timeout_seconds"`
	LockPollMillis         int    `toml:"lock_poll_millis"`
	StaleLockSeconds       int    `toml:"stale_lock_seconds"`
	ReclaimMinIdleSeconds  int    `toml:"reclaim_min_idle_seconds"`
	ReclaimIntervalSeconds int    `toml:"reclaim_interval_seconds"`
	StreamRetentionSeconds int    `toml:"stream_retention_seconds"`
	ConsumerName           string `toml:"consumer_name"`
}

// StageGroup names the consumer group a stage reads with.
type StageGroup struct {
	Group    string `toml:"group"`
	Consumer string `toml:"consumer"`
}

// Stages contains per-stage consumer group settings.
type Stages struct {
	Metadata StageGroup `toml:"metadata"`
	Splitter StageGroup `toml:"splitter"`
	Packager StageGroup `toml:"packager"`
}

// Ingest contains watcher settings.
type Ingest struct {
	Extensions            []string `toml:"extensions"`
	ScanIntervalSeconds   int      `toml:"scan_interval_seconds"`
	StableChecks          int      `toml:"stable_checks"`
	StableIntervalSeconds int      `toml:"stable_interval_seconds"`
	DeleteOriginal        bool     `toml:"delete_original"`
}

// Metadata contains metadata stage settings.
type Metadata struct {
	ExtractCoverArt bool `toml:"extract_cover_art"`
}

// Splitter contains stem separation settings.
type Splitter struct {
	// Command is a template; {input}, {output} and {stems} are substituted.
	Command        string   `toml:"command"`
	Stems          int      `toml:"stems"`
	StemTypes      []string `toml:"stem_types"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Packager contains merge and library layout settings.
type Packager struct {
	RemoveVocals      bool   `toml:"remove_vocals"`
	CleanIntermediate bool   `toml:"clean_intermediate"`
	Bitrate           string `toml:"bitrate"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
}

// Notifications contains push notification settings for every channel.
type Notifications struct {
	RequestTimeout   int      `toml:"request_timeout"`
	NtfyTopic        string   `toml:"ntfy_topic"`
	SlackWebhookURL  string   `toml:"slack_webhook_url"`
	TelegramToken    string   `toml:"telegram_bot_token"`
	TelegramChatID   string   `toml:"telegram_chat_id"`
	TelegramBaseURL  string   `toml:"telegram_base_url"`
	SMTPServer       string   `toml:"smtp_server"`
	SMTPPort         int      `toml:"smtp_port"`
	SMTPUsername     string   `toml:"smtp_username"`
	SMTPPassword     string   `toml:"smtp_password"`
	Emails           []string `toml:"emails"`
	DiscordToken     string   `toml:"discord_bot_token"`
	DiscordChannelID string   `toml:"discord_channel_id"`
	Failures         bool     `toml:"failures"`
	Completions      bool     `toml:"completions"`
}

// Archive contains settings for uploading packaged output to S3 compatible storage.
type Archive struct {
	Enabled         bool   `toml:"enabled"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for stemflow.
//
// Configuration sections by subsystem:
//   - Paths: shared artifact directories
//   - Bus/Redis: stream bus and job state backend
//   - Workflow: worker loop timing, retry and lock policy
//   - Stages: consumer group names per stage
//   - Ingest/Metadata/Splitter/Packager: stage body settings
//   - Notifications: failure and completion channels
//   - Archive: optional object storage upload of packaged output
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Bus           Bus           `toml:"bus"`
	Redis         Redis         `toml:"redis"`
	Workflow      Workflow      `toml:"workflow"`
	Stages        Stages        `toml:"stages"`
	Ingest        Ingest        `toml:"ingest"`
	Metadata      Metadata      `toml:"metadata"`
	Splitter      Splitter      `toml:"splitter"`
	Packager      Packager      `toml:"packager"`
	Notifications Notifications `toml:"notifications"`
	Archive       Archive       `toml:"archive"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/stemflow/config.toml")
}

// Load locates, parses, and validates a configuration file. A .env file in the
// working directory is applied to the process environment first so the
// environment fallbacks in normalize see it. The returned config has all path
// fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, "", false, err
	}

	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("%w: parse %s: %w", services.ErrConfiguration, resolvedPath, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, fmt.Errorf("%w: %w", services.ErrConfiguration, err)
	}

	return &cfg, resolvedPath, exists, nil
}

// loadDotEnv never overrides variables that are already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("stemflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates every shared directory the stages write into.
// OutputDir is created on a best-effort basis so workers can start while
// network storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{
		c.Paths.InputDir,
		c.Paths.QueueDir,
		c.Paths.MetadataDir,
		c.Paths.StemsDir,
		c.Paths.CoversDir,
		c.Paths.LogDir,
		c.Paths.StateDir,
	} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.OutputDir) != "" {
		_ = os.MkdirAll(c.Paths.OutputDir, 0o755)
	}
	if strings.TrimSpace(c.Paths.ArchiveDir) != "" {
		_ = os.MkdirAll(c.Paths.ArchiveDir, 0o755)
	}
	return nil
}

// FFprobeBinary returns the ffprobe executable name used for media inspection.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

// FFmpegBinary returns the ffmpeg executable name used for merging and art extraction.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

// BlockDuration is the maximum time a worker waits on an empty stream.
func (c *Config) BlockDuration() time.Duration {
	return time.Duration(c.Workflow.BlockSeconds) * time.Second
}

// RetryDelay is the fixed pause between attempts of one stage body.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Workflow.RetryDelaySeconds) * time.Second
}

// BackoffCap bounds the process-level backoff after consecutive failures.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Workflow.BackoffCapSeconds) * time.Second
}

// LockTimeout is the default time a caller waits for a file lock.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Workflow.LockTimeoutSeconds) * time.Second
}

// LockPollInterval is the wait between non-blocking lock attempts.
func (c *Config) LockPollInterval() time.Duration {
	return time.Duration(c.Workflow.LockPollMillis) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
