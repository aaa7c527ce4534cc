package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateBus(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateSplitter(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	for key, value := range map[string]string{
		"paths.input_dir":    c.Paths.InputDir,
		"paths.queue_dir":    c.Paths.QueueDir,
		"paths.metadata_dir": c.Paths.MetadataDir,
		"paths.stems_dir":    c.Paths.StemsDir,
		"paths.output_dir":   c.Paths.OutputDir,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must be set", key)
		}
	}
	return nil
}

func (c *Config) validateBus() error {
	switch c.Bus.Backend {
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("redis.addr must be set when bus.backend is redis")
		}
		if c.Redis.DB < 0 {
			return errors.New("redis.db must be >= 0")
		}
	case "sqlite":
		if strings.TrimSpace(c.Bus.SQLitePath) == "" {
			return errors.New("bus.sqlite_path must be set when bus.backend is sqlite")
		}
	default:
		return fmt.Errorf("bus.backend: unsupported value %q (want redis or sqlite)", c.Bus.Backend)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.block_seconds":            c.Workflow.BlockSeconds,
		"workflow.max_retries":              c.Workflow.MaxRetries,
		"workflow.backoff_cap_seconds":      c.Workflow.BackoffCapSeconds,
		"workflow.lock_timeout_seconds":     c.Workflow.LockTimeoutSeconds,
		"workflow.lock_poll_millis":         c.Workflow.LockPollMillis,
		"workflow.reclaim_interval_seconds": c.Workflow.ReclaimIntervalSeconds,
		"ingest.scan_interval_seconds":      c.Ingest.ScanIntervalSeconds,
		"ingest.stable_checks":              c.Ingest.StableChecks,
		"notifications.request_timeout":     c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Workflow.RetryDelaySeconds < 0 {
		return errors.New("workflow.retry_delay_seconds must be >= 0")
	}
	if c.Workflow.ReclaimMinIdleSeconds < 0 {
		return errors.New("workflow.reclaim_min_idle_seconds must be >= 0 (0 disables reclamation)")
	}
	if c.Workflow.StaleLockSeconds < 0 {
		return errors.New("workflow.stale_lock_seconds must be >= 0 (0 disables the sweep)")
	}
	if c.Workflow.StreamRetentionSeconds < 0 {
		return errors.New("workflow.stream_retention_seconds must be >= 0 (0 keeps every entry)")
	}
	if c.Workflow.LockPollMillis > c.Workflow.LockTimeoutSeconds*1000 {
		return errors.New("workflow.lock_poll_millis must not exceed workflow.lock_timeout_seconds")
	}
	return nil
}

func (c *Config) validateSplitter() error {
	if !strings.Contains(c.Splitter.Command, "{input}") {
		return errors.New("splitter.command must reference {input}")
	}
	if !strings.Contains(c.Splitter.Command, "{output}") {
		return errors.New("splitter.command must reference {output}")
	}
	switch c.Splitter.Stems {
	case 2, 4, 5:
	default:
		return fmt.Errorf("splitter.stems must be 2, 4 or 5, got %d", c.Splitter.Stems)
	}
	if len(c.Splitter.StemTypes) > 0 {
		usable := false
		for _, stem := range SupportedStems(c.Splitter.Stems) {
			if stem != "vocals" && slices.Contains(c.Splitter.StemTypes, stem) {
				usable = true
			}
		}
		if !usable {
			return fmt.Errorf("splitter.stem_types must keep at least one non-vocal stem of the %d stem model %v", c.Splitter.Stems, SupportedStems(c.Splitter.Stems))
		}
	}
	if c.Splitter.TimeoutSeconds <= 0 {
		return errors.New("splitter.timeout_seconds must be positive")
	}
	if c.Packager.TimeoutSeconds <= 0 {
		return errors.New("packager.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	n := c.Notifications
	if (n.TelegramToken == "") != (n.TelegramChatID == "") {
		return errors.New("notifications.telegram_bot_token and notifications.telegram_chat_id must be set together")
	}
	if (n.DiscordToken == "") != (n.DiscordChannelID == "") {
		return errors.New("notifications.discord_bot_token and notifications.discord_channel_id must be set together")
	}
	if len(n.Emails) > 0 && strings.TrimSpace(n.SMTPServer) == "" {
		return errors.New("notifications.smtp_server must be set when notifications.emails is not empty")
	}
	return nil
}

func (c *Config) validateArchive() error {
	if !c.Archive.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Archive.Bucket) == "" {
		return errors.New("archive.bucket must be set when archive.enabled is true (or set S3_BUCKET)")
	}
	if (c.Archive.AccessKeyID == "") != (c.Archive.SecretAccessKey == "") {
		return errors.New("archive.access_key_id and archive.secret_access_key must be set together")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

// SupportedStems lists the stems a separation model with n stems produces.
func SupportedStems(n int) []string {
	switch n {
	case 2:
		return []string{"vocals", "accompaniment"}
	case 4:
		return []string{"vocals", "drums", "bass", "other"}
	case 5:
		return []string{"vocals", "drums", "bass", "piano", "other"}
	default:
		return nil
	}
}
