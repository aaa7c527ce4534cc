package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeBus(); err != nil {
		return err
	}
	c.normalizeRedis()
	c.normalizeWorkflow()
	c.normalizeIngest()
	c.normalizeSplitter()
	c.normalizeNotifications()
	c.normalizeArchive()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		key   string
		value *string
		env   string
	}{
		{"paths.input_dir", &c.Paths.InputDir, "INPUT_DIR"},
		{"paths.queue_dir", &c.Paths.QueueDir, "QUEUE_DIR"},
		{"paths.metadata_dir", &c.Paths.MetadataDir, "METADATA_DIR"},
		{"paths.stems_dir", &c.Paths.StemsDir, "STEMS_DIR"},
		{"paths.output_dir", &c.Paths.OutputDir, "OUTPUT_DIR"},
		{"paths.covers_dir", &c.Paths.CoversDir, "COVERS_DIR"},
		{"paths.archive_dir", &c.Paths.ArchiveDir, "ARCHIVE_DIR"},
		{"paths.log_dir", &c.Paths.LogDir, "LOG_DIR"},
		{"paths.state_dir", &c.Paths.StateDir, "STATE_DIR"},
	}
	for _, field := range fields {
		if value, ok := os.LookupEnv(field.env); ok && strings.TrimSpace(value) != "" {
			*field.value = strings.TrimSpace(value)
		}
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.key, err)
		}
		*field.value = expanded
	}
	return nil
}

func (c *Config) normalizeBus() error {
	c.Bus.Backend = strings.ToLower(strings.TrimSpace(c.Bus.Backend))
	if c.Bus.Backend == "" {
		c.Bus.Backend = defaultBusBackend
	}
	c.Bus.SQLitePath = strings.TrimSpace(c.Bus.SQLitePath)
	if c.Bus.SQLitePath == "" {
		c.Bus.SQLitePath = filepath.Join(c.Paths.StateDir, defaultSQLiteFile)
	}
	var err error
	if c.Bus.SQLitePath, err = expandPath(c.Bus.SQLitePath); err != nil {
		return fmt.Errorf("bus.sqlite_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeRedis() {
	if value, ok := os.LookupEnv("REDIS_ADDR"); ok && strings.TrimSpace(value) != "" {
		c.Redis.Addr = strings.TrimSpace(value)
	} else if host, ok := os.LookupEnv("REDIS_HOST"); ok && strings.TrimSpace(host) != "" {
		port := "6379"
		if value, ok := os.LookupEnv("REDIS_PORT"); ok && strings.TrimSpace(value) != "" {
			port = strings.TrimSpace(value)
		}
		c.Redis.Addr = net.JoinHostPort(strings.TrimSpace(host), port)
	}
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.Addr == "" {
		c.Redis.Addr = defaultRedisAddr
	}
	if c.Redis.Password == "" {
		if value, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
			c.Redis.Password = value
		}
	}
	if c.Redis.DialTimeoutSeconds <= 0 {
		c.Redis.DialTimeoutSeconds = defaultRedisDialTimeout
	}
}

func (c *Config) normalizeWorkflow() {
	c.Workflow.ConsumerName = strings.TrimSpace(c.Workflow.ConsumerName)
	c.Stages.Metadata = normalizeStageGroup(c.Stages.Metadata, "metadata-group", "METADATA_GROUP", "METADATA_CONSUMER")
	c.Stages.Splitter = normalizeStageGroup(c.Stages.Splitter, "splitter-group", "SPLITTER_GROUP", "SPLITTER_CONSUMER")
	c.Stages.Packager = normalizeStageGroup(c.Stages.Packager, "packager-group", "PACKAGER_GROUP", "PACKAGER_CONSUMER")
}

func normalizeStageGroup(group StageGroup, fallback, groupEnv, consumerEnv string) StageGroup {
	if value, ok := os.LookupEnv(groupEnv); ok && strings.TrimSpace(value) != "" {
		group.Group = value
	}
	if value, ok := os.LookupEnv(consumerEnv); ok && strings.TrimSpace(value) != "" {
		group.Consumer = value
	}
	group.Group = strings.TrimSpace(group.Group)
	group.Consumer = strings.TrimSpace(group.Consumer)
	if group.Group == "" {
		group.Group = fallback
	}
	return group
}

func (c *Config) normalizeIngest() {
	exts := make([]string, 0, len(c.Ingest.Extensions))
	seen := make(map[string]struct{}, len(c.Ingest.Extensions))
	for _, ext := range c.Ingest.Extensions {
		normalized := strings.ToLower(strings.TrimSpace(ext))
		if normalized == "" {
			continue
		}
		if !strings.HasPrefix(normalized, ".") {
			normalized = "." + normalized
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		exts = append(exts, normalized)
	}
	if len(exts) == 0 {
		exts = []string{".mp3"}
	}
	c.Ingest.Extensions = exts
}

func (c *Config) normalizeSplitter() {
	c.Splitter.Command = strings.TrimSpace(c.Splitter.Command)
	if c.Splitter.Command == "" {
		c.Splitter.Command = defaultSplitterCommand
	}
	types := make([]string, 0, len(c.Splitter.StemTypes))
	for _, stem := range c.Splitter.StemTypes {
		if normalized := strings.ToLower(strings.TrimSpace(stem)); normalized != "" {
			types = append(types, normalized)
		}
	}
	c.Splitter.StemTypes = types
}

func (c *Config) normalizeNotifications() {
	n := &c.Notifications
	lookup := func(target *string, keys ...string) {
		if strings.TrimSpace(*target) != "" {
			*target = strings.TrimSpace(*target)
			return
		}
		for _, key := range keys {
			if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
				*target = strings.TrimSpace(value)
				return
			}
		}
	}
	lookup(&n.NtfyTopic, "NTFY_TOPIC")
	lookup(&n.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	lookup(&n.TelegramToken, "TELEGRAM_BOT_TOKEN")
	lookup(&n.TelegramChatID, "TELEGRAM_CHAT_ID")
	lookup(&n.SMTPServer, "SMTP_SERVER")
	lookup(&n.SMTPUsername, "SMTP_USERNAME")
	lookup(&n.SMTPPassword, "SMTP_PASSWORD")
	lookup(&n.DiscordToken, "DISCORD_BOT_TOKEN")
	lookup(&n.DiscordChannelID, "DISCORD_CHANNEL_ID")
	n.TelegramBaseURL = strings.TrimRight(strings.TrimSpace(n.TelegramBaseURL), "/")
	if n.TelegramBaseURL == "" {
		n.TelegramBaseURL = defaultTelegramBaseURL
	}
	if len(n.Emails) == 0 {
		if value, ok := os.LookupEnv("NOTIFY_EMAILS"); ok {
			n.Emails = strings.Split(value, ",")
		}
	}
	emails := make([]string, 0, len(n.Emails))
	for _, email := range n.Emails {
		if trimmed := strings.TrimSpace(email); trimmed != "" {
			emails = append(emails, trimmed)
		}
	}
	n.Emails = emails
	if n.SMTPPort <= 0 {
		n.SMTPPort = defaultSMTPPort
	}
	if n.RequestTimeout <= 0 {
		n.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeArchive() {
	a := &c.Archive
	envs := []struct {
		target *string
		key    string
	}{
		{&a.Bucket, "S3_BUCKET"},
		{&a.Endpoint, "S3_ENDPOINT"},
		{&a.AccessKeyID, "S3_ACCESS_KEY_ID"},
		{&a.SecretAccessKey, "S3_SECRET_ACCESS_KEY"},
	}
	for _, env := range envs {
		*env.target = strings.TrimSpace(*env.target)
		if *env.target != "" {
			continue
		}
		if value, ok := os.LookupEnv(env.key); ok {
			*env.target = strings.TrimSpace(value)
		}
	}
	a.Prefix = strings.Trim(strings.TrimSpace(a.Prefix), "/")
	a.Region = strings.TrimSpace(a.Region)
	if a.Region == "" {
		a.Region = defaultArchiveRegion
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
