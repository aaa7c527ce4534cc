package config

const (
	defaultInputDir               = "~/.local/share/stemflow/input"
	defaultQueueDir               = "~/.local/share/stemflow/queue"
	defaultMetadataDir            = "~/.local/share/stemflow/metadata"
	defaultStemsDir               = "~/.local/share/stemflow/stems"
	defaultOutputDir              = "~/music/karaoke"
	defaultCoversDir              = "~/.local/share/stemflow/covers"
	defaultArchiveDir             = "~/.local/share/stemflow/archive"
	defaultLogDir                 = "~/.local/share/stemflow/logs"
	defaultStateDir               = "~/.local/share/stemflow/state"
	defaultBusBackend             = "redis"
	defaultSQLiteFile             = "stemflow.db"
	defaultRedisAddr              = "localhost:6379"
	defaultRedisDialTimeout       = 5
	defaultBlockSeconds           = 5
	defaultMaxRetries             = 3
	defaultRetryDelaySeconds      = 10
	defaultBackoffCapSeconds      = 30
	defaultLockTimeoutSeconds     = 30
	defaultLockPollMillis         = 1000
	defaultStaleLockSeconds       = 3600
	defaultReclaimMinIdleSeconds  = 600
	defaultReclaimIntervalSeconds = 60
	defaultStreamRetention        = 86400
	defaultScanIntervalSeconds    = 5
	defaultStableChecks           = 3
	defaultStableIntervalSeconds  = 1
	defaultSplitterCommand        = "spleeter separate -p spleeter:{stems}stems -o {output} {input}"
	defaultSplitterStems          = 4
	defaultSplitterTimeout        = 1800
	defaultPackagerBitrate        = "320k"
	defaultPackagerTimeout        = 600
	defaultNotifyRequestTimeout   = 10
	defaultSMTPPort               = 587
	defaultTelegramBaseURL        = "https://api.telegram.org"
	defaultArchiveRegion          = "auto"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			InputDir:    defaultInputDir,
			QueueDir:    defaultQueueDir,
			MetadataDir: defaultMetadataDir,
			StemsDir:    defaultStemsDir,
			OutputDir:   defaultOutputDir,
			CoversDir:   defaultCoversDir,
			ArchiveDir:  defaultArchiveDir,
			LogDir:      defaultLogDir,
			StateDir:    defaultStateDir,
		},
		Bus: Bus{
			Backend: defaultBusBackend,
		},
		Redis: Redis{
			Addr:               defaultRedisAddr,
			DialTimeoutSeconds: defaultRedisDialTimeout,
		},
		Workflow: Workflow{
			BlockSeconds:           defaultBlockSeconds,
			MaxRetries:             defaultMaxRetries,
			RetryDelaySeconds:      defaultRetryDelaySeconds,
			BackoffCapSeconds:      defaultBackoffCapSeconds,
			LockTimeoutSeconds:     defaultLockTimeoutSeconds,
			LockPollMillis:         defaultLockPollMillis,
			StaleLockSeconds:       defaultStaleLockSeconds,
			ReclaimMinIdleSeconds:  defaultReclaimMinIdleSeconds,
			ReclaimIntervalSeconds: defaultReclaimIntervalSeconds,
			StreamRetentionSeconds: defaultStreamRetention,
		},
		Stages: Stages{
			Metadata: StageGroup{Group: "metadata-group"},
			Splitter: StageGroup{Group: "splitter-group"},
			Packager: StageGroup{Group: "packager-group"},
		},
		Ingest: Ingest{
			Extensions:            []string{".mp3"},
			ScanIntervalSeconds:   defaultScanIntervalSeconds,
			StableChecks:          defaultStableChecks,
			StableIntervalSeconds: defaultStableIntervalSeconds,
		},
		Metadata: Metadata{
			ExtractCoverArt: true,
		},
		Splitter: Splitter{
			Command:        defaultSplitterCommand,
			Stems:          defaultSplitterStems,
			StemTypes:      []string{"vocals", "drums", "bass", "other"},
			TimeoutSeconds: defaultSplitterTimeout,
		},
		Packager: Packager{
			RemoveVocals:      true,
			CleanIntermediate: true,
			Bitrate:           defaultPackagerBitrate,
			TimeoutSeconds:    defaultPackagerTimeout,
		},
		Notifications: Notifications{
			RequestTimeout:  defaultNotifyRequestTimeout,
			SMTPPort:        defaultSMTPPort,
			TelegramBaseURL: defaultTelegramBaseURL,
			Failures:        true,
			Completions:     false,
		},
		Archive: Archive{
			Region: defaultArchiveRegion,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
