package jobstate

import (
	"context"
	"time"
)

// Step names recorded in a job record, in pipeline order.
const (
	StepQueued   = "queued"
	StepMetadata = "metadata"
	StepCoverArt = "cover_art"
	StepStems    = "stems"
	StepPackaged = "packaged"
)

// Steps lists every step in pipeline order.
var Steps = []string{StepQueued, StepMetadata, StepCoverArt, StepStems, StepPackaged}

// File status values.
const (
	StatusQueued       = "queued"
	StatusMetadataDone = "metadata_done"
	StatusSplitDone    = "split_done"
	StatusPackaged     = "packaged"
	StatusError        = "error"
)

// Summary is the terminal record stored when a job is fully processed.
type Summary struct {
	Title       string
	Artist      string
	Album       string
	Duration    float64
	Bitrate     int64
	StemsUsed   []string
	OutputPath  string
	CompletedAt time.Time
}

// ErrorRecord is one failed attempt of a stage body.
type ErrorRecord struct {
	TrackingID string
	Filename   string
	Stage      string
	Attempt    int
	Kind       string
	Message    string
	// Detail carries the error chain and, for recovered panics, the stack.
	Detail string
	At     time.Time
}

// FileStatus is the operator-facing status of one queued file.
type FileStatus struct {
	Filename   string
	Status     string
	Error      string
	TrackingID string
	UpdatedAt  time.Time
}

// Store persists job records, retry counters and file status records.
type Store interface {
	StepDone(ctx context.Context, trackingID, step string) (bool, error)
	// MarkStep records step as complete. Flags never revert.
	MarkStep(ctx context.Context, trackingID, step string) error
	Steps(ctx context.Context, trackingID string) (map[string]bool, error)

	IsFullyProcessed(ctx context.Context, trackingID string) (bool, error)
	// MarkFullyProcessed stores summary; a later call overwrites it.
	MarkFullyProcessed(ctx context.Context, trackingID string, summary Summary) error
	// Summary returns nil, nil when the job is not fully processed.
	Summary(ctx context.Context, trackingID string) (*Summary, error)

	RetryCount(ctx context.Context, stage, filename string) (int, error)
	IncrementRetry(ctx context.Context, stage, filename string) (int, error)
	ResetRetry(ctx context.Context, stage, filename string) error

	// RecordError stores rec as the job's last error and flags the file
	// status record as errored.
	RecordError(ctx context.Context, rec ErrorRecord) error
	// LastError returns nil, nil when no error was recorded.
	LastError(ctx context.Context, trackingID string) (*ErrorRecord, error)

	SetFileStatus(ctx context.Context, status FileStatus) error
	// FileStatus returns a record with Status "unknown" when none exists.
	FileStatus(ctx context.Context, filename string) (FileStatus, error)
	// FilesByStatus lists file status records; an empty status lists all.
	FilesByStatus(ctx context.Context, status string) ([]FileStatus, error)
	// ClearFileError resets an errored file to status and zeroes the retry
	// counters of stages.
	ClearFileError(ctx context.Context, filename, status string, stages []string) error

	Close() error
}

// StatusUnknown is reported for files without a status record.
const StatusUnknown = "unknown"
