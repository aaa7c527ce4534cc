// Package ingest admits audio files into the pipeline. It copies each file
// into the queue directory under a timestamped name, records the job and
// publishes it to stream:queued. The Watcher does this for every file that
// appears in the input directory.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"stemflow/internal/config"
	"stemflow/internal/fileutil"
	"stemflow/internal/jobstate"
	"stemflow/internal/lock"
	"stemflow/internal/logging"
	"stemflow/internal/pipeline"
	"stemflow/internal/services"
	"stemflow/internal/streams"
)

const (
	stableTimeout   = time.Minute
	maxNameAttempts = 100
)

// ErrNotReady reports a file whose size kept changing.
var ErrNotReady = errors.New("file still being written")

// Options adjust a single ingest.
type Options struct {
	// TrackingID overrides the content hash identity.
	TrackingID string
}

// Outcome reports what happened to one candidate file.
type Outcome struct {
	Source     string
	Filename   string
	TrackingID string
	JobID      string
	MessageID  string
	// Skipped is set with a reason when the file was not queued.
	Skipped string
}

// JobState is the sidecar written next to each queued file.
type JobState struct {
	Filename         string         `json:"filename"`
	OriginalFilename string         `json:"original_filename"`
	OriginalPath     string         `json:"original_path"`
	JobID            string         `json:"job_id"`
	TrackingID       string         `json:"tracking_id"`
	Timestamp        string         `json:"timestamp"`
	Status           string         `json:"status"`
	CollectionType   string         `json:"collection_type,omitempty"`
	CollectionInfo   map[string]any `json:"collection_info,omitempty"`
	TrackNumber      string         `json:"track_number,omitempty"`
}

// Ingester queues files.
type Ingester struct {
	cfg    *config.Config
	bus    streams.Bus
	store  jobstate.Store
	locks  *lock.Manager
	logger *slog.Logger
	now    func() time.Time
	sleep  func(time.Duration)
}

// NewIngester wires an ingester to the shared clients.
func NewIngester(cfg *config.Config, bus streams.Bus, store jobstate.Store, locks *lock.Manager, logger *slog.Logger) *Ingester {
	if locks == nil {
		locks = lock.NewManager(cfg.LockPollInterval(), cfg.LockTimeout(), logger)
	}
	return &Ingester{
		cfg:    cfg,
		bus:    bus,
		store:  store,
		locks:  locks,
		logger: logging.NewComponentLogger(logger, "ingest"),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Accepts reports whether path has one of the configured extensions.
func (i *Ingester) Accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, lock.Suffix) {
		return false
	}
	return slices.Contains(i.cfg.Ingest.Extensions, strings.ToLower(filepath.Ext(base)))
}

// Ingest queues the file at path unless its identity is already processed
// or in flight.
func (i *Ingester) Ingest(ctx context.Context, path string, opts Options) (Outcome, error) {
	out := Outcome{Source: path}
	info, err := os.Stat(path)
	if err != nil {
		return out, services.Wrap(services.ErrNotFound, "ingest", "stat", path, err)
	}
	if info.IsDir() || !i.Accepts(path) {
		out.Skipped = "unsupported file"
		return out, nil
	}
	if err := i.waitStable(ctx, path); err != nil {
		return out, err
	}

	trackingID := strings.TrimSpace(opts.TrackingID)
	if trackingID == "" {
		if trackingID, err = pipeline.ContentID(path); err != nil {
			return out, services.Wrap(services.ErrTransient, "ingest", "hash", path, err)
		}
	}
	out.TrackingID = trackingID
	ctx = services.WithTrackingID(ctx, trackingID)
	logger := logging.WithContext(ctx, i.logger).With(logging.String("source", path))

	if reason, err := i.skipReason(ctx, trackingID); err != nil {
		return out, fmt.Errorf("check job state: %w", err)
	} else if reason != "" {
		out.Skipped = reason
		logger.Debug("file not queued", logging.String("reason", reason))
		return out, nil
	}

	if err := os.MkdirAll(i.cfg.Paths.QueueDir, 0o755); err != nil {
		return out, services.Wrap(services.ErrTransient, "ingest", "create queue dir", i.cfg.Paths.QueueDir, err)
	}
	// Identical content dropped twice at once must still map to one job, so
	// the skip check is repeated under a lock keyed by the identity.
	err = i.locks.With(ctx, i.identityLockPath(trackingID), i.cfg.LockTimeout(), func() error {
		reason, err := i.skipReason(ctx, trackingID)
		if err != nil {
			return fmt.Errorf("check job state: %w", err)
		}
		if reason != "" {
			out.Skipped = reason
			return nil
		}
		return i.enqueue(ctx, logger, path, trackingID, &out)
	})
	if err != nil {
		return out, err
	}
	if out.Skipped != "" {
		logger.Debug("file not queued", logging.String("reason", out.Skipped))
		return out, nil
	}
	i.disposeOriginal(logger, path)
	return out, nil
}

// identityLockPath names the lock that serializes ingests of one identity.
func (i *Ingester) identityLockPath(trackingID string) string {
	return filepath.Join(i.cfg.Paths.QueueDir, ".ingest-"+fileutil.SanitizeComponent(trackingID, "job"))
}

func (i *Ingester) skipReason(ctx context.Context, trackingID string) (string, error) {
	done, err := i.store.IsFullyProcessed(ctx, trackingID)
	if err != nil {
		return "", err
	}
	if done {
		return "already processed", nil
	}
	published, err := i.store.StepDone(ctx, trackingID, pipeline.IngestHandoffStep)
	if err != nil {
		return "", err
	}
	if published {
		return "already in flight", nil
	}
	return "", nil
}

func (i *Ingester) enqueue(ctx context.Context, logger *slog.Logger, src, trackingID string, out *Outcome) error {
	now := i.now()
	original := filepath.Base(src)
	filename := fileutil.StampedName(original, now)
	rel, err := filepath.Rel(i.cfg.Paths.InputDir, src)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = original
	}

	state := JobState{
		Filename:         filename,
		OriginalFilename: original,
		OriginalPath:     rel,
		JobID:            uuid.NewString(),
		TrackingID:       trackingID,
		Timestamp:        now.Format(fileutil.TimestampLayout),
		Status:           jobstate.StatusQueued,
	}
	coll, err := FindCollection(i.cfg.Paths.InputDir, filepath.Dir(src))
	if err != nil {
		logger.Warn("collection metadata unreadable; queuing without it",
			logging.Error(err),
			logging.String(logging.FieldEventType, "collection_unreadable"),
			logging.String(logging.FieldErrorHint, "fix the album.json or playlist.json next to the file"),
		)
	}
	if coll != nil {
		state.CollectionType = coll.Type
		state.CollectionInfo = coll.Info
		if coll.Type == "album" {
			state.TrackNumber = TrackNumber(strings.TrimSuffix(original, filepath.Ext(original)))
		}
	}

	filename, err = i.claimQueueName(ctx, src, filename, &state)
	if err != nil {
		return err
	}

	if err := i.store.MarkStep(ctx, trackingID, jobstate.StepQueued); err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	if err := i.store.SetFileStatus(ctx, jobstate.FileStatus{
		Filename:   filename,
		Status:     jobstate.StatusQueued,
		TrackingID: trackingID,
		UpdatedAt:  now,
	}); err != nil {
		return fmt.Errorf("set file status: %w", err)
	}

	fields := map[string]string{
		pipeline.FieldFilename:         filename,
		pipeline.FieldTrackingID:       trackingID,
		pipeline.FieldOriginalFilename: original,
		pipeline.FieldOriginalPath:     rel,
		pipeline.FieldJobID:            state.JobID,
		pipeline.FieldTimestamp:        pipeline.FormatTimestamp(now),
	}
	if coll != nil {
		fields[pipeline.FieldCollectionType] = coll.Type
		fields[pipeline.FieldCollectionName] = coll.Name
	}
	if state.TrackNumber != "" {
		fields[pipeline.FieldTrackNumber] = state.TrackNumber
	}
	id, err := i.bus.Publish(ctx, streams.Queued, fields)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", streams.Queued, err)
	}
	if err := i.store.MarkStep(ctx, trackingID, pipeline.IngestHandoffStep); err != nil {
		return fmt.Errorf("mark hand-off: %w", err)
	}

	out.Filename = filename
	out.JobID = state.JobID
	out.MessageID = id
	attrs := []logging.Attr{
		logging.String(logging.FieldFilename, filename),
		logging.String("job_id", state.JobID),
		logging.String(logging.FieldMessageID, id),
		logging.String(logging.FieldEventType, "file_queued"),
	}
	if coll != nil {
		attrs = append(attrs, logging.String("collection", coll.Type+": "+coll.Name))
	}
	logger.Info("file queued", logging.Args(attrs...)...)
	return nil
}

// claimQueueName copies src into the queue directory under the first free
// name derived from stamped. A name is free when no queued file holds it; the
// existence check is repeated under a lock on the destination so two ingests
// stamped in the same second never share an artifact. Taken names get a
// counter before the timestamp: "01_20240102030405.mp3" becomes
// "01-2_20240102030405.mp3".
func (i *Ingester) claimQueueName(ctx context.Context, src, stamped string, state *JobState) (string, error) {
	prefix, stamp, ext := fileutil.SplitStamped(stamped)
	for n := 1; n <= maxNameAttempts; n++ {
		name := stamped
		if n > 1 {
			name = fmt.Sprintf("%s-%d_%s%s", prefix, n, stamp, ext)
		}
		state.Filename = name
		created, err := i.locks.EnsureOnce(ctx, filepath.Join(i.cfg.Paths.QueueDir, name), i.cfg.LockTimeout(), func(dst string) error {
			if err := fileutil.WriteJSONAtomic(dst+pipeline.JobStateSuffix, state); err != nil {
				return services.Wrap(services.ErrTransient, "ingest", "write job state", name, err)
			}
			if err := fileutil.CopyFileAtomic(src, dst); err != nil {
				_ = os.Remove(dst + pipeline.JobStateSuffix)
				return services.Wrap(services.ErrTransient, "ingest", "copy to queue", name, err)
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		if created {
			return name, nil
		}
	}
	return "", services.Wrap(services.ErrTransient, "ingest", "claim queue name", fmt.Sprintf("no free name for %s after %d attempts", stamped, maxNameAttempts), nil)
}

// disposeOriginal deletes the source or moves it under the archive dir so
// rescans of the input directory do not see it again.
func (i *Ingester) disposeOriginal(logger *slog.Logger, src string) {
	if i.cfg.Ingest.DeleteOriginal {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			logger.Warn("original not deleted", logging.Error(err), logging.String(logging.FieldEventType, "original_cleanup_failed"))
		}
		return
	}
	if strings.TrimSpace(i.cfg.Paths.ArchiveDir) == "" {
		return
	}
	rel, err := filepath.Rel(i.cfg.Paths.InputDir, src)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(src)
	}
	dst := filepath.Join(i.cfg.Paths.ArchiveDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err == nil {
		err = fileutil.MoveFile(src, dst)
	}
	if err != nil {
		logger.Warn("original not archived; it stays in the input directory",
			logging.Error(err),
			logging.String(logging.FieldEventType, "original_cleanup_failed"),
			logging.String(logging.FieldImpact, "rescans hash the file again and skip it"),
		)
	}
}

// waitStable polls the file size until it has been non-zero and unchanged
// for the configured number of checks.
func (i *Ingester) waitStable(ctx context.Context, path string) error {
	checks := max(i.cfg.Ingest.StableChecks, 1)
	interval := time.Duration(i.cfg.Ingest.StableIntervalSeconds) * time.Second
	deadline := i.now().Add(stableTimeout)
	last, stable := int64(-1), 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return services.Wrap(services.ErrNotFound, "ingest", "stat", path, err)
		}
		size := info.Size()
		if size > 0 && size == last {
			stable++
			if stable >= checks {
				return nil
			}
		} else {
			stable = 0
		}
		last = size
		if i.now().After(deadline) {
			return fmt.Errorf("%s: %w", path, ErrNotReady)
		}
		i.sleep(interval)
	}
}
