package metadata

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stemflow/internal/config"
	"stemflow/internal/deps"
	"stemflow/internal/fileutil"
	"stemflow/internal/lock"
	"stemflow/internal/logging"
	"stemflow/internal/media/ffmpeg"
	"stemflow/internal/media/ffprobe"
	"stemflow/internal/pipeline"
	"stemflow/internal/stage"
)

const (
	stageName    = "metadata"
	probeTimeout = 2 * time.Minute
	artTimeout   = time.Minute
)

// Handler is the metadata stage body.
type Handler struct {
	cfg    *config.Config
	locks  *lock.Manager
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler constructs the metadata stage body.
func NewHandler(cfg *config.Config, locks *lock.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		locks:  locks,
		logger: logging.NewComponentLogger(logger, "metadata"),
		now:    time.Now,
	}
}

// Process extracts metadata for the queued file named by job.
func (h *Handler) Process(ctx context.Context, job stage.Job) (stage.Result, error) {
	logger := logging.WithContext(ctx, h.logger)

	queuePath, err := fileutil.ResolveArtifact(h.cfg.Paths.QueueDir, job.Filename)
	if err != nil {
		return stage.Result{}, stage.Missing(stageName, "resolve queued file", job.Filename, err)
	}
	if filepath.Base(queuePath) != job.Filename {
		logger.Warn("queued file not found; using newest copy with the same base name",
			logging.String("expected", job.Filename),
			logging.String("resolved", filepath.Base(queuePath)),
			logging.String(logging.FieldEventType, "artifact_fallback"),
		)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	probe, err := probeAudio(probeCtx, h.cfg.FFprobeBinary(), queuePath)
	if err != nil {
		return stage.Result{}, stage.Tool(stageName, "ffprobe", queuePath, err)
	}
	if probe.AudioStreamCount() == 0 {
		return stage.Result{}, stage.Tool(stageName, "ffprobe", "no audio stream in "+job.Filename, nil)
	}

	rec := h.buildRecord(job, probe)
	if h.cfg.Metadata.ExtractCoverArt && probe.HasCoverArt() {
		art, err := h.extractCoverArt(ctx, logger, job, queuePath, rec)
		switch {
		case err == nil:
			rec.HasCoverArt = true
			rec.CoverArtPath = art
		case errors.Is(err, lock.ErrTimeout):
			return stage.Result{}, stage.Transient(stageName, "cover art", "cover art lock busy", err)
		default:
			logger.Warn("cover art extraction failed; continuing without art",
				logging.Error(err),
				logging.String(logging.FieldEventType, "cover_art_failed"),
				logging.String(logging.FieldImpact, "the packaged file has no embedded cover"),
			)
		}
	}

	metaPath := Path(h.cfg.Paths.MetadataDir, job.Filename)
	if err := fileutil.WriteJSONAtomic(metaPath, rec); err != nil {
		return stage.Result{}, stage.Transient(stageName, "write metadata", metaPath, err)
	}
	logger.Info("metadata extracted",
		logging.String("title", rec.Title),
		logging.String("artist", rec.Artist),
		logging.String("album", rec.Album),
		logging.Float64("duration_seconds", rec.Duration),
		logging.Bool("cover_art", rec.HasCoverArt),
	)
	return resultFor(rec, metaPath), nil
}

// Replay rebuilds the downstream fields from the metadata document on disk.
func (h *Handler) Replay(_ context.Context, job stage.Job) (stage.Result, error) {
	rec, path, err := Load(h.cfg.Paths.MetadataDir, job.Filename)
	if err != nil {
		return stage.Result{}, stage.Missing(stageName, "replay", job.Filename, err)
	}
	return resultFor(rec, path), nil
}

// HealthCheck reports whether the probing binaries are installed.
func (h *Handler) HealthCheck(context.Context) stage.Health {
	var checks []stage.Health
	for _, status := range deps.CheckBinaries(deps.Requirements(h.cfg, stageName)) {
		if status.Available || status.Optional {
			checks = append(checks, stage.Healthy(status.Name))
			continue
		}
		checks = append(checks, stage.Unhealthy(status.Name, status.Detail))
	}
	return stage.Combine(stageName, checks...)
}

func resultFor(rec Record, metaPath string) stage.Result {
	result := stage.Result{
		ArtifactPath: metaPath,
		Fields: map[string]string{
			pipeline.FieldMetadataPath: metaPath,
			pipeline.FieldTitle:        rec.Title,
			pipeline.FieldArtist:       rec.Artist,
			pipeline.FieldAlbum:        rec.Album,
		},
	}
	if rec.HasCoverArt {
		result.Fields[pipeline.FieldCoverArtPath] = rec.CoverArtPath
		result.Steps = []string{"cover_art"}
	}
	return result
}

func (h *Handler) buildRecord(job stage.Job, probe ffprobe.Result) Record {
	tags := map[string]string{}
	for key, value := range probe.Format.Tags {
		if value = strings.TrimSpace(value); value != "" {
			tags[strings.ToLower(key)] = value
		}
	}
	rec := Record{
		TrackingID:       job.TrackingID,
		Filename:         job.Filename,
		JobID:            job.Field(pipeline.FieldJobID),
		OriginalFilename: job.Field(pipeline.FieldOriginalFilename),
		OriginalPath:     job.Field(pipeline.FieldOriginalPath),
		CollectionType:   job.Field(pipeline.FieldCollectionType),
		CollectionName:   job.Field(pipeline.FieldCollectionName),
		TrackNumber:      firstNonEmpty(job.Field(pipeline.FieldTrackNumber), probe.Tag("track")),
		Title:            firstNonEmpty(probe.Tag("title"), job.Field(pipeline.FieldTitle), fallbackTitle(job)),
		Artist:           firstNonEmpty(probe.Tag("artist"), job.Field(pipeline.FieldArtist), probe.Tag("album_artist")),
		Album:            firstNonEmpty(probe.Tag("album"), job.Field(pipeline.FieldAlbum)),
		Tags:             tags,
		Duration:         probe.DurationSeconds(),
		Bitrate:          probe.BitRate(),
		SampleRate:       probe.SampleRate(),
		ExtractedAt:      h.now().UTC(),
	}
	if rec.Album == "" && rec.CollectionType == "album" {
		rec.Album = rec.CollectionName
	}
	if stream, ok := probe.AudioStream(); ok {
		rec.Channels = stream.Channels
	}
	return rec
}

// fallbackTitle is the original filename without extension, or the queued
// name without its timestamp suffix.
func fallbackTitle(job stage.Job) string {
	if original := job.Field(pipeline.FieldOriginalFilename); original != "" {
		return pipeline.FileStem(original)
	}
	prefix, _, _ := fileutil.SplitStamped(job.Filename)
	return prefix
}

// extractCoverArt writes the embedded picture into the covers directory. Art
// shared by an album is extracted once; per-track art is keyed by the
// tracking id.
func (h *Handler) extractCoverArt(ctx context.Context, logger *slog.Logger, job stage.Job, queuePath string, rec Record) (string, error) {
	name := AlbumKey(rec.Artist, rec.Album)
	if name == "" {
		name = fileutil.SanitizeComponent(job.TrackingID, pipeline.FileStem(job.Filename))
	}
	target := filepath.Join(h.cfg.Paths.CoversDir, name+".jpg")
	if err := os.MkdirAll(h.cfg.Paths.CoversDir, 0o755); err != nil {
		return "", err
	}

	created, err := h.locks.EnsureOnce(ctx, target, h.cfg.LockTimeout(), func(target string) error {
		artCtx, cancel := context.WithTimeout(ctx, artTimeout)
		defer cancel()
		tmp := filepath.Join(filepath.Dir(target), ".extract-"+filepath.Base(target))
		defer os.Remove(tmp)
		if err := ffmpeg.ExtractCoverArt(artCtx, h.cfg.FFmpegBinary(), queuePath, tmp); err != nil {
			return err
		}
		return os.Rename(tmp, target)
	})
	if err != nil {
		return "", err
	}
	if created {
		logger.Info("cover art extracted", logging.String("path", target))
	} else {
		logger.Debug("cover art already present", logging.String("path", target))
	}
	return target, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
