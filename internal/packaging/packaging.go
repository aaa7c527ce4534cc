// Package packaging implements the packager stage body: it mixes the kept
// stems into one tagged mp3, files it into the Artist/Album library layout,
// optionally archives it and removes intermediate artifacts.
package packaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"stemflow/internal/archive"
	"stemflow/internal/config"
	"stemflow/internal/deps"
	"stemflow/internal/fileutil"
	"stemflow/internal/jobstate"
	"stemflow/internal/lock"
	"stemflow/internal/logging"
	"stemflow/internal/media/ffmpeg"
	"stemflow/internal/metadata"
	"stemflow/internal/pipeline"
	"stemflow/internal/stage"
)

const (
	stageName      = "packager"
	variousArtists = "Various Artists"
	albumCover     = "cover.jpg"
	outputExt      = ".mp3"
)

// stemOrder is the mix input order; unknown stems follow alphabetically.
var stemOrder = []string{"vocals", "drums", "bass", "piano", "other", "accompaniment"}

// Handler is the packager stage body.
type Handler struct {
	cfg      *config.Config
	locks    *lock.Manager
	archiver archive.Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler constructs the packager stage body. A nil archiver disables
// archiving.
func NewHandler(cfg *config.Config, locks *lock.Manager, archiver archive.Archiver, logger *slog.Logger) *Handler {
	if archiver == nil {
		archiver = archive.Noop{}
	}
	return &Handler{
		cfg:      cfg,
		locks:    locks,
		archiver: archiver,
		logger:   logging.NewComponentLogger(logger, "packaging"),
		now:      time.Now,
	}
}

// ArtistDir returns the library folder for artist. Artist lists joined with
// "," or "&" are filed under Various Artists.
func ArtistDir(artist string) string {
	if strings.ContainsAny(artist, ",&") {
		return variousArtists
	}
	return fileutil.SanitizeComponent(artist, "Unknown Artist")
}

// LibraryPath returns <output>/<Artist>/<Album>/<Title>.mp3 for rec.
func LibraryPath(outputDir string, rec metadata.Record) string {
	title := rec.Title
	if strings.TrimSpace(title) == "" {
		title = pipeline.FileStem(rec.Filename)
	}
	return filepath.Join(
		outputDir,
		ArtistDir(rec.Artist),
		fileutil.SanitizeComponent(rec.Album, "Unknown Album"),
		fileutil.SanitizeComponent(title, "Untitled")+outputExt,
	)
}

// SelectStems lists the mp3 stems in dir in mix order, without vocals when
// removeVocals is set.
func SelectStems(dir string, removeVocals bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), outputExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if removeVocals && strings.EqualFold(name, "vocals") {
			continue
		}
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		ia, ib := rank(a), rank(b)
		if ia != ib {
			return ia - ib
		}
		return strings.Compare(a, b)
	})
	return names, nil
}

func rank(stem string) int {
	if idx := slices.Index(stemOrder, strings.ToLower(stem)); idx >= 0 {
		return idx
	}
	return len(stemOrder)
}

// Process mixes the stems of job into the library.
func (h *Handler) Process(ctx context.Context, job stage.Job) (stage.Result, error) {
	logger := logging.WithContext(ctx, h.logger)

	rec, _, err := metadata.Load(h.cfg.Paths.MetadataDir, job.Filename)
	if err != nil {
		return stage.Result{}, stage.Missing(stageName, "load metadata", job.Filename, err)
	}
	stemsDir, err := h.resolveStemsDir(job)
	if err != nil {
		return stage.Result{}, stage.Missing(stageName, "resolve stems", job.Filename, err)
	}
	stems, err := SelectStems(stemsDir, h.cfg.Packager.RemoveVocals)
	if err != nil {
		return stage.Result{}, stage.Missing(stageName, "list stems", stemsDir, err)
	}
	if len(stems) == 0 {
		return stage.Result{}, stage.Missing(stageName, "list stems", "no usable stems in "+stemsDir, nil)
	}

	output := LibraryPath(h.cfg.Paths.OutputDir, rec)
	albumDir := filepath.Dir(output)
	if err := os.MkdirAll(albumDir, 0o755); err != nil {
		return stage.Result{}, stage.Transient(stageName, "create album dir", albumDir, err)
	}

	cover := h.coverSource(rec)
	if cover != "" {
		if err := h.ensureAlbumCover(ctx, logger, cover, albumDir); err != nil {
			if errors.Is(err, lock.ErrTimeout) {
				return stage.Result{}, stage.Transient(stageName, "album cover", "album cover lock busy", err)
			}
			logger.Warn("album cover not copied",
				logging.Error(err),
				logging.String(logging.FieldEventType, "album_cover_failed"),
				logging.String(logging.FieldImpact, "the album folder has no cover.jpg"),
			)
		}
	}

	inputs := make([]string, len(stems))
	for i, stem := range stems {
		inputs[i] = filepath.Join(stemsDir, stem+outputExt)
	}
	req := ffmpeg.MixRequest{
		Inputs:   inputs,
		Bitrate:  h.cfg.Packager.Bitrate,
		CoverArt: cover,
		Metadata: tagsFor(rec),
	}
	started := h.now()
	err = h.locks.With(ctx, output, h.cfg.LockTimeout(), func() error {
		tmp := filepath.Join(albumDir, "."+strings.TrimSuffix(filepath.Base(output), outputExt)+".partial"+outputExt)
		defer os.Remove(tmp)
		req.Output = tmp
		mixCtx, cancel := context.WithTimeout(ctx, time.Duration(h.cfg.Packager.TimeoutSeconds)*time.Second)
		defer cancel()
		if err := ffmpeg.Mix(mixCtx, h.cfg.FFmpegBinary(), req); err != nil {
			return stage.Tool(stageName, "mix stems", filepath.Base(output), err)
		}
		if err := os.Rename(tmp, output); err != nil {
			return stage.Transient(stageName, "store output", output, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return stage.Result{}, stage.Transient(stageName, "store output", "output lock busy", err)
		}
		return stage.Result{}, err
	}
	logger.Info("track packaged",
		logging.String("output", output),
		logging.String("stems", strings.Join(stems, ",")),
		logging.Duration("mix_duration", h.now().Sub(started)),
	)

	fields := map[string]string{pipeline.FieldOutputPath: output}
	rel, err := filepath.Rel(h.cfg.Paths.OutputDir, output)
	if err != nil {
		rel = filepath.Base(output)
	}
	location, err := h.archiver.Upload(ctx, output, rel)
	if err != nil {
		return stage.Result{}, stage.Transient(stageName, "archive", rel, err)
	}
	if location != "" {
		fields[pipeline.FieldArchiveURL] = location
	}

	return stage.Result{
		ArtifactPath: output,
		Fields:       fields,
		Summary: &jobstate.Summary{
			Title:       rec.Title,
			Artist:      rec.Artist,
			Album:       rec.Album,
			Duration:    rec.Duration,
			Bitrate:     ParseBitrate(h.cfg.Packager.Bitrate),
			StemsUsed:   stems,
			OutputPath:  output,
			CompletedAt: h.now(),
		},
	}, nil
}

// Replay rebuilds the completion fields from the packaged file on disk.
func (h *Handler) Replay(_ context.Context, job stage.Job) (stage.Result, error) {
	rec, _, err := metadata.Load(h.cfg.Paths.MetadataDir, job.Filename)
	if err != nil {
		return stage.Result{}, stage.Missing(stageName, "replay", job.Filename, err)
	}
	output := LibraryPath(h.cfg.Paths.OutputDir, rec)
	if _, err := os.Stat(output); err != nil {
		return stage.Result{}, stage.Missing(stageName, "replay", output, err)
	}
	return stage.Result{
		ArtifactPath: output,
		Fields:       map[string]string{pipeline.FieldOutputPath: output},
	}, nil
}

// Cleanup removes the intermediate artifacts of a packaged job when
// packager.clean_intermediate is set.
func (h *Handler) Cleanup(ctx context.Context, job stage.Job, _ stage.Result) error {
	if !h.cfg.Packager.CleanIntermediate {
		return nil
	}
	logger := logging.WithContext(ctx, h.logger)
	var targets []string
	if queued, err := fileutil.ResolveArtifact(h.cfg.Paths.QueueDir, job.Filename); err == nil {
		targets = append(targets, queued, queued+pipeline.JobStateSuffix)
	}
	if rec, metaPath, err := metadata.Load(h.cfg.Paths.MetadataDir, job.Filename); err == nil {
		targets = append(targets, metaPath)
		// Album art is shared by later tracks; only per-track art goes.
		if rec.CoverArtPath != "" && metadata.AlbumKey(rec.Artist, rec.Album) == "" {
			targets = append(targets, rec.CoverArtPath)
		}
	}
	if dir, err := h.resolveStemsDir(job); err == nil {
		targets = append(targets, dir)
	}

	var errs []error
	for _, target := range targets {
		if err := os.RemoveAll(target); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", target, err))
		}
	}
	logger.Debug("intermediate files removed", logging.Int("count", len(targets)-len(errs)))
	return errors.Join(errs...)
}

// HealthCheck reports whether ffmpeg is installed and the library is writable.
func (h *Handler) HealthCheck(context.Context) stage.Health {
	var checks []stage.Health
	for _, status := range deps.CheckBinaries(deps.Requirements(h.cfg, stageName)) {
		if status.Available || status.Optional {
			checks = append(checks, stage.Healthy(status.Name))
			continue
		}
		checks = append(checks, stage.Unhealthy(status.Name, status.Detail))
	}
	if info, err := os.Stat(h.cfg.Paths.OutputDir); err != nil || !info.IsDir() {
		checks = append(checks, stage.Unhealthy("output", "output_dir is not a directory"))
	}
	return stage.Combine(stageName, checks...)
}

func (h *Handler) resolveStemsDir(job stage.Job) (string, error) {
	if dir := job.Field(pipeline.FieldStemsDir); dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return fileutil.ResolveArtifact(h.cfg.Paths.StemsDir, pipeline.FileStem(job.Filename))
}

// coverSource prefers the shared album art over the per-track file.
func (h *Handler) coverSource(rec metadata.Record) string {
	if key := metadata.AlbumKey(rec.Artist, rec.Album); key != "" {
		path := filepath.Join(h.cfg.Paths.CoversDir, key+".jpg")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	if rec.CoverArtPath != "" {
		if _, err := os.Stat(rec.CoverArtPath); err == nil {
			return rec.CoverArtPath
		}
	}
	return ""
}

func (h *Handler) ensureAlbumCover(ctx context.Context, logger *slog.Logger, source, albumDir string) error {
	target := filepath.Join(albumDir, albumCover)
	created, err := h.locks.EnsureOnce(ctx, target, h.cfg.LockTimeout(), func(target string) error {
		return fileutil.CopyFileAtomic(source, target)
	})
	if err != nil {
		return err
	}
	if created {
		logger.Info("album cover copied", logging.String("path", target))
	}
	return nil
}

func tagsFor(rec metadata.Record) map[string]string {
	tags := map[string]string{
		"title":  rec.Title,
		"artist": rec.Artist,
		"album":  rec.Album,
		"track":  rec.TrackNumber,
	}
	if ArtistDir(rec.Artist) == variousArtists {
		tags["album_artist"] = variousArtists
	}
	if genre := rec.Tags["genre"]; genre != "" {
		tags["genre"] = genre
	}
	if date := rec.Tags["date"]; date != "" {
		tags["date"] = date
	}
	return tags
}

// ParseBitrate converts an ffmpeg bitrate such as "320k" to bits per second.
func ParseBitrate(value string) int64 {
	value = strings.ToLower(strings.TrimSpace(value))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(value, "k"):
		multiplier = 1000
		value = strings.TrimSuffix(value, "k")
	case strings.HasSuffix(value, "m"):
		multiplier = 1000 * 1000
		value = strings.TrimSuffix(value, "m")
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n * multiplier
}
