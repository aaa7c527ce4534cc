package separation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"stemflow/internal/config"
	"stemflow/internal/deps"
	"stemflow/internal/fileutil"
	"stemflow/internal/lock"
	"stemflow/internal/logging"
	"stemflow/internal/media/ffmpeg"
	"stemflow/internal/pipeline"
	"stemflow/internal/stage"
)

const (
	stageName   = "splitter"
	stemBitrate = "192k"
	stemExt     = ".mp3"
	stderrTail  = 2048
)

var rawExtensions = []string{".wav", ".flac", ".mp3"}

// Handler is the splitter stage body.
type Handler struct {
	cfg    *config.Config
	locks  *lock.Manager
	logger *slog.Logger
}

// NewHandler constructs the splitter stage body.
func NewHandler(cfg *config.Config, locks *lock.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		locks:  locks,
		logger: logging.NewComponentLogger(logger, "separation"),
	}
}

// KeptStems returns the stems the configured model produces that the
// configuration asks to keep, in model order.
func KeptStems(cfg *config.Config) []string {
	supported := config.SupportedStems(cfg.Splitter.Stems)
	if len(cfg.Splitter.StemTypes) == 0 {
		return supported
	}
	kept := make([]string, 0, len(supported))
	for _, stem := range supported {
		if slices.Contains(cfg.Splitter.StemTypes, stem) {
			kept = append(kept, stem)
		}
	}
	return kept
}

// StemsDir returns the directory the stems of filename are stored in.
func StemsDir(root, filename string) string {
	return filepath.Join(root, pipeline.FileStem(filename))
}

// Process separates the queued file into stems.
func (h *Handler) Process(ctx context.Context, job stage.Job) (stage.Result, error) {
	logger := logging.WithContext(ctx, h.logger)
	stems := KeptStems(h.cfg)
	target := StemsDir(h.cfg.Paths.StemsDir, job.Filename)

	if complete(target, stems) {
		logger.Info("stems already present; skipping separation",
			logging.String("stems_dir", target),
			logging.String(logging.FieldEventType, "stems_reused"),
		)
		return resultFor(target, stems), nil
	}

	queuePath, err := fileutil.ResolveArtifact(h.cfg.Paths.QueueDir, job.Filename)
	if err != nil {
		return stage.Result{}, stage.Missing(stageName, "resolve queued file", job.Filename, err)
	}
	if err := os.MkdirAll(h.cfg.Paths.StemsDir, 0o755); err != nil {
		return stage.Result{}, stage.Transient(stageName, "create stems dir", h.cfg.Paths.StemsDir, err)
	}
	scratch, err := os.MkdirTemp(h.cfg.Paths.StemsDir, ".split-")
	if err != nil {
		return stage.Result{}, stage.Transient(stageName, "create scratch dir", h.cfg.Paths.StemsDir, err)
	}
	defer os.RemoveAll(scratch)

	started := time.Now()
	if err := h.separate(ctx, queuePath, scratch); err != nil {
		return stage.Result{}, err
	}
	rawDir, err := findRawFolder(scratch)
	if err != nil {
		return stage.Result{}, stage.Tool(stageName, "collect stems", "separator produced no audio", err)
	}
	logger.Debug("separator finished",
		logging.String("raw_dir", rawDir),
		logging.Duration("elapsed", time.Since(started)),
	)

	staging := filepath.Join(scratch, "export")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return stage.Result{}, stage.Transient(stageName, "create export dir", staging, err)
	}
	for _, stem := range stems {
		raw, ok := findStem(rawDir, stem)
		if !ok {
			return stage.Result{}, stage.Tool(stageName, "collect stems", fmt.Sprintf("separator did not produce %q in %s", stem, rawDir), nil)
		}
		out := filepath.Join(staging, stem+stemExt)
		if err := ffmpeg.Transcode(ctx, h.cfg.FFmpegBinary(), raw, out, stemBitrate); err != nil {
			return stage.Result{}, stage.Tool(stageName, "convert stem", stem, err)
		}
	}

	err = h.locks.With(ctx, target, h.cfg.LockTimeout(), func() error {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		return os.Rename(staging, target)
	})
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return stage.Result{}, stage.Transient(stageName, "store stems", "stems dir lock busy", err)
		}
		return stage.Result{}, stage.Transient(stageName, "store stems", target, err)
	}

	logger.Info("stems separated",
		logging.String("stems_dir", target),
		logging.String("stems", strings.Join(stems, ",")),
		logging.Int("model_stems", h.cfg.Splitter.Stems),
		logging.Duration("elapsed", time.Since(started)),
	)
	return resultFor(target, stems), nil
}

// Replay rebuilds the downstream fields from the stems already on disk.
func (h *Handler) Replay(_ context.Context, job stage.Job) (stage.Result, error) {
	stems := KeptStems(h.cfg)
	target, err := fileutil.ResolveArtifact(h.cfg.Paths.StemsDir, pipeline.FileStem(job.Filename))
	if err != nil {
		return stage.Result{}, stage.Missing(stageName, "replay", job.Filename, err)
	}
	if !complete(target, stems) {
		return stage.Result{}, stage.Missing(stageName, "replay", "incomplete stems in "+target, nil)
	}
	return resultFor(target, stems), nil
}

// HealthCheck reports whether the separator and ffmpeg are installed.
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

func resultFor(dir string, stems []string) stage.Result {
	return stage.Result{
		ArtifactPath: dir,
		Fields: map[string]string{
			pipeline.FieldStemsDir: dir,
			pipeline.FieldStems:    strings.Join(stems, ","),
		},
	}
}

// Command expands the separation template for one run. Placeholders are
// substituted per argument so paths with spaces stay one argument.
func Command(template, input, output string, stems int) []string {
	fields := strings.Fields(template)
	replacer := strings.NewReplacer(
		"{input}", input,
		"{output}", output,
		"{stems}", strconv.Itoa(stems),
	)
	args := make([]string, len(fields))
	for i, field := range fields {
		args[i] = replacer.Replace(field)
	}
	return args
}

func (h *Handler) separate(ctx context.Context, input, output string) error {
	args := Command(h.cfg.Splitter.Command, input, output, h.cfg.Splitter.Stems)
	if len(args) == 0 {
		return stage.Tool(stageName, "separate", "splitter.command is empty", nil)
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(h.cfg.Splitter.TimeoutSeconds)*time.Second)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return stage.Transient(stageName, "separate", fmt.Sprintf("%s timed out after %ds", args[0], h.cfg.Splitter.TimeoutSeconds), err)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		return stage.Tool(stageName, "separate", fmt.Sprintf("%s: %s", args[0], msg), err)
	}
	return nil
}

// findRawFolder returns the first directory under root that holds audio
// files. Separators nest their output under a folder named after the input.
func findRawFolder(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || found != "" {
			return nil
		}
		if slices.Contains(rawExtensions, strings.ToLower(filepath.Ext(path))) {
			found = filepath.Dir(path)
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no audio files under %s", root)
	}
	return found, nil
}

func findStem(dir, stem string) (string, bool) {
	for _, ext := range rawExtensions {
		path := filepath.Join(dir, stem+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

func complete(dir string, stems []string) bool {
	if len(stems) == 0 {
		return false
	}
	for _, stem := range stems {
		info, err := os.Stat(filepath.Join(dir, stem+stemExt))
		if err != nil || info.Size() == 0 {
			return false
		}
	}
	return true
}
