package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stemflow/internal/deps"
	"stemflow/internal/streams"
	"stemflow/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(context.Background(), nil, nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_PackagerWithStubs(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	store := testsupport.MustOpenStore(t, cfg)

	results := RunAll(context.Background(), cfg, store, "packager")
	names := map[string]bool{}
	for _, r := range results {
		names[r.Name] = true
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
	for _, want := range []string{"Output directory", "FFmpeg", "Stream bus"} {
		if !names[want] {
			t.Fatalf("expected %q in results %+v", want, results)
		}
	}
	if names["Stems directory"] {
		t.Fatal("packager checks must not include the stems directory")
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures %+v", failed)
	}
}

func TestRunAll_ReportsMissingDirectory(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Paths.StemsDir = filepath.Join(t.TempDir(), "gone")

	failed := Failed(RunAll(context.Background(), cfg, nil, "splitter"))
	if len(failed) != 1 || failed[0].Name != "Stems directory" {
		t.Fatalf("expected the stems directory to fail, got %+v", failed)
	}
}

func TestCheckSystemDeps_MergesOptional(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Metadata.ExtractCoverArt = false
	t.Setenv("PATH", t.TempDir())

	statuses := CheckSystemDeps(cfg, "metadata", "packager")
	var ffmpeg *deps.Status
	for i := range statuses {
		if statuses[i].Command == cfg.FFmpegBinary() {
			if ffmpeg != nil {
				t.Fatal("ffmpeg listed twice")
			}
			ffmpeg = &statuses[i]
		}
	}
	if ffmpeg == nil {
		t.Fatal("expected ffmpeg requirement")
	}
	if ffmpeg.Optional {
		t.Fatal("ffmpeg is required by the packager")
	}
	if ffmpeg.Available {
		t.Fatal("ffmpeg should be missing from an empty PATH")
	}
}

func TestFromStatus(t *testing.T) {
	r := FromStatus(deps.Status{Name: "FFmpeg", Optional: true, Detail: `binary "ffmpeg" not found`})
	if r.Passed || !r.Optional || r.Detail == "" {
		t.Fatalf("unexpected result %+v", r)
	}
	if len(Failed([]Result{r})) != 0 {
		t.Fatal("optional failures must not count as failed")
	}
}

type downBus struct{ streams.Bus }

func (downBus) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type brokenBus struct{ streams.Bus }

func (brokenBus) Ping(context.Context) error { return errors.New("connection refused") }

func TestCheckBus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if r := CheckBus(ctx, downBus{}); r.Passed || r.Detail != "ping timed out" {
		t.Fatalf("unexpected result %+v", r)
	}
	if r := CheckBus(context.Background(), brokenBus{}); r.Passed {
		t.Fatalf("expected failure, got %+v", r)
	}
}
