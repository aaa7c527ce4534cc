package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stemflow/internal/services"
)

func TestCopyFileAtomicKeepsModeAndContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp3")
	dst := filepath.Join(dir, "dst.mp3")

	content := []byte("hello world")
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := CopyFileAtomic(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestCopyFileAtomicMissingSource(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst.mp3")
	if err := CopyFileAtomic(filepath.Join(dir, "missing.mp3"), dst); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("destination must not exist, stat err=%v", err)
	}
}

func TestCopyFileAtomicLeavesNoPartial(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp3")
	dst := filepath.Join(dir, "out", "dst.mp3")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CopyFileAtomic(src, dst); err != nil {
		t.Fatalf("CopyFileAtomic: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(dst))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "dst.mp3" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "song.mp3.json")
	if err := WriteJSONAtomic(path, map[string]string{"title": "Song"}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\n  \"title\": \"Song\"\n}\n" {
		t.Fatalf("unexpected contents %q", data)
	}
}

func TestStampedName(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := StampedName("song.mp3", at); got != "song_20240101120000.mp3" {
		t.Fatalf("StampedName = %q", got)
	}
	prefix, stamp, ext := SplitStamped("song_20240101120000.mp3.json")
	if prefix != "song" || stamp != "20240101120000" || ext != ".mp3.json" {
		t.Fatalf("SplitStamped = %q %q %q", prefix, stamp, ext)
	}
	prefix, stamp, ext = SplitStamped("song.mp3")
	if prefix != "song" || stamp != "" || ext != ".mp3" {
		t.Fatalf("SplitStamped unstamped = %q %q %q", prefix, stamp, ext)
	}
}

func TestResolveArtifact(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"song_20240101000000.json",
		"song_20240301000000.json",
		"song_20240201000000.json",
		"song_20240401000000.mp3",
		"songbook_20250101000000.json",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name     string
		expected string
		want     string
	}{
		{"exact", "song_20240101000000.json", "song_20240101000000.json"},
		{"newest fallback", "song_20240501000000.json", "song_20240301000000.json"},
		{"unstamped", "song.json", "song_20240301000000.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveArtifact(dir, tt.expected)
			if err != nil {
				t.Fatalf("ResolveArtifact: %v", err)
			}
			if got != filepath.Join(dir, tt.want) {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}

	_, err := ResolveArtifact(dir, "other_20240101000000.json")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveArtifactDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "song_20240102000000"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveArtifact(dir, "song_20240105000000")
	if err != nil {
		t.Fatalf("ResolveArtifact: %v", err)
	}
	if filepath.Base(got) != "song_20240102000000" {
		t.Fatalf("unexpected match %q", got)
	}
}

func TestSanitizeComponent(t *testing.T) {
	tests := map[string]string{
		"AC/DC":           "AC_DC",
		"What?":           "What_",
		"  ":              "fallback",
		"Cafe\u0301":      "Caf\u00e9",
		"..hidden..":      "hidden",
		"line\nbreak":     "linebreak",
		`a<b>c:d"e|f*g\h`: "a_b_c_d_e_f_g_h",
	}
	for in, want := range tests {
		if got := SanitizeComponent(in, "fallback"); got != want {
			t.Fatalf("SanitizeComponent(%q) = %q, want %q", in, got, want)
		}
	}
}
