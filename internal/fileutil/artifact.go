package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"stemflow/internal/services"
)

// TimestampLayout is the layout of the suffix appended to ingested filenames.
const TimestampLayout = "20060102150405"

var stampedName = regexp.MustCompile(`^(.*)_(\d{14})((?:\.[^.]*)*)$`)

// StampedName returns name with a _YYYYMMDDHHMMSS suffix inserted before the
// extension, e.g. "song.mp3" -> "song_20240101120000.mp3".
func StampedName(name string, at time.Time) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return base + "_" + at.Format(TimestampLayout) + ext
}

// SplitStamped breaks name into the base prefix, the timestamp suffix (empty
// when absent) and the trailing extensions.
func SplitStamped(name string) (prefix, stamp, ext string) {
	if m := stampedName.FindStringSubmatch(name); m != nil {
		return m[1], m[2], m[3]
	}
	ext = extension(name)
	return strings.TrimSuffix(name, ext), "", ext
}

// ResolveArtifact locates expected inside dir. An exact match wins; otherwise
// the entry sharing the same base prefix and extension whose timestamp suffix
// is lexically greatest is returned. Absence yields services.ErrNotFound.
func ResolveArtifact(dir, expected string) (string, error) {
	exact := filepath.Join(dir, expected)
	if _, err := os.Stat(exact); err == nil {
		return exact, nil
	} else if !os.IsNotExist(err) {
		return "", services.Wrap(services.ErrTransient, "", "resolve artifact", exact, err)
	}

	prefix, _, ext := SplitStamped(expected)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", services.Wrap(services.ErrNotFound, "", "resolve artifact", fmt.Sprintf("%s in %s", expected, dir), err)
		}
		return "", services.Wrap(services.ErrTransient, "", "resolve artifact", dir, err)
	}

	candidates := make([]string, 0, 4)
	for _, entry := range entries {
		p, stamp, e := SplitStamped(entry.Name())
		if stamp == "" || p != prefix || e != ext {
			continue
		}
		candidates = append(candidates, entry.Name())
	}
	if len(candidates) == 0 {
		return "", services.Wrap(services.ErrNotFound, "", "resolve artifact", fmt.Sprintf("%s in %s", expected, dir), nil)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(candidates)))
	return filepath.Join(dir, candidates[0]), nil
}

// extension returns everything from the first dot after the leading
// character, so "song.mp3.json" yields ".mp3.json".
func extension(name string) string {
	if len(name) <= 1 {
		return ""
	}
	if idx := strings.Index(name[1:], "."); idx >= 0 {
		return name[idx+1:]
	}
	return ""
}
