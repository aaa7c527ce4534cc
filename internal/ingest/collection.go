package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Collection descriptor files looked up next to an ingested file.
const (
	PlaylistFile = "playlist.json"
	AlbumFile    = "album.json"
)

// Collection is the playlist or album a file was dropped in with.
type Collection struct {
	Type string
	Name string
	Info map[string]any
}

var leadingTrack = regexp.MustCompile(`^(\d{1,3})(?:[\s._-]|$)`)

// FindCollection looks for a playlist.json or album.json in dir and its
// parents up to and including root. A playlist wins over an album in the
// same directory. It returns nil when none is found.
func FindCollection(root, dir string) (*Collection, error) {
	root = filepath.Clean(root)
	dir = filepath.Clean(dir)
	for {
		for _, candidate := range []struct{ file, kind string }{
			{PlaylistFile, "playlist"},
			{AlbumFile, "album"},
		} {
			coll, err := readCollection(filepath.Join(dir, candidate.file), candidate.kind)
			if err != nil {
				return nil, err
			}
			if coll != nil {
				return coll, nil
			}
		}
		if dir == root {
			return nil, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir || !strings.HasPrefix(dir, root) {
			return nil, nil
		}
		dir = parent
	}
}

func readCollection(path, kind string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	info := map[string]any{}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	name, _ := info["name"].(string)
	return &Collection{Type: kind, Name: strings.TrimSpace(name), Info: info}, nil
}

// TrackNumber extracts a leading track number such as "01 - Song" -> "1".
func TrackNumber(base string) string {
	m := leadingTrack.FindStringSubmatch(strings.TrimSpace(base))
	if m == nil {
		return ""
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}
