package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stemflow/internal/fileutil"
	"stemflow/internal/services"
)

// Record is the metadata document written for every queued file.
type Record struct {
	TrackingID       string            `json:"tracking_id"`
	Filename         string            `json:"filename"`
	JobID            string            `json:"job_id,omitempty"`
	OriginalFilename string            `json:"original_filename,omitempty"`
	OriginalPath     string            `json:"original_path,omitempty"`
	CollectionType   string            `json:"collection_type,omitempty"`
	CollectionName   string            `json:"collection_name,omitempty"`
	TrackNumber      string            `json:"track_number,omitempty"`
	Title            string            `json:"title"`
	Artist           string            `json:"artist"`
	Album            string            `json:"album"`
	Tags             map[string]string `json:"tags,omitempty"`
	Duration         float64           `json:"duration"`
	Bitrate          int64             `json:"bitrate"`
	SampleRate       int               `json:"sample_rate"`
	Channels         int               `json:"channels"`
	HasCoverArt      bool              `json:"has_cover_art"`
	CoverArtPath     string            `json:"cover_art_path,omitempty"`
	ExtractedAt      time.Time         `json:"extracted_at"`
}

// FileName returns the metadata document name for a queued file.
func FileName(filename string) string {
	return filename + ".json"
}

// Path returns where the metadata document of filename lives in dir.
func Path(dir, filename string) string {
	return filepath.Join(dir, FileName(filename))
}

// Load reads the metadata document for filename, falling back to the newest
// document of the same base name.
func Load(dir, filename string) (Record, string, error) {
	path, err := fileutil.ResolveArtifact(dir, FileName(filename))
	if err != nil {
		return Record{}, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, "", services.Wrap(services.ErrTransient, "", "load metadata", path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, "", services.Wrap(services.ErrTransient, "", "load metadata", fmt.Sprintf("decode %s", path), err)
	}
	return rec, path, nil
}

// AlbumKey names the shared cover art of an album: "<artist>-<album>". It is
// empty when the album is unknown.
func AlbumKey(artist, album string) string {
	if strings.TrimSpace(album) == "" {
		return ""
	}
	return fileutil.SanitizeComponent(artist, "Unknown Artist") + "-" + fileutil.SanitizeComponent(album, "Unknown Album")
}
