package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// JobStateSuffix names the sidecar ingest writes next to each queued file.
const JobStateSuffix = ".jobstate.json"

// TrackingID derives the job identity from message fields: an explicit
// tracking_id, then a legacy stable_id, then the filename without extension.
func TrackingID(fields map[string]string) string {
	if id := strings.TrimSpace(fields[FieldTrackingID]); id != "" {
		return id
	}
	if id := strings.TrimSpace(fields[FieldStableID]); id != "" {
		return id
	}
	return FileStem(fields[FieldFilename])
}

// FileStem returns the base name of filename without its final extension.
func FileStem(filename string) string {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ContentID hashes the file at path. Identical content always yields the same
// identity, so dropping a file twice maps to one job.
func ContentID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}
