// Package deps reports whether the external binaries the stage bodies shell
// out to are installed.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"stemflow/internal/config"
)

// Requirement defines an external dependency stemflow relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Requirements lists the binaries each stage needs. An empty stage name
// lists every binary.
func Requirements(cfg *config.Config, stageName string) []Requirement {
	all := map[string][]Requirement{
		"metadata": {
			{Name: "FFprobe", Command: cfg.FFprobeBinary(), Description: "Reads tags and audio properties"},
			{Name: "FFmpeg", Command: cfg.FFmpegBinary(), Description: "Extracts embedded cover art", Optional: !cfg.Metadata.ExtractCoverArt},
		},
		"splitter": {
			{Name: "Separator", Command: SplitterBinary(cfg.Splitter.Command), Description: "Separates the track into stems"},
			{Name: "FFmpeg", Command: cfg.FFmpegBinary(), Description: "Converts stems to mp3"},
		},
		"packager": {
			{Name: "FFmpeg", Command: cfg.FFmpegBinary(), Description: "Mixes stems and writes tags"},
		},
	}
	if stageName != "" {
		return all[stageName]
	}
	seen := map[string]int{}
	var out []Requirement
	for _, name := range []string{"metadata", "splitter", "packager"} {
		for _, req := range all[name] {
			if idx, ok := seen[req.Command]; ok {
				out[idx].Optional = out[idx].Optional && req.Optional
				continue
			}
			seen[req.Command] = len(out)
			out = append(out, req)
		}
	}
	return out
}

// SplitterBinary returns the executable named by a separation command template.
func SplitterBinary(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
