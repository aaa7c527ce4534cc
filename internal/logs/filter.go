package logs

import (
	"encoding/json"
	"strings"

	"stemflow/internal/logging"
)

// Filter selects JSON log lines by field. Empty fields match everything.
type Filter struct {
	TrackingID string
	Stage      string
	// Level is the minimum level: debug, info, warn or error.
	Level string
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

func (f Filter) empty() bool {
	return f.TrackingID == "" && f.Stage == "" && f.Level == ""
}

// Match reports whether line passes the filter. Lines that are not JSON
// objects only pass an empty filter.
func (f Filter) Match(line string) bool {
	if f.empty() {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return false
	}
	if f.TrackingID != "" && text(fields, logging.FieldTrackingID) != f.TrackingID {
		return false
	}
	if f.Stage != "" && text(fields, logging.FieldStage) != f.Stage {
		return false
	}
	if f.Level != "" {
		want, ok := levelRank[strings.ToLower(f.Level)]
		got, known := levelRank[text(fields, "level")]
		if ok && (!known || got < want) {
			return false
		}
	}
	return true
}

func text(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func (f Filter) apply(lines []string) []string {
	if f.empty() {
		return lines
	}
	out := lines[:0]
	for _, line := range lines {
		if f.Match(line) {
			out = append(out, line)
		}
	}
	return out
}
