package preflight

import (
	"context"

	"stemflow/internal/config"
	"stemflow/internal/streams"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string
	Passed   bool
	Optional bool
	Detail   string
}

// RunAll executes the checks that apply to the named stages. An empty list
// checks every stage. bus may be nil when the backend is not open yet.
func RunAll(ctx context.Context, cfg *config.Config, bus streams.Bus, stages ...string) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	for _, dir := range directoriesFor(cfg, stages) {
		results = append(results, CheckDirectoryAccess(dir.name, dir.path))
	}
	for _, status := range CheckSystemDeps(cfg, stages...) {
		results = append(results, FromStatus(status))
	}
	if bus != nil {
		results = append(results, CheckBus(ctx, bus))
	}
	return results
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			failed = append(failed, r)
		}
	}
	return failed
}

type namedDir struct {
	name string
	path string
}

func directoriesFor(cfg *config.Config, stages []string) []namedDir {
	byStage := map[string][]namedDir{
		"ingest":   {{"Input directory", cfg.Paths.InputDir}, {"Queue directory", cfg.Paths.QueueDir}},
		"metadata": {{"Metadata directory", cfg.Paths.MetadataDir}, {"Covers directory", cfg.Paths.CoversDir}},
		"splitter": {{"Stems directory", cfg.Paths.StemsDir}},
		"packager": {{"Output directory", cfg.Paths.OutputDir}},
	}
	if len(stages) == 0 {
		stages = []string{"ingest", "metadata", "splitter", "packager"}
	}
	seen := map[string]bool{}
	var out []namedDir
	for _, name := range stages {
		for _, dir := range byStage[name] {
			if dir.path == "" || seen[dir.path] {
				continue
			}
			seen[dir.path] = true
			out = append(out, dir)
		}
	}
	return out
}
