package pipeline

import (
	"fmt"
	"sort"

	"stemflow/internal/config"
	"stemflow/internal/jobstate"
	"stemflow/internal/streams"
)

// Stage names. They double as the retry counter prefix.
const (
	StageMetadata = "metadata"
	StageSplitter = "splitter"
	StagePackager = "packager"
)

// IngestHandoffStep is marked once ingest has published to stream:queued.
const IngestHandoffStep = jobstate.StepQueued + ":published"

// Stage links a worker to the streams it consumes and produces.
type Stage struct {
	Name string
	// Step is the job record flag marked when the stage body succeeds.
	Step string
	// HandoffStep is marked once the downstream message is published.
	HandoffStep string
	Input       string
	Output      string
	// DoneStatus is the file status recorded on success.
	DoneStatus string
	// Final stages record the fully processed summary.
	Final bool
}

var stages = []Stage{
	{
		Name:        StageMetadata,
		Step:        jobstate.StepMetadata,
		HandoffStep: jobstate.StepMetadata + ":published",
		Input:       streams.Queued,
		Output:      streams.MetadataDone,
		DoneStatus:  jobstate.StatusMetadataDone,
	},
	{
		Name:        StageSplitter,
		Step:        jobstate.StepStems,
		HandoffStep: jobstate.StepStems + ":published",
		Input:       streams.MetadataDone,
		Output:      streams.SplitDone,
		DoneStatus:  jobstate.StatusSplitDone,
	},
	{
		Name:        StagePackager,
		Step:        jobstate.StepPackaged,
		HandoffStep: jobstate.StepPackaged + ":published",
		Input:       streams.SplitDone,
		Output:      streams.Packaged,
		DoneStatus:  jobstate.StatusPackaged,
		Final:       true,
	},
}

// Stages returns every worker stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

// StageNames returns the worker stage names in pipeline order.
func StageNames() []string {
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.Name)
	}
	return names
}

// Lookup returns the stage called name.
func Lookup(name string) (Stage, error) {
	for _, s := range stages {
		if s.Name == name {
			return s, nil
		}
	}
	valid := StageNames()
	sort.Strings(valid)
	return Stage{}, fmt.Errorf("unknown stage %q (valid: %v)", name, valid)
}

// Group returns the consumer group configured for the stage.
func (s Stage) Group(cfg *config.Config) string {
	return s.groupConfig(cfg).Group
}

// Consumer returns the configured consumer name, or fallback when unset.
func (s Stage) Consumer(cfg *config.Config, fallback string) string {
	if name := s.groupConfig(cfg).Consumer; name != "" {
		return name
	}
	if cfg.Workflow.ConsumerName != "" {
		return cfg.Workflow.ConsumerName
	}
	return fallback
}

func (s Stage) groupConfig(cfg *config.Config) config.StageGroup {
	switch s.Name {
	case StageMetadata:
		return cfg.Stages.Metadata
	case StageSplitter:
		return cfg.Stages.Splitter
	default:
		return cfg.Stages.Packager
	}
}
