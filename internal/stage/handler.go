// Package stage defines the contract between stage workers and the stage
// bodies they drive.
package stage

import (
	"context"

	"stemflow/internal/jobstate"
)

// Job is one unit of work handed to a stage body.
type Job struct {
	TrackingID string
	Filename   string
	MessageID  string
	// Attempt is 1 for the first call of the body for this delivery.
	Attempt int
	// Fields holds every field of the consumed message.
	Fields map[string]string
}

// Field returns the named message field or an empty string.
func (j Job) Field(name string) string {
	if j.Fields == nil {
		return ""
	}
	return j.Fields[name]
}

// Result is what a stage body hands back on success.
type Result struct {
	// ArtifactPath is the primary artifact the stage produced.
	ArtifactPath string
	// Fields are merged into the downstream message.
	Fields map[string]string
	// Steps lists extra job steps to mark, such as cover art.
	Steps []string
	// Summary is set by the final stage and stored as the fully processed record.
	Summary *jobstate.Summary
}

// Handler describes the contract the worker loop needs from each stage body.
type Handler interface {
	Process(context.Context, Job) (Result, error)
	HealthCheck(context.Context) Health
}

// HandlerFunc adapts a function into a Handler that always reports healthy.
type HandlerFunc func(context.Context, Job) (Result, error)

func (f HandlerFunc) Process(ctx context.Context, job Job) (Result, error) {
	return f(ctx, job)
}

func (f HandlerFunc) HealthCheck(context.Context) Health {
	return Healthy("func")
}

// Replayer is implemented by stage bodies that can rebuild their downstream
// fields from artifacts already on disk. Workers use it to re-publish a
// hand-off that was lost after the step was marked.
type Replayer interface {
	Replay(context.Context, Job) (Result, error)
}

// Cleaner is implemented by stage bodies that remove intermediate artifacts.
// Workers call Cleanup only after the result is committed and acknowledged,
// so a redelivered message still finds its inputs.
type Cleaner interface {
	Cleanup(context.Context, Job, Result) error
}
