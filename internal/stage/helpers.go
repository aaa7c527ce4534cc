package stage

import (
	"stemflow/internal/services"
)

// Transient wraps a recoverable failure of a stage body.
func Transient(stage, operation, message string, err error) error {
	return services.Wrap(services.ErrTransient, stage, operation, message, err)
}

// Missing wraps a failure caused by an artifact that is not on disk yet.
func Missing(stage, operation, message string, err error) error {
	return services.Wrap(services.ErrNotFound, stage, operation, message, err)
}

// Tool wraps a failing external command.
func Tool(stage, operation, message string, err error) error {
	return services.Wrap(services.ErrExternalTool, stage, operation, message, err)
}
