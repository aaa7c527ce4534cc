package workflow

// State is the lifecycle position of a Worker.
type State string

const (
	StateStarting     State = "STARTING"
	StateGroupReady   State = "GROUP_READY"
	StatePolling      State = "POLLING"
	StateProcessing   State = "PROCESSING"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateStopped      State = "STOPPED"
)

// Terminal reports whether the worker has left its loop for good.
func (s State) Terminal() bool {
	return s == StateStopped
}
