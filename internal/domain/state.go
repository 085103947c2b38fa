package domain

// State is the pipeline lifecycle state owned by the supervisor.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// States lists every state, in lifecycle order.
var States = []State{StateStarting, StateRunning, StateDegraded, StateFailed, StateStopped}

// Terminal reports whether no further transitions happen without a new run.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateStopped
}

// Healthy reports whether records are still flowing (possibly while a stage
// restarts).
func (s State) Healthy() bool {
	return s == StateRunning || s == StateDegraded
}

// Stage names one independently restartable unit of the pipeline.
type Stage string

const (
	StageSource    Stage = "source"
	StageTransform Stage = "transform"
	StageSink      Stage = "sink"
)
