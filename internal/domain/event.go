package domain

import "time"

// EventKind classifies a PipelineEvent.
type EventKind string

const (
	EventStateTransition EventKind = "state_transition"
	EventRecordDropped   EventKind = "record_dropped"
	EventDecodeError     EventKind = "decode_error"
	EventSinkError       EventKind = "sink_error"
	EventTransformError  EventKind = "transform_error"
	EventStageRestart    EventKind = "stage_restart"
)

// Event is the observability unit emitted by the supervisor. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind  EventKind
	Time  time.Time
	RunID string
	Stage Stage

	// state_transition
	From State
	To   State

	Epoch  uint64
	Seq    uint64
	Record *Record
	// Reason says why a record_dropped record was lost.
	Reason DropReason
	// Raw holds the offending bytes of a decode_error.
	Raw []byte
	Err error
	// Attempt is the restart or delivery attempt number, starting at 1.
	Attempt int
}

// DropReason classifies a record_dropped event.
type DropReason string

const (
	DropSinkFatal      DropReason = "sink_fatal"
	DropTransformError DropReason = "transform_error"
	DropShutdown       DropReason = "shutdown"
)
