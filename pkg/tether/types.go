package tether

import (
	"github.com/ghalamif/Tether/internal/app/pipeline"
	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

// Record is the unit of telemetry flowing source → transform → sink.
type Record = domain.Record

// RecordField is one named scalar inside a Record.
type RecordField = domain.Field

type (
	Event      = domain.Event
	EventKind  = domain.EventKind
	DropReason = domain.DropReason
	State      = domain.State
	Stage      = domain.Stage
)

const (
	StateStarting = domain.StateStarting
	StateRunning  = domain.StateRunning
	StateDegraded = domain.StateDegraded
	StateFailed   = domain.StateFailed
	StateStopped  = domain.StateStopped

	EventStateTransition = domain.EventStateTransition
	EventRecordDropped   = domain.EventRecordDropped
	EventDecodeError     = domain.EventDecodeError
	EventSinkError       = domain.EventSinkError
	EventTransformError  = domain.EventTransformError
	EventStageRestart    = domain.EventStageRestart
)

// Source opens one connection per epoch and yields its records.
type Source = ports.Source

// SourceHandle is one open connection of a Source.
type SourceHandle = ports.SourceHandle

// Executor starts the remote command behind the stream sources.
type Executor = ports.Executor

type (
	RemoteProcess = ports.RemoteProcess
	Endpoint      = ports.Endpoint
)

// Transformer maps records before delivery (unit conversion, renames, filters).
type Transformer = ports.Transformer

// Sink delivers one record at a time. Return Transient or Fatal errors to steer
// the retry policy.
type Sink = ports.Sink

// Reconnector is implemented by sinks that hold a connection.
type Reconnector = ports.Reconnector

// DeadLetter receives records dropped after a fatal sink error.
type DeadLetter = ports.DeadLetter

// Observability emits logs and metrics about the pipeline.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// EventHandler observes every pipeline event synchronously.
type EventHandler = ports.EventHandler

// QueueStat describes one inter-stage queue.
type QueueStat = pipeline.QueueStat

var (
	ErrEndOfStream          = domain.ErrEndOfStream
	ErrDropped              = domain.ErrDropped
	ErrRetryBudgetExhausted = domain.ErrRetryBudgetExhausted
)

// Transient marks a sink error as retryable.
func Transient(err error) error { return domain.Transient(err) }

// Fatal marks a sink error as not retryable; the record is dropped.
func Fatal(err error) error { return domain.Fatal(err) }

// NewRecord builds a record from name/value pairs.
func NewRecord(fields ...RecordField) (*Record, error) { return domain.NewRecord(fields...) }
