package tether

import (
	"time"

	base "github.com/ghalamif/Tether/pkg/tether"
)

// Re-exported errors for convenience.
var (
	ErrEndOfStream          = base.ErrEndOfStream
	ErrDropped              = base.ErrDropped
	ErrRetryBudgetExhausted = base.ErrRetryBudgetExhausted
	ErrChannelSinkClosed    = base.ErrChannelSinkClosed
)

// Pipeline states and event kinds.
const (
	StateStarting = base.StateStarting
	StateRunning  = base.StateRunning
	StateDegraded = base.StateDegraded
	StateFailed   = base.StateFailed
	StateStopped  = base.StateStopped

	EventStateTransition = base.EventStateTransition
	EventRecordDropped   = base.EventRecordDropped
	EventDecodeError     = base.EventDecodeError
	EventSinkError       = base.EventSinkError
	EventTransformError  = base.EventTransformError
	EventStageRestart    = base.EventStageRestart
)

// Type aliases so consumers can import github.com/ghalamif/Tether directly.
type (
	Config          = base.Config
	SSHConfig       = base.SSHConfig
	OPCUAConfig     = base.OPCUAConfig
	OPCUANodeConfig = base.OPCUANodeConfig
	TimescaleConfig = base.TimescaleConfig
	NATSConfig      = base.NATSConfig
	TransformRule   = base.TransformRule
	Flow            = base.Flow
	FlowOption      = base.FlowOption
	StreamInOption  = base.StreamInOption
	StreamOutOption = base.StreamOutOption
	Runtime         = base.Runtime
	RuntimeOption   = base.RuntimeOption
	Stats           = base.Stats
	Record          = base.Record
	RecordField     = base.RecordField
	RecordHandler   = base.RecordHandler
	ReaderOpener    = base.ReaderOpener
	Event           = base.Event
	EventHandler    = base.EventHandler
	State           = base.State
	Source          = base.Source
	Executor        = base.Executor
	Sink            = base.Sink
	Transformer     = base.Transformer
	DeadLetter      = base.DeadLetter
	Observability   = base.Observability
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInSource(src Source) StreamInOption {
	return base.StreamInSource(src)
}

func StreamInExecutor(exec Executor) StreamInOption {
	return base.StreamInExecutor(exec)
}

func StreamInReader(name string, open ReaderOpener) StreamInOption {
	return base.StreamInReader(name, open)
}

func StreamOutSink(s Sink) StreamOutOption {
	return base.StreamOutSink(s)
}

func StreamOutTransformer(tr Transformer) StreamOutOption {
	return base.StreamOutTransformer(tr)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutEvents(h EventHandler) StreamOutOption {
	return base.StreamOutEvents(h)
}

func StreamOutCallback(name string, fn RecordHandler) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithSource(src Source) RuntimeOption {
	return base.WithSource(src)
}

func WithExecutor(exec Executor) RuntimeOption {
	return base.WithExecutor(exec)
}

func WithSink(s Sink) RuntimeOption {
	return base.WithSink(s)
}

func WithTransformer(tr Transformer) RuntimeOption {
	return base.WithTransformer(tr)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithEventHandler(h EventHandler) RuntimeOption {
	return base.WithEventHandler(h)
}

func WithDeadLetter(d DeadLetter) RuntimeOption {
	return base.WithDeadLetter(d)
}

// Sink and source adapters.
func NewCallbackSink(name string, fn RecordHandler) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan *Record, func()) {
	return base.NewChannelSink(name, buffer)
}

func NewReaderSource(name string, open ReaderOpener, idle time.Duration) Source {
	return base.NewReaderSource(name, open, idle)
}

// Sink error classification.
func Transient(err error) error { return base.Transient(err) }
func Fatal(err error) error     { return base.Fatal(err) }
