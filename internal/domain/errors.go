package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEndOfStream is returned by a source handle when the remote side closed
	// its output cleanly.
	ErrEndOfStream = errors.New("end of stream")

	// ErrDropped is returned by a transformer that filtered a record out.
	ErrDropped = errors.New("record dropped by transform")

	// ErrRetryBudgetExhausted is returned when a stage failed more than the
	// configured number of consecutive times.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// ConnectReason classifies a ConnectError.
type ConnectReason string

const (
	ConnectAuth       ConnectReason = "auth"
	ConnectNetwork    ConnectReason = "network"
	ConnectRemoteExit ConnectReason = "remote-exit"
)

// ConnectError reports a failure to establish the remote session.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect (%s): %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SourceCause classifies a SourceError.
type SourceCause string

const (
	CauseTimeout    SourceCause = "timeout"
	CauseNetwork    SourceCause = "network"
	CauseRemoteExit SourceCause = "remote-exit"
)

// SourceError reports that an established stream broke.
type SourceError struct {
	Cause SourceCause
	Err   error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %s", e.Cause)
	}
	return fmt.Sprintf("source %s: %v", e.Cause, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// DecodeError carries a line that could not be decoded. It never aborts a
// stream on its own.
type DecodeError struct {
	Raw    []byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s", e.Reason)
}

// TransformError reports that a transform step failed for one record.
type TransformError struct {
	Step string
	Err  error
}

func (e *TransformError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("transform: %v", e.Err)
	}
	return fmt.Sprintf("transform %s: %v", e.Step, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// SinkErrorKind tells the sink writer whether a retry can help.
type SinkErrorKind string

const (
	SinkTransient SinkErrorKind = "transient"
	SinkFatal     SinkErrorKind = "fatal"
)

// SinkError is a classified delivery failure.
type SinkError struct {
	Kind SinkErrorKind
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Kind, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable sink error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &SinkError{Kind: SinkTransient, Err: err}
}

// Fatal wraps err as a non-retryable sink error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &SinkError{Kind: SinkFatal, Err: err}
}

// IsFatalSinkError reports whether err is a sink error classified fatal.
// Unclassified errors are treated as transient.
func IsFatalSinkError(err error) bool {
	var se *SinkError
	if errors.As(err, &se) {
		return se.Kind == SinkFatal
	}
	return false
}
