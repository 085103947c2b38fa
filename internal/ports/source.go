package ports

import (
	"context"
	"io"

	"github.com/ghalamif/Tether/internal/domain"
)

// Source opens a stream of records from one remote endpoint. Each call to Open
// starts a new connection epoch chosen by the supervisor.
type Source interface {
	Open(ctx context.Context, epoch uint64) (SourceHandle, error)
	Name() string
}

// SourceHandle is one open connection epoch.
//
// Next blocks until a record is available, the remote closed cleanly
// (domain.ErrEndOfStream), the stream broke (*domain.SourceError) or a line
// failed to decode (*domain.DecodeError, the stream stays usable).
// Close is idempotent and unblocks a pending Next.
type SourceHandle interface {
	Next(ctx context.Context) (*domain.Record, error)
	Close() error
	Epoch() uint64
}

// Endpoint describes where and what to run remotely.
type Endpoint struct {
	Host    string
	Port    int
	User    string
	Command string
}

// Executor runs a script on an endpoint and exposes its standard output.
type Executor interface {
	Execute(ctx context.Context, ep Endpoint, script []byte) (RemoteProcess, error)
}

// RemoteProcess is a running remote command.
//
// Wait returns once the command exited; nil means exit status 0. Close kills
// the command and releases the connection; it is safe to call more than once.
type RemoteProcess interface {
	Stdout() io.Reader
	Wait() error
	Close() error
}
