package tether

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ghalamif/Tether/internal/adapters/source"
	"github.com/ghalamif/Tether/internal/ports"
)

// ReaderOpener returns a fresh stream of line-delimited JSON for every epoch,
// e.g. a serial port, a socket or a pipe.
type ReaderOpener func(ctx context.Context) (io.ReadCloser, error)

// NewReaderSource turns open into a Source. End of input counts as a clean
// end of stream; open errors are retried by the supervisor like failed
// connects. A zero idle uses the stream default.
func NewReaderSource(name string, open ReaderOpener, idle time.Duration) Source {
	if name == "" {
		name = "reader"
	}
	return source.NewStream(name, readerExecutor{open: open}, source.StreamConfig{IdleTimeout: idle})
}

type readerExecutor struct {
	open ReaderOpener
}

func (e readerExecutor) Execute(ctx context.Context, _ ports.Endpoint, _ []byte) (ports.RemoteProcess, error) {
	rc, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	return &readerProcess{rc: rc}, nil
}

type readerProcess struct {
	rc   io.ReadCloser
	once sync.Once
	err  error
}

func (p *readerProcess) Stdout() io.Reader { return p.rc }
func (p *readerProcess) Wait() error       { return nil }

func (p *readerProcess) Close() error {
	p.once.Do(func() { p.err = p.rc.Close() })
	return p.err
}
