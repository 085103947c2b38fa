package ports

import (
	"context"

	"github.com/ghalamif/Tether/internal/domain"
)

// Sink delivers one record. A nil error is the acknowledgement; failures should
// be classified with domain.Transient or domain.Fatal.
type Sink interface {
	Write(ctx context.Context, r *domain.Record) error
	Name() string
}

// Reconnector is implemented by sinks that hold a connection the supervisor
// can re-establish after a fatal error.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// DeadLetter receives records that were dropped after a fatal sink error.
type DeadLetter interface {
	Append(r *domain.Record, cause error) error
}

// RunBinder is implemented by sinks that key deliveries by run. The supervisor
// calls BindRun once at the start of every Run, before the first Write.
type RunBinder interface {
	BindRun(runID string)
}
