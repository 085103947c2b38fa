package pipeline

import (
	"context"
	"fmt"

	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

// SinkRetry bounds the per-record retry of transient sink errors.
type SinkRetry struct {
	Backoff
	MaxAttempts int
}

type sinkWriter struct {
	sink  ports.Sink
	retry SinkRetry
	emit  func(domain.Event)
}

// deliver writes r until the sink acknowledges it. Transient failures are
// retried with backoff; after MaxAttempts they escalate to fatal. It returns
// nil on ack, a fatal *domain.SinkError, or ctx.Err().
func (w *sinkWriter) deliver(ctx context.Context, r *domain.Record) error {
	for attempt := 1; ; attempt++ {
		err := w.sink.Write(ctx, r)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !domain.IsFatalSinkError(err) && attempt >= w.retry.MaxAttempts {
			err = domain.Fatal(fmt.Errorf("gave up after %d attempts: %w", attempt, err))
		}

		w.emit(domain.Event{
			Kind:    domain.EventSinkError,
			Stage:   domain.StageSink,
			Record:  r,
			Err:     err,
			Attempt: attempt,
		})
		if domain.IsFatalSinkError(err) {
			return err
		}
		if err := sleep(ctx, w.retry.Delay(attempt)); err != nil {
			return err
		}
	}
}
