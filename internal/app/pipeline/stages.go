package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghalamif/Tether/internal/adapters/queue"
	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

// runSource opens one epoch after another until ctx is cancelled or the
// stream ends with StopOnEndOfStream set. The epoch only advances after an
// open succeeded, so failed connects reuse the same number.
func (s *Supervisor) runSource(ctx context.Context, rawQ *queue.Bounded, reports chan<- report) {
	defer rawQ.Close()

	bo := s.stageBackoff()
	var (
		epoch       uint64
		consecutive int
	)
	for {
		if consecutive > 0 {
			s.emit(domain.Event{
				Kind:    domain.EventStageRestart,
				Stage:   domain.StageSource,
				Epoch:   epoch,
				Attempt: consecutive,
			})
			if sleep(ctx, bo.Delay(consecutive)) != nil {
				return
			}
		}

		h, err := s.src.Open(ctx, epoch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutive++
			s.obs.LogError("source_open_failed", err,
				ports.Field{Key: "source", Value: s.src.Name()},
				ports.Field{Key: "epoch", Value: epoch})
			reports <- report{stage: domain.StageSource, kind: reportFailed, err: err}
			continue
		}

		s.epoch.Store(epoch)
		s.obs.SetGauge(ports.MetricEpoch, float64(epoch))
		reports <- report{stage: domain.StageSource, kind: reportUp}

		err = s.pump(ctx, h, rawQ, reports, &consecutive)
		_ = h.Close()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrEndOfStream) && s.cfg.StopOnEndOfStream {
			s.obs.LogInfo("source_end_of_stream", ports.Field{Key: "epoch", Value: epoch})
			reports <- report{stage: domain.StageSource, kind: reportEnded}
			return
		}

		epoch++
		consecutive++
		reports <- report{stage: domain.StageSource, kind: reportFailed, err: err}
	}
}

// pump moves records from one source handle into rawQ. Decode errors are
// reported and skipped; any other error ends the epoch.
func (s *Supervisor) pump(ctx context.Context, h ports.SourceHandle, rawQ *queue.Bounded, reports chan<- report, consecutive *int) error {
	progressed := false
	for {
		rec, err := h.Next(ctx)
		if err != nil {
			var de *domain.DecodeError
			if errors.As(err, &de) {
				s.emit(domain.Event{
					Kind:  domain.EventDecodeError,
					Stage: domain.StageSource,
					Epoch: h.Epoch(),
					Raw:   de.Raw,
					Err:   err,
				})
				continue
			}
			return err
		}

		s.obs.IncCounter(ports.MetricRecordsReceived, 1)
		if !progressed {
			progressed = true
			*consecutive = 0
			reports <- report{stage: domain.StageSource, kind: reportProgress}
		}
		if err := rawQ.Put(ctx, rec); err != nil {
			s.emitDropped(domain.StageSource, rec, domain.DropShutdown, err)
			return err
		}
		s.obs.SetQueueLength(rawQ.Name(), rawQ.Len())
	}
}

// runTransform applies the transformer to every record of rawQ. A failing
// record is dropped and reported; the stage itself keeps going.
func (s *Supervisor) runTransform(ctx context.Context, rawQ, sinkQ *queue.Bounded) {
	defer sinkQ.Close()

	for {
		rec, ok, err := rawQ.Take(ctx)
		if err != nil || !ok {
			return
		}
		s.obs.SetQueueLength(rawQ.Name(), rawQ.Len())

		out, err := s.safeTransform(rec)
		switch {
		case errors.Is(err, domain.ErrDropped):
			s.obs.IncCounter(ports.MetricRecordsFiltered, 1)
			continue
		case err != nil:
			var te *domain.TransformError
			if !errors.As(err, &te) {
				err = &domain.TransformError{Err: err}
			}
			s.emit(domain.Event{Kind: domain.EventTransformError, Stage: domain.StageTransform, Record: rec, Err: err})
			s.emitDropped(domain.StageTransform, rec, domain.DropTransformError, err)
			continue
		case out == nil:
			s.obs.IncCounter(ports.MetricRecordsFiltered, 1)
			continue
		}

		out.Epoch, out.Seq = rec.Epoch, rec.Seq
		if out.CapturedAt.IsZero() {
			out.CapturedAt = rec.CapturedAt
		}
		if err := sinkQ.Put(ctx, out); err != nil {
			s.emitDropped(domain.StageTransform, out, domain.DropShutdown, err)
			return
		}
		s.obs.SetQueueLength(sinkQ.Name(), sinkQ.Len())
	}
}

func (s *Supervisor) safeTransform(rec *domain.Record) (out *domain.Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, &domain.TransformError{Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return s.tr.Transform(rec)
}

// runSink delivers sinkQ to the sink. A fatal error drops the record, hands
// it to the dead letter and reconnects the sink before taking the next one.
func (s *Supervisor) runSink(ctx context.Context, sinkQ *queue.Bounded, reports chan<- report) {
	bo := s.stageBackoff()
	if !s.connectSink(ctx, bo, reports, false) {
		return
	}

	awaitingAck := false
	for {
		rec, ok, err := sinkQ.Take(ctx)
		if err != nil || !ok {
			return
		}
		s.obs.SetQueueLength(sinkQ.Name(), sinkQ.Len())

		start := time.Now()
		err = s.writer.deliver(ctx, rec)
		if err == nil {
			s.obs.ObserveLatency(ports.MetricSinkLatency, time.Since(start).Seconds())
			s.obs.IncCounter(ports.MetricRecordsDelivered, 1)
			if awaitingAck {
				awaitingAck = false
				reports <- report{stage: domain.StageSink, kind: reportProgress}
			}
			continue
		}
		if ctx.Err() != nil {
			s.emitDropped(domain.StageSink, rec, domain.DropShutdown, err)
			return
		}

		s.emitDropped(domain.StageSink, rec, domain.DropSinkFatal, err)
		if s.dead != nil {
			if derr := s.dead.Append(rec, err); derr != nil {
				s.obs.LogError("dead_letter_append_failed", derr,
					ports.Field{Key: "epoch", Value: rec.Epoch},
					ports.Field{Key: "seq", Value: rec.Seq})
			}
		}
		reports <- report{stage: domain.StageSink, kind: reportRecordFatal, err: err}
		if !s.connectSink(ctx, bo, reports, true) {
			return
		}
		awaitingAck = true
	}
}

// connectSink (re)establishes the sink. Sinks without a Reconnect method are
// considered up immediately. The first attempt is immediate; backoff applies
// between failed attempts only. It returns false once ctx is done.
func (s *Supervisor) connectSink(ctx context.Context, bo Backoff, reports chan<- report, restart bool) bool {
	rc, canReconnect := s.snk.(ports.Reconnector)
	if !canReconnect {
		reports <- report{stage: domain.StageSink, kind: reportUp}
		return true
	}

	for attempt := 1; ; attempt++ {
		if restart || attempt > 1 {
			n := attempt
			if !restart {
				n--
			}
			s.emit(domain.Event{Kind: domain.EventStageRestart, Stage: domain.StageSink, Attempt: n})
		}
		if attempt > 1 {
			if sleep(ctx, bo.Delay(attempt-1)) != nil {
				return false
			}
		}

		err := rc.Reconnect(ctx)
		if err == nil {
			reports <- report{stage: domain.StageSink, kind: reportUp}
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.obs.LogError("sink_reconnect_failed", err,
			ports.Field{Key: "sink", Value: s.snk.Name()},
			ports.Field{Key: "attempt", Value: attempt})
		reports <- report{stage: domain.StageSink, kind: reportFailed, err: err}
	}
}
