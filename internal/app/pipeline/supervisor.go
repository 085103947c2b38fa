// Package pipeline runs the source → transform → sink stages and the
// supervisor that restarts them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/Tether/internal/adapters/queue"
	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

// ErrAlreadyRunning is returned when Run is called while another Run of the
// same supervisor is still active.
var ErrAlreadyRunning = errors.New("supervisor already running")

var errShutdown = errors.New("pipeline shut down before delivery")

// Config tunes a Supervisor. Zero durations and sizes select the defaults of
// DefaultConfig; a zero jitter disables jitter.
type Config struct {
	RetryBase              time.Duration
	RetryCap               time.Duration
	RetryJitter            float64
	MaxConsecutiveFailures int
	QueueCapacity          int
	DrainTimeout           time.Duration
	StopOnEndOfStream      bool
	SinkRetry              SinkRetry
}

func DefaultConfig() Config {
	return Config{
		RetryBase:     time.Second,
		RetryCap:      60 * time.Second,
		RetryJitter:   0.2,
		QueueCapacity: 1000,
		DrainTimeout:  5 * time.Second,
		SinkRetry: SinkRetry{
			Backoff:     Backoff{Base: 200 * time.Millisecond, Cap: 5 * time.Second, Jitter: 0.2},
			MaxAttempts: 5,
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = def.RetryCap
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.SinkRetry.Base <= 0 {
		c.SinkRetry.Base = def.SinkRetry.Base
	}
	if c.SinkRetry.Cap <= 0 {
		c.SinkRetry.Cap = def.SinkRetry.Cap
	}
	if c.SinkRetry.MaxAttempts <= 0 {
		c.SinkRetry.MaxAttempts = def.SinkRetry.MaxAttempts
	}
}

type Option func(*Supervisor)

// WithDeadLetter hands records dropped after a fatal sink error to d.
func WithDeadLetter(d ports.DeadLetter) Option {
	return func(s *Supervisor) { s.dead = d }
}

// WithEventHandler registers h. Handlers run synchronously, one event at a
// time, on the goroutine that produced the event; they must not block.
func WithEventHandler(h ports.EventHandler) Option {
	return func(s *Supervisor) {
		if h != nil {
			s.handlers = append(s.handlers, h)
		}
	}
}

// Supervisor owns the pipeline state machine:
//
//	starting → running ⇄ degraded → failed
//	    any non-terminal state → stopped
//
// Records of one epoch reach the sink in sequence order. No ordering is
// promised between the tail of one epoch and the head of the next.
type Supervisor struct {
	cfg      Config
	src      ports.Source
	tr       ports.Transformer
	snk      ports.Sink
	obs      ports.Observability
	dead     ports.DeadLetter
	handlers []ports.EventHandler
	writer   *sinkWriter

	running atomic.Bool
	state   atomic.Value
	epoch   atomic.Uint64
	queues  atomic.Pointer[[2]*queue.Bounded]

	runID  string
	emitMu sync.Mutex
}

func New(cfg Config, src ports.Source, tr ports.Transformer, snk ports.Sink, obs ports.Observability, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	if tr == nil {
		tr = passThrough{}
	}
	if obs == nil {
		obs = nopObservability{}
	}
	s := &Supervisor{cfg: cfg, src: src, tr: tr, snk: snk, obs: obs}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.writer = &sinkWriter{sink: snk, retry: cfg.SinkRetry, emit: s.emit}
	s.state.Store(domain.StateStarting)
	return s
}

// State returns the current pipeline state. Safe for concurrent use.
func (s *Supervisor) State() domain.State {
	return s.state.Load().(domain.State)
}

// Epoch returns the epoch of the most recently opened source connection.
func (s *Supervisor) Epoch() uint64 { return s.epoch.Load() }

// QueueStat is a snapshot of one inter-stage queue.
type QueueStat struct {
	Name      string
	Len       int
	Cap       int
	HighWater int
}

// Queues reports the queues of the current or last run.
func (s *Supervisor) Queues() []QueueStat {
	qs := s.queues.Load()
	if qs == nil {
		return nil
	}
	out := make([]QueueStat, 0, len(qs))
	for _, q := range qs {
		out = append(out, QueueStat{Name: q.Name(), Len: q.Len(), Cap: q.Cap(), HighWater: q.HighWater()})
	}
	return out
}

type reportKind int

const (
	reportUp reportKind = iota
	reportFailed
	reportRecordFatal
	reportProgress
	reportEnded
)

type report struct {
	stage domain.Stage
	kind  reportKind
	err   error
}

// Run drives the pipeline until ctx is cancelled, the source ends with
// StopOnEndOfStream set, or a stage exhausts its failure budget. A graceful
// stop returns nil; budget exhaustion returns an error wrapping
// domain.ErrRetryBudgetExhausted and the last cause. Run may be called again
// after it returned.
func (s *Supervisor) Run(ctx context.Context, runID string) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.runID = runID
	if s.State().Terminal() {
		s.transition(domain.StateStarting, nil)
	}
	bindRun(s.snk, runID)
	bindRun(s.dead, runID)

	rawQ := queue.NewBounded("raw", s.cfg.QueueCapacity)
	sinkQ := queue.NewBounded("sink", s.cfg.QueueCapacity)
	s.queues.Store(&[2]*queue.Bounded{rawQ, sinkQ})

	base := context.WithoutCancel(ctx)
	srcCtx, srcCancel := context.WithCancel(base)
	drainCtx, drainCancel := context.WithCancel(base)
	defer srcCancel()
	defer drainCancel()

	reports := make(chan report, 64)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.runSource(srcCtx, rawQ, reports)
	}()
	go func() {
		defer wg.Done()
		s.runTransform(drainCtx, rawQ, sinkQ)
	}()
	go func() {
		defer wg.Done()
		s.runSink(drainCtx, sinkQ, reports)
	}()
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	var (
		ready    = map[domain.Stage]bool{domain.StageSource: false, domain.StageSink: false}
		failures = map[domain.Stage]int{}
		stopping bool
		failure  error
		done     = ctx.Done()
		drain    *time.Timer
		drainC   <-chan time.Time
	)
	stop := func() {
		if stopping {
			return
		}
		stopping = true
		done = nil
		srcCancel()
		drain = time.NewTimer(s.cfg.DrainTimeout)
		drainC = drain.C
	}

loop:
	for {
		select {
		case <-done:
			stop()

		case <-drainC:
			drainC = nil
			drainCancel()

		case r := <-reports:
			if failure != nil {
				continue
			}
			switch r.kind {
			case reportFailed, reportRecordFatal:
				ready[r.stage] = false
				if r.kind == reportFailed {
					failures[r.stage]++
				}
				if st := s.State(); st == domain.StateStarting || st == domain.StateRunning {
					s.transition(domain.StateDegraded, r.err)
				}
				if limit := s.cfg.MaxConsecutiveFailures; limit > 0 && failures[r.stage] >= limit {
					failure = fmt.Errorf("%w: %s failed %d consecutive times: %w",
						domain.ErrRetryBudgetExhausted, r.stage, failures[r.stage], r.err)
					s.transition(domain.StateFailed, failure)
					stopping, done = true, nil
					srcCancel()
					drainCancel()
				}
			case reportUp:
				ready[r.stage] = true
				if allReady(ready) {
					if st := s.State(); st == domain.StateStarting || st == domain.StateDegraded {
						s.transition(domain.StateRunning, nil)
					}
				}
			case reportProgress:
				failures[r.stage] = 0
			case reportEnded:
				stop()
			}

		case <-allDone:
			break loop
		}
	}
	if drain != nil {
		drain.Stop()
	}

	// Leftovers are attributed to the stage that was due to consume them.
	for _, lq := range []struct {
		q     *queue.Bounded
		stage domain.Stage
	}{{rawQ, domain.StageTransform}, {sinkQ, domain.StageSink}} {
		for {
			r, ok := lq.q.TryTake()
			if !ok {
				break
			}
			s.emitDropped(lq.stage, r, domain.DropShutdown, errShutdown)
		}
		s.obs.SetQueueLength(lq.q.Name(), lq.q.Len())
	}

	if failure != nil {
		return failure
	}
	s.transition(domain.StateStopped, nil)
	return nil
}

func allReady(ready map[domain.Stage]bool) bool {
	for _, ok := range ready {
		if !ok {
			return false
		}
	}
	return true
}

// transition is only called from the Run goroutine.
func (s *Supervisor) transition(to domain.State, cause error) {
	from := s.State()
	if from == to {
		return
	}
	s.state.Store(to)
	s.emit(domain.Event{Kind: domain.EventStateTransition, From: from, To: to, Err: cause})
}

func (s *Supervisor) emit(ev domain.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.RunID = s.runID
	if ev.Record != nil {
		ev.Epoch, ev.Seq = ev.Record.Epoch, ev.Record.Seq
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.obs.RecordEvent(ev)
	for _, h := range s.handlers {
		h(ev)
	}
}

func (s *Supervisor) emitDropped(stage domain.Stage, r *domain.Record, reason domain.DropReason, cause error) {
	s.emit(domain.Event{
		Kind:   domain.EventRecordDropped,
		Stage:  stage,
		Record: r,
		Reason: reason,
		Err:    cause,
	})
}

func (s *Supervisor) stageBackoff() Backoff {
	return Backoff{Base: s.cfg.RetryBase, Cap: s.cfg.RetryCap, Jitter: s.cfg.RetryJitter}
}

func bindRun(v any, runID string) {
	if b, ok := v.(ports.RunBinder); ok {
		b.BindRun(runID)
	}
}

type passThrough struct{}

func (passThrough) Transform(r *domain.Record) (*domain.Record, error) { return r, nil }
func (passThrough) Version() uint16                                    { return 0 }

type nopObservability struct{}

func (nopObservability) LogInfo(string, ...ports.Field)            {}
func (nopObservability) LogError(string, error, ...ports.Field)    {}
func (nopObservability) LogCritical(string, error, ...ports.Field) {}
func (nopObservability) IncCounter(string, float64)                {}
func (nopObservability) ObserveLatency(string, float64)            {}
func (nopObservability) SetGauge(string, float64)                  {}
func (nopObservability) SetQueueLength(string, int)                {}
func (nopObservability) RecordEvent(domain.Event)                  {}
