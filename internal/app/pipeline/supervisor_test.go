package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/Tether/internal/adapters/transform"
	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

// step is one scripted result of SourceHandle.Next: a record or an error.
type step struct {
	fields []domain.Field
	err    error
}

func rec(fields ...domain.Field) step { return step{fields: fields} }

// plan scripts one Open call. A nil end blocks Next until the handle is
// closed or the context ends. Endless repeats the first step forever.
type plan struct {
	openErr error
	steps   []step
	end     error
	endless bool
}

type fakeSource struct {
	mu      sync.Mutex
	plans   []plan
	opens   []uint64
	nexts   atomic.Int64
	failAll error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Open(ctx context.Context, epoch uint64) (ports.SourceHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, epoch)
	if s.failAll != nil {
		return nil, s.failAll
	}
	if len(s.plans) == 0 {
		return &fakeHandle{src: s, epoch: epoch, closed: make(chan struct{})}, nil
	}
	p := s.plans[0]
	s.plans = s.plans[1:]
	if p.openErr != nil {
		return nil, p.openErr
	}
	return &fakeHandle{src: s, epoch: epoch, plan: p, closed: make(chan struct{})}, nil
}

func (s *fakeSource) openedEpochs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.opens...)
}

type fakeHandle struct {
	src    *fakeSource
	epoch  uint64
	plan   plan
	idx    int
	seq    uint64
	once   sync.Once
	closed chan struct{}
}

func (h *fakeHandle) Epoch() uint64 { return h.epoch }

func (h *fakeHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeHandle) Next(ctx context.Context) (*domain.Record, error) {
	h.src.nexts.Add(1)
	var st step
	switch {
	case h.plan.endless && len(h.plan.steps) > 0:
		st = h.plan.steps[0]
	case h.idx < len(h.plan.steps):
		st = h.plan.steps[h.idx]
		h.idx++
	case h.plan.end != nil:
		return nil, h.plan.end
	default:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.closed:
			return nil, domain.ErrEndOfStream
		}
	}
	if st.err != nil {
		return nil, st.err
	}
	r, err := domain.NewRecord(st.fields...)
	if err != nil {
		return nil, err
	}
	r.Epoch, r.Seq = h.epoch, h.seq
	r.CapturedAt = time.Now()
	h.seq++
	return r, nil
}

type fakeSink struct {
	mu         sync.Mutex
	got        []*domain.Record
	writes     int
	fail       func(r *domain.Record, attempt int) error
	attempts   map[string]int
	gate       chan struct{}
	reconnects atomic.Int64
}

func newFakeSink() *fakeSink { return &fakeSink{attempts: map[string]int{}} }

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Reconnect(context.Context) error {
	s.reconnects.Add(1)
	return nil
}

func (s *fakeSink) Write(ctx context.Context, r *domain.Record) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	key := fmt.Sprintf("%d/%d", r.Epoch, r.Seq)
	s.attempts[key]++
	if s.fail != nil {
		if err := s.fail(r, s.attempts[key]); err != nil {
			return err
		}
	}
	s.got = append(s.got, r)
	return nil
}

func (s *fakeSink) delivered() []*domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Record(nil), s.got...)
}

type fakeDeadLetter struct {
	mu  sync.Mutex
	got []*domain.Record
	run string
}

func (d *fakeDeadLetter) BindRun(runID string) { d.run = runID }

func (d *fakeDeadLetter) Append(r *domain.Record, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, r)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *recorder) kind(k domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, ev := range r.all() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) dropped(reason domain.DropReason) []domain.Event {
	var out []domain.Event
	for _, ev := range r.kind(domain.EventRecordDropped) {
		if ev.Reason == reason {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) transitionsTo(to domain.State) int {
	n := 0
	for _, ev := range r.kind(domain.EventStateTransition) {
		if ev.To == to {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		RetryBase:     time.Millisecond,
		RetryCap:      5 * time.Millisecond,
		QueueCapacity: 16,
		DrainTimeout:  2 * time.Second,
		SinkRetry: SinkRetry{
			Backoff:     Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond},
			MaxAttempts: 5,
		},
	}
}

func numbered(n int) []step {
	steps := make([]step, n)
	for i := range steps {
		steps[i] = rec(domain.Field{Name: "n", Value: float64(i)})
	}
	return steps
}

func runWithTimeout(t *testing.T, s *Supervisor, ctx context.Context) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, "run-test") }()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func requireSeqOrder(t *testing.T, got []*domain.Record) {
	t.Helper()
	last := map[uint64]int64{}
	for _, r := range got {
		prev, seen := last[r.Epoch]
		if seen {
			require.Greater(t, int64(r.Seq), prev, "epoch %d out of order", r.Epoch)
		}
		last[r.Epoch] = int64(r.Seq)
	}
}

func TestSupervisorDeliversEpochInOrder(t *testing.T) {
	src := &fakeSource{plans: []plan{{steps: numbered(100), end: domain.ErrEndOfStream}}}
	snk := newFakeSink()
	events := &recorder{}
	cfg := testConfig()
	cfg.StopOnEndOfStream = true

	s := New(cfg, src, nil, snk, nil, WithEventHandler(events.handle))
	require.NoError(t, runWithTimeout(t, s, context.Background()))

	got := snk.delivered()
	require.Len(t, got, 100)
	for i, r := range got {
		assert.Equal(t, uint64(i), r.Seq)
		assert.Equal(t, uint64(0), r.Epoch)
		v, _ := r.Float("n")
		assert.Equal(t, float64(i), v)
	}
	assert.Equal(t, domain.StateStopped, s.State())
	assert.Empty(t, events.kind(domain.EventRecordDropped))

	transitions := events.kind(domain.EventStateTransition)
	require.NotEmpty(t, transitions)
	assert.Equal(t, domain.StateStopped, transitions[len(transitions)-1].To)
	for _, ev := range events.all() {
		assert.Equal(t, "run-test", ev.RunID)
	}
}

func TestSupervisorRetriesTransientSinkErrors(t *testing.T) {
	src := &fakeSource{plans: []plan{{steps: numbered(10), end: domain.ErrEndOfStream}}}
	snk := newFakeSink()
	snk.fail = func(r *domain.Record, attempt int) error {
		if r.Seq == 4 && attempt <= 2 {
			return domain.Transient(errors.New("connection reset"))
		}
		return nil
	}
	events := &recorder{}
	cfg := testConfig()
	cfg.StopOnEndOfStream = true

	s := New(cfg, src, nil, snk, nil, WithEventHandler(events.handle))
	require.NoError(t, runWithTimeout(t, s, context.Background()))

	got := snk.delivered()
	require.Len(t, got, 10)
	requireSeqOrder(t, got)

	errs := events.kind(domain.EventSinkError)
	require.Len(t, errs, 2)
	assert.Equal(t, 1, errs[0].Attempt)
	assert.Equal(t, 2, errs[1].Attempt)
	assert.Equal(t, uint64(4), errs[0].Seq)
	assert.Empty(t, events.kind(domain.EventRecordDropped))
}

func TestSupervisorEscalatesExhaustedRetries(t *testing.T) {
	src := &fakeSource{plans: []plan{{steps: numbered(3), end: domain.ErrEndOfStream}}}
	snk := newFakeSink()
	snk.fail = func(r *domain.Record, _ int) error {
		if r.Seq == 1 {
			return domain.Transient(errors.New("timeout"))
		}
		return nil
	}
	events := &recorder{}
	cfg := testConfig()
	cfg.StopOnEndOfStream = true
	cfg.SinkRetry.MaxAttempts = 3

	s := New(cfg, src, nil, snk, nil, WithEventHandler(events.handle))
	require.NoError(t, runWithTimeout(t, s, context.Background()))

	assert.Len(t, snk.delivered(), 2)
	errs := events.kind(domain.EventSinkError)
	require.Len(t, errs, 3)
	assert.True(t, domain.IsFatalSinkError(errs[2].Err))
	assert.False(t, domain.IsFatalSinkError(errs[1].Err))

	dropped := events.dropped(domain.DropSinkFatal)
	require.Len(t, dropped, 1)
	assert.Equal(t, uint64(1), dropped[0].Seq)
}

func TestSupervisorDropsFatalRecordExactlyOnce(t *testing.T) {
	src := &fakeSource{plans: []plan{{steps: numbered(10), end: domain.ErrEndOfStream}}}
	snk := newFakeSink()
	snk.fail = func(r *domain.Record, _ int) error {
		if r.Seq == 3 {
			return domain.Fatal(errors.New("check constraint violated"))
		}
		return nil
	}
	dl := &fakeDeadLetter{}
	events := &recorder{}
	cfg := testConfig()
	cfg.StopOnEndOfStream = true

	s := New(cfg, src, nil, snk, nil, WithEventHandler(events.handle), WithDeadLetter(dl))
	require.NoError(t, runWithTimeout(t, s, context.Background()))

	got := snk.delivered()
	require.Len(t, got, 9)
	requireSeqOrder(t, got)
	for _, r := range got {
		assert.NotEqual(t, uint64(3), r.Seq)
	}

	dropped := events.kind(domain.EventRecordDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, domain.DropSinkFatal, dropped[0].Reason)
	assert.Equal(t, uint64(3), dropped[0].Seq)

	require.Len(t, dl.got, 1)
	assert.Equal(t, uint64(3), dl.got[0].Seq)
	assert.Equal(t, "run-test", dl.run)

	// initial connect plus one reconnect after the fatal error
	assert.Equal(t, int64(2), snk.reconnects.Load())
	assert.Equal(t, 1, events.transitionsTo(domain.StateDegraded))
}

// plainSink hides fakeSink's Reconnect method.
type plainSink struct{ inner *fakeSink }

func (p plainSink) Write(ctx context.Context, r *domain.Record) error { return p.inner.Write(ctx, r) }
func (p plainSink) Name() string                                      { return "plain" }

func TestSupervisorFatalRecordDoesNotStallSink(t *testing.T) {
	for _, tc := range []struct {
		name       string
		reconnects int64
		wrap       func(*fakeSink) ports.Sink
	}{
		{name: "without reconnect", wrap: func(s *fakeSink) ports.Sink { return plainSink{s} }},
		{name: "with reconnect", reconnects: 2, wrap: func(s *fakeSink) ports.Sink { return s }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := &fakeSource{plans: []plan{{steps: numbered(5), end: domain.ErrEndOfStream}}}
			snk := newFakeSink()
			snk.fail = func(r *domain.Record, _ int) error {
				if r.Seq == 1 {
					return domain.Fatal(errors.New("value out of range"))
				}
				return nil
			}
			cfg := testConfig()
			cfg.RetryBase = 5 * time.Second
			cfg.RetryCap = 5 * time.Second
			cfg.StopOnEndOfStream = true
			events := &recorder{}

			s := New(cfg, src, nil, tc.wrap(snk), nil, WithEventHandler(events.handle))
			start := time.Now()
			require.NoError(t, runWithTimeout(t, s, context.Background()))
			assert.Less(t, time.Since(start), time.Second)

			assert.Len(t, snk.delivered(), 4)
			assert.Len(t, events.dropped(domain.DropSinkFatal), 1)
			assert.Equal(t, tc.reconnects, snk.reconnects.Load())
		})
	}
}

func TestSupervisorRecoversFromSourceDisconnect(t *testing.T) {
	src := &fakeSource{plans: []plan{
		{steps: numbered(3), end: &domain.SourceError{Cause: domain.CauseNetwork, Err: errors.New("connection reset by peer")}},
		{steps: numbered(3), end: domain.ErrEndOfStream},
	}}
	snk := newFakeSink()
	events := &recorder{}
	cfg := testConfig()
	cfg.StopOnEndOfStream = true

	s := New(cfg, src, nil, snk, nil, WithEventHandler(events.handle))
	require.NoError(t, runWithTimeout(t, s, context.Background()))

	got := snk.delivered()
	require.Len(t, got, 6)
	for i, r := range got {
		assert.Equal(t, uint64(i/3), r.Epoch)
		assert.Equal(t, uint64(i%3), r.Seq)
	}
	assert.Equal(t, []uint64{0, 1}, src.openedEpochs())

	assert.Equal(t, 1, events.transitionsTo(domain.StateDegraded))
	var sawDegraded, recovered bool
	for _, ev := range events.kind(domain.EventStateTransition) {
		if ev.To == domain.StateDegraded {
			sawDegraded = true
		}
		if sawDegraded && ev.To == domain.StateRunning {
			recovered = true
		}
	}
	assert.True(t, recovered, "no running transition after degraded")

	restarts := events.kind(domain.EventStageRestart)
	require.Len(t, restarts, 1)
	assert.Equal(t, domain.StageSource, restarts[0].Stage)
	assert.Equal(t, uint64(1), restarts[0].Epoch)
}

func TestSupervisorKeepsEpochOnFailedOpen(t *testing.T) {
	refused := &domain.ConnectError{Reason: domain.ConnectNetwork, Err: errors.New("connection refused")}
	src := &fakeSource{plans: []plan{
		{openErr: refused},
		{openErr: refused},
		{steps: numbered(2), end: domain.ErrEndOfStream},
	}}
	snk := newFakeSink()
	cfg := testConfig()
	cfg.StopOnEndOfStream = true

	s := New(cfg, src, nil, snk, nil)
	require.NoError(t, runWithTimeout(t, s, context.Background()))

	assert.Equal(t, []uint64{0, 0, 0}, src.openedEpochs())
	assert.Len(t, snk.delivered(), 2)
}

func TestSupervisorFailsWhenBudgetExhausted(t *testing.T) {
	cause := &domain.ConnectError{Reason: domain.ConnectAuth, Err: errors.New("permission denied")}
	src := &fakeSource{failAll: cause}
	snk := newFakeSink()
	events := &recorder{}
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 3

	s := New(cfg, src, nil, snk, nil, WithEventHandler(events.handle))
	err := runWithTimeout(t, s, context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRetryBudgetExhausted)
	var ce *domain.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.ConnectAuth, ce.Reason)

	assert.Equal(t, domain.StateFailed, s.State())
	assert.Equal(t, 1, events.transitionsTo(domain.StateFailed))
	assert.Zero(t, events.transitionsTo(domain.StateStopped))
	assert.GreaterOrEqual(t, len(events.kind(domain.EventStageRestart)), 2)
}

func TestSupervisorStopDrainsInFlightRecords(t *testing.T) {
	src := &fakeSource{plans: []plan{{steps: numbered(5)}}}
	snk := newFakeSink()
	snk.gate = make(chan struct{})
	events := &recorder{}

	s := New(testConfig(), src, nil, snk, nil, WithEventHandler(events.handle))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, "run-test") }()

	// five records plus the blocked sixth Next
	require.Eventually(t, func() bool { return src.nexts.Load() >= 6 }, 5*time.Second, time.Millisecond)
	cancel()
	close(snk.gate)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Len(t, snk.delivered(), 5)
	assert.Empty(t, events.kind(domain.EventRecordDropped))
	assert.Equal(t, domain.StateStopped, s.State())
}

func TestSupervisorBoundsInFlightRecords(t *testing.T) {
	src := &fakeSource{plans: []plan{{steps: numbered(1), endless: true}}}
	snk := newFakeSink()
	snk.gate = make(chan struct{})
	events := &recorder{}
	cfg := testConfig()
	cfg.QueueCapacity = 2
	cfg.DrainTimeout = 20 * time.Millisecond

	s := New(cfg, src, nil, snk, nil, WithEventHandler(events.handle))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, "run-test") }()

	// raw queue, sink queue, one record per stage goroutine
	limit := int64(2*cfg.QueueCapacity + 3)
	require.Eventually(t, func() bool { return src.nexts.Load() == limit }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, limit, src.nexts.Load())

	for _, q := range s.Queues() {
		assert.LessOrEqual(t, q.HighWater, q.Cap, q.Name)
	}

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Empty(t, snk.delivered())
	dropped := events.dropped(domain.DropShutdown)
	assert.Len(t, dropped, int(limit))

	// one held by each stage goroutine plus the queue the stage consumes
	byStage := map[domain.Stage]int{}
	for _, ev := range dropped {
		byStage[ev.Stage]++
	}
	assert.Equal(t, map[domain.Stage]int{
		domain.StageSource:    1,
		domain.StageTransform: 1 + cfg.QueueCapacity,
		domain.StageSink:      1 + cfg.QueueCapacity,
	}, byStage)
}

func TestSupervisorConvertsCelsiusEndToEnd(t *testing.T) {
	src := &fakeSource{plans: []plan{{
		steps: []step{
			rec(domain.Field{Name: "t", Value: 1.0}, domain.Field{Name: "v", Value: 10.0}),
			rec(domain.Field{Name: "t", Value: 2.0}, domain.Field{Name: "v", Value: 20.0}),
		},
		end: domain.ErrEndOfStream,
	}}}
	chain, err := transform.FromRules(1, []transform.Rule{{Op: "convert", Field: "v", Unit: "celsius_to_fahrenheit"}})
	require.NoError(t, err)
	snk := newFakeSink()
	cfg := testConfig()
	cfg.StopOnEndOfStream = true

	s := New(cfg, src, chain, snk, nil)
	require.NoError(t, runWithTimeout(t, s, context.Background()))

	got := snk.delivered()
	require.Len(t, got, 2)
	for i, want := range []struct{ t, v float64 }{{1, 50}, {2, 68}} {
		tv, _ := got[i].Float("t")
		v, _ := got[i].Float("v")
		assert.Equal(t, want.t, tv)
		assert.InDelta(t, want.v, v, 1e-9)
	}
}

func TestSupervisorSkipsDecodeErrors(t *testing.T) {
	src := &fakeSource{plans: []plan{{
		steps: []step{
			rec(domain.Field{Name: "a", Value: 1.0}),
			{err: &domain.DecodeError{Raw: []byte("{oops"), Reason: "invalid json"}},
			rec(domain.Field{Name: "a", Value: 2.0}),
		},
		end: domain.ErrEndOfStream,
	}}}
	snk := newFakeSink()
	events := &recorder{}
	cfg := testConfig()
	cfg.StopOnEndOfStream = true

	s := New(cfg, src, nil, snk, nil, WithEventHandler(events.handle))
	require.NoError(t, runWithTimeout(t, s, context.Background()))

	got := snk.delivered()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].Seq)
	assert.Equal(t, uint64(1), got[1].Seq)

	decodes := events.kind(domain.EventDecodeError)
	require.Len(t, decodes, 1)
	assert.Equal(t, []byte("{oops"), decodes[0].Raw)
	assert.Zero(t, events.transitionsTo(domain.StateDegraded))
}

type panicky struct{}

func (panicky) Version() uint16 { return 7 }

func (panicky) Transform(r *domain.Record) (*domain.Record, error) {
	if r.Seq == 1 {
		panic("boom")
	}
	if r.Seq == 2 {
		return nil, domain.ErrDropped
	}
	return r, nil
}

func TestSupervisorSurvivesTransformFailures(t *testing.T) {
	src := &fakeSource{plans: []plan{{steps: numbered(4), end: domain.ErrEndOfStream}}}
	snk := newFakeSink()
	events := &recorder{}
	cfg := testConfig()
	cfg.StopOnEndOfStream = true

	s := New(cfg, src, panicky{}, snk, nil, WithEventHandler(events.handle))
	require.NoError(t, runWithTimeout(t, s, context.Background()))

	got := snk.delivered()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].Seq)
	assert.Equal(t, uint64(3), got[1].Seq)

	terrs := events.kind(domain.EventTransformError)
	require.Len(t, terrs, 1)
	var te *domain.TransformError
	require.ErrorAs(t, terrs[0].Err, &te)
	assert.Contains(t, te.Error(), "boom")

	dropped := events.dropped(domain.DropTransformError)
	require.Len(t, dropped, 1)
	assert.Equal(t, uint64(1), dropped[0].Seq)
}

func TestSupervisorRejectsConcurrentRun(t *testing.T) {
	src := &fakeSource{plans: []plan{{steps: numbered(1)}}}
	s := New(testConfig(), src, nil, newFakeSink(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, "first") }()
	require.Eventually(t, func() bool { return s.State() == domain.StateRunning }, 5*time.Second, time.Millisecond)

	assert.ErrorIs(t, s.Run(context.Background(), "second"), ErrAlreadyRunning)
	cancel()
	require.NoError(t, <-errc)

	// a stopped supervisor can run again
	ctx2, cancel2 := context.WithCancel(context.Background())
	go func() { errc <- s.Run(ctx2, "again") }()
	require.Eventually(t, func() bool { return s.State() == domain.StateRunning }, 5*time.Second, time.Millisecond)
	cancel2()
	require.NoError(t, <-errc)
	assert.Equal(t, domain.StateStopped, s.State())
}
