package tether

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/Tether/internal/adapters/deadletter"
	"github.com/ghalamif/Tether/internal/adapters/observability"
	"github.com/ghalamif/Tether/internal/adapters/sink"
	"github.com/ghalamif/Tether/internal/adapters/source"
	"github.com/ghalamif/Tether/internal/adapters/source/opcua"
	"github.com/ghalamif/Tether/internal/adapters/source/sshexec"
	"github.com/ghalamif/Tether/internal/adapters/transform"
	"github.com/ghalamif/Tether/internal/app/config"
	"github.com/ghalamif/Tether/internal/app/pipeline"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	source      Source
	executor    Executor
	sink        Sink
	transformer Transformer
	obs         Observability
	deadLetter  DeadLetter
	handlers    []EventHandler
	registry    *prometheus.Registry
	logger      *zap.Logger
}

// WithSource replaces the configured source entirely.
func WithSource(src Source) RuntimeOption {
	return func(o *runtimeOverrides) { o.source = src }
}

// WithExecutor keeps the configured stream source but runs its command
// through exec, e.g. a pooled SSH client or a simulator.
func WithExecutor(exec Executor) RuntimeOption {
	return func(o *runtimeOverrides) { o.executor = exec }
}

// WithSink injects a custom sink so records can be sent to any database or API.
func WithSink(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) { o.sink = s }
}

// WithTransformer overrides the transform chain built from the config rules.
func WithTransformer(t Transformer) RuntimeOption {
	return func(o *runtimeOverrides) { o.transformer = t }
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) { o.obs = obs }
}

// WithEventHandler registers h for every pipeline event. May be repeated.
func WithEventHandler(h EventHandler) RuntimeOption {
	return func(o *runtimeOverrides) {
		if h != nil {
			o.handlers = append(o.handlers, h)
		}
	}
}

// WithDeadLetter replaces the journal configured under dead_letter.dir.
func WithDeadLetter(d DeadLetter) RuntimeOption {
	return func(o *runtimeOverrides) { o.deadLetter = d }
}

// WithRegistry registers the pipeline metrics on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) { o.registry = reg }
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *zap.Logger) RuntimeOption {
	return func(o *runtimeOverrides) { o.logger = l }
}

// Runtime wires source → transform → sink under a supervisor and exposes
// simple lifecycle hooks for embedding Tether inside any Go service.
type Runtime struct {
	cfg     *Config
	sup     *pipeline.Supervisor
	obs     Observability
	log     *zap.Logger
	reg     *prometheus.Registry
	source  Source
	sink    Sink
	closers []io.Closer
	runID   atomic.Value
}

// NewRuntime bootstraps the adapters named by cfg. Options override any of
// them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	var o runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	rt := &Runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	rt.log = o.logger
	if rt.log == nil {
		l, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		rt.log = l
	}

	rt.reg = o.registry
	if rt.reg == nil {
		rt.reg = prometheus.NewRegistry()
		rt.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	rt.obs = o.obs
	if rt.obs == nil {
		rt.obs = observability.New(rt.reg, rt.log)
	}

	var err error
	rt.source = o.source
	if rt.source == nil {
		rt.source, err = rt.buildSource(o.executor)
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
	}

	tr := o.transformer
	if tr == nil {
		chain, err := transform.FromRules(cfg.Transform.Version, cfg.Transform.Rules)
		if err != nil {
			return nil, err
		}
		tr = chain
	}

	rt.sink = o.sink
	if rt.sink == nil {
		rt.sink, err = rt.buildSink()
		if err != nil {
			return nil, fmt.Errorf("sink: %w", err)
		}
	}

	dl := o.deadLetter
	if dl == nil && cfg.DeadLetter.Dir != "" {
		j, err := deadletter.Open(cfg.DeadLetter.Dir)
		if err != nil {
			return nil, fmt.Errorf("dead letter: %w", err)
		}
		rt.closers = append(rt.closers, j)
		dl = j
	}

	var supOpts []pipeline.Option
	if dl != nil {
		supOpts = append(supOpts, pipeline.WithDeadLetter(dl))
	}
	for _, h := range o.handlers {
		supOpts = append(supOpts, pipeline.WithEventHandler(h))
	}
	rt.sup = pipeline.New(supervisorConfig(cfg), rt.source, tr, rt.sink, rt.obs, supOpts...)

	ok = true
	return rt, nil
}

func supervisorConfig(cfg *Config) pipeline.Config {
	sv := cfg.Supervisor
	r := cfg.Sink.Retry
	return pipeline.Config{
		RetryBase:              sv.RetryBase(),
		RetryCap:               sv.RetryCap(),
		RetryJitter:            sv.RetryJitter,
		MaxConsecutiveFailures: sv.MaxConsecutiveFailures,
		QueueCapacity:          sv.QueueCapacity,
		DrainTimeout:           sv.DrainTimeout(),
		StopOnEndOfStream:      cfg.Source.OnEndOfStream == config.EndOfStreamStop,
		SinkRetry: pipeline.SinkRetry{
			Backoff:     pipeline.Backoff{Base: r.Base(), Cap: r.Cap(), Jitter: r.Jitter},
			MaxAttempts: r.MaxAttempts,
		},
	}
}

func (rt *Runtime) buildSource(exec Executor) (Source, error) {
	sc := rt.cfg.Source
	if sc.Kind == config.SourceOPCUA {
		return opcua.New(sc.OPCUA, sc.IdleTimeout())
	}

	var ep Endpoint
	if sc.Endpoint != "" {
		parsed, err := source.ParseEndpoint(sc.Endpoint)
		if err != nil {
			return nil, err
		}
		ep = parsed
	}
	ep.Command = sc.Command

	var script []byte
	if sc.Script != "" {
		b, err := os.ReadFile(sc.Script)
		if err != nil {
			return nil, err
		}
		script = b
	}

	if exec == nil {
		switch sc.Kind {
		case config.SourceSSH:
			e, err := sshexec.New(sc.SSH)
			if err != nil {
				return nil, err
			}
			rt.closers = append(rt.closers, e)
			exec = e
		case config.SourceExec:
			exec = &source.ExecExecutor{Path: sc.Exec.Path, Args: sc.Exec.Args}
		default:
			return nil, fmt.Errorf("unknown kind %q", sc.Kind)
		}
	}

	return source.NewStream(sc.Kind, exec, source.StreamConfig{
		Endpoint:     ep,
		Script:       script,
		IdleTimeout:  sc.IdleTimeout(),
		MaxLineBytes: sc.MaxLineBytes,
	}), nil
}

func (rt *Runtime) buildSink() (Sink, error) {
	sc := rt.cfg.Sink
	switch sc.Kind {
	case config.SinkStdout:
		return sink.NewWriter(os.Stdout, sc.Stdout.Indent), nil
	case config.SinkTimescale:
		ts, err := sink.OpenTimescale(sc.Timescale)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, ts)
		return ts, nil
	case config.SinkNATS:
		n, err := sink.NewNATS(sc.NATS)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, n)
		return n, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", sc.Kind)
	}
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// Run blocks until ctx is cancelled or the pipeline stops on its own. It
// serves /metrics and /healthz alongside the pipeline unless metrics are
// disabled. A graceful stop returns nil.
func (rt *Runtime) Run(ctx context.Context) error {
	if rt == nil {
		return errors.New("runtime is nil")
	}
	runID := uuid.NewString()
	rt.runID.Store(runID)
	rt.obs.LogInfo("run_started",
		Field{Key: "run_id", Value: runID},
		Field{Key: "source", Value: rt.source.Name()},
		Field{Key: "sink", Value: rt.sink.Name()})

	if es, ok := rt.sink.(schemaEnsurer); ok && rt.cfg.Sink.Kind == config.SinkTimescale && rt.cfg.Sink.Timescale.CreateTable {
		if err := es.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if !rt.cfg.Metrics.Disabled {
		srv = &http.Server{
			Addr:              rt.cfg.Metrics.Addr,
			Handler:           rt.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := rt.sup.Run(gctx, runID)
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				rt.obs.LogError("metrics_shutdown_failed", serr)
			}
		}
		return err
	})

	err := g.Wait()
	if err != nil {
		rt.obs.LogCritical("run_failed", err, Field{Key: "run_id", Value: runID})
	} else {
		rt.obs.LogInfo("run_stopped", Field{Key: "run_id", Value: runID})
	}
	return err
}

// Handler serves /metrics from the runtime registry and /healthz, which
// answers 200 while the pipeline is running or degraded and 503 otherwise.
// The body is the state name.
func (rt *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := rt.State()
		if !st.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(st))
	})
	return mux
}

// State returns the current pipeline state.
func (rt *Runtime) State() State { return rt.sup.State() }

// RunID returns the id of the current or last run, empty before the first.
func (rt *Runtime) RunID() string {
	id, _ := rt.runID.Load().(string)
	return id
}

// Stats is a point-in-time view of the runtime.
type Stats struct {
	RunID  string
	State  State
	Epoch  uint64
	Queues []QueueStat
}

func (rt *Runtime) Stats() Stats {
	return Stats{
		RunID:  rt.RunID(),
		State:  rt.State(),
		Epoch:  rt.sup.Epoch(),
		Queues: rt.sup.Queues(),
	}
}

// Logger returns the logger the runtime writes to.
func (rt *Runtime) Logger() *zap.Logger { return rt.log }

// Close releases the connections and files opened by NewRuntime. Call it
// after Run returned.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if rt.log != nil {
		_ = rt.log.Sync()
	}
	return errors.Join(errs...)
}
