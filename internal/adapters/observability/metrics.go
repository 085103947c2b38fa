package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

const (
	MetricRecordsReceived  = ports.MetricRecordsReceived
	MetricRecordsDelivered = ports.MetricRecordsDelivered
	MetricRecordsFiltered  = ports.MetricRecordsFiltered
	MetricRecordsDropped   = ports.MetricRecordsDropped
	MetricDecodeErrors     = ports.MetricDecodeErrors
	MetricSinkErrors       = ports.MetricSinkErrors
	MetricStageRestarts    = ports.MetricStageRestarts
	MetricPipelineState    = ports.MetricPipelineState
	MetricEpoch            = ports.MetricEpoch
	MetricQueueLength      = ports.MetricQueueLength
	MetricSinkLatency      = ports.MetricSinkLatency
)

// Obs logs through zap and records Prometheus metrics.
type Obs struct {
	log *zap.Logger

	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer

	dropped    *prometheus.CounterVec
	sinkErrors *prometheus.CounterVec
	restarts   *prometheus.CounterVec
	state      *prometheus.GaugeVec
	queueLen   *prometheus.GaugeVec
}

// New registers the tether metrics on reg (the default registerer when nil).
// Registering twice on the same registry reuses the existing collectors.
func New(reg prometheus.Registerer, log *zap.Logger) *Obs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if log == nil {
		log = zap.NewNop()
	}

	received := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricRecordsReceived,
		Help: "Records read from the source.",
	}))
	delivered := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricRecordsDelivered,
		Help: "Records acknowledged by the sink.",
	}))
	filtered := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricRecordsFiltered,
		Help: "Records removed by a transform filter.",
	}))
	decodeErrors := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricDecodeErrors,
		Help: "Source lines that failed to decode.",
	}))
	epoch := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: MetricEpoch,
		Help: "Current source connection epoch.",
	}))
	latency := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    MetricSinkLatency,
		Help:    "Time from dequeue to sink acknowledgement, retries included.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}))

	return &Obs{
		log: log,
		counters: map[string]prometheus.Counter{
			MetricRecordsReceived:  received,
			MetricRecordsDelivered: delivered,
			MetricRecordsFiltered:  filtered,
			MetricDecodeErrors:     decodeErrors,
		},
		gauges: map[string]prometheus.Gauge{
			MetricEpoch: epoch,
		},
		histos: map[string]prometheus.Observer{
			MetricSinkLatency: latency,
		},
		dropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRecordsDropped,
			Help: "Records lost, by reason.",
		}, []string{"reason"})),
		sinkErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSinkErrors,
			Help: "Sink write failures, by classification.",
		}, []string{"kind"})),
		restarts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricStageRestarts,
			Help: "Stage restart attempts.",
		}, []string{"stage"})),
		state: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricPipelineState,
			Help: "1 for the current pipeline state, 0 otherwise.",
		}, []string{"state"})),
		queueLen: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricQueueLength,
			Help: "Records buffered between stages.",
		}, []string{"queue"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Logger exposes the underlying zap logger.
func (o *Obs) Logger() *zap.Logger { return o.log }

func (o *Obs) LogInfo(msg string, fields ...ports.Field) {
	o.log.Info(msg, zapFields(fields)...)
}

func (o *Obs) LogError(msg string, err error, fields ...ports.Field) {
	o.log.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (o *Obs) LogCritical(msg string, err error, fields ...ports.Field) {
	o.log.Error(msg, append(zapFields(fields), zap.Error(err), zap.Bool("critical", true))...)
}

func (o *Obs) IncCounter(name string, v float64) {
	if c, ok := o.counters[name]; ok {
		c.Add(v)
	}
}

func (o *Obs) ObserveLatency(name string, seconds float64) {
	if h, ok := o.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (o *Obs) SetGauge(name string, v float64) {
	if g, ok := o.gauges[name]; ok {
		g.Set(v)
	}
}

func (o *Obs) SetQueueLength(queue string, n int) {
	o.queueLen.WithLabelValues(queue).Set(float64(n))
}

// RecordEvent updates the event-driven metrics and logs the event.
func (o *Obs) RecordEvent(ev domain.Event) {
	fields := eventFields(ev)

	switch ev.Kind {
	case domain.EventStateTransition:
		for _, s := range domain.States {
			v := 0.0
			if s == ev.To {
				v = 1
			}
			o.state.WithLabelValues(string(s)).Set(v)
		}
		if ev.To == domain.StateFailed {
			o.log.Error("pipeline state", append(fields, zap.Error(ev.Err))...)
			return
		}
		o.log.Info("pipeline state", fields...)

	case domain.EventRecordDropped:
		o.dropped.WithLabelValues(string(ev.Reason)).Inc()
		o.log.Warn("record dropped", append(fields, zap.Error(ev.Err))...)

	case domain.EventDecodeError:
		o.counters[MetricDecodeErrors].Inc()
		o.log.Warn("decode error", append(fields, zap.ByteString("raw", truncate(ev.Raw, 256)), zap.Error(ev.Err))...)

	case domain.EventSinkError:
		kind := domain.SinkTransient
		if domain.IsFatalSinkError(ev.Err) {
			kind = domain.SinkFatal
		}
		o.sinkErrors.WithLabelValues(string(kind)).Inc()
		o.log.Warn("sink error", append(fields, zap.String("kind", string(kind)), zap.Error(ev.Err))...)

	case domain.EventTransformError:
		o.log.Warn("transform error", append(fields, zap.Error(ev.Err))...)

	case domain.EventStageRestart:
		o.restarts.WithLabelValues(string(ev.Stage)).Inc()
		o.log.Info("stage restart", append(fields, zap.Error(ev.Err))...)
	}
}

func eventFields(ev domain.Event) []zap.Field {
	fields := []zap.Field{zap.String("event", string(ev.Kind))}
	if ev.RunID != "" {
		fields = append(fields, zap.String("run_id", ev.RunID))
	}
	if ev.Stage != "" {
		fields = append(fields, zap.String("stage", string(ev.Stage)))
	}
	if ev.Kind == domain.EventStateTransition {
		fields = append(fields, zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
	}
	if ev.Kind == domain.EventRecordDropped {
		fields = append(fields, zap.String("reason", string(ev.Reason)))
	}
	if ev.Record != nil || ev.Kind == domain.EventDecodeError {
		fields = append(fields, zap.Uint64("epoch", ev.Epoch), zap.Uint64("seq", ev.Seq))
	}
	if ev.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", ev.Attempt))
	}
	return fields
}

func zapFields(fields []ports.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

var _ ports.Observability = (*Obs)(nil)
