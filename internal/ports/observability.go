package ports

import "github.com/ghalamif/Tether/internal/domain"

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)
	SetQueueLength(queue string, n int)

	RecordEvent(ev domain.Event)
}

// EventHandler is called synchronously for every pipeline event.
type EventHandler func(domain.Event)

type Field struct {
	Key   string
	Value any
}

// Metric names shared by the pipeline and the observability adapters.
const (
	MetricRecordsReceived  = "tether_records_received_total"
	MetricRecordsDelivered = "tether_records_delivered_total"
	MetricRecordsFiltered  = "tether_records_filtered_total"
	MetricRecordsDropped   = "tether_records_dropped_total"
	MetricDecodeErrors     = "tether_decode_errors_total"
	MetricSinkErrors       = "tether_sink_errors_total"
	MetricStageRestarts    = "tether_stage_restarts_total"
	MetricPipelineState    = "tether_pipeline_state"
	MetricEpoch            = "tether_epoch"
	MetricQueueLength      = "tether_queue_length"
	MetricSinkLatency      = "tether_sink_latency_seconds"
)
