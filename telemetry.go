package das

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/libp2p/go-libp2p-das/tele"
)

// Telemetry is the struct that holds a reference to all metrics and the tracer.
// Initialize this struct with [NewTelemetry]. Make sure
// to also register the [tele.MeterProviderOpts] with your custom or the global
// [metric.MeterProvider].
//
// To see the documentation for each metric below, check out [NewTelemetry] and the
// metric.WithDescription() calls when initializing each metric.
type Telemetry struct {
	Tracer             trace.Tracer
	CommandsReceived   metric.Int64Counter
	PendingQueries     metric.Int64UpDownCounter
	QueriesFinished    metric.Int64Counter
	QueryLatency       metric.Float64Histogram
	GetCache           metric.Int64Counter
	BatchSize          metric.Int64Histogram
	RecordsRepublished metric.Int64Counter
	GarbageCollected   metric.Int64Counter
}

// NewWithGlobalProviders uses the global meter and tracer providers from
// opentelemetry. Check out the documentation of [tele.MeterProviderOpts] for
// implications of using this constructor.
func NewWithGlobalProviders() (*Telemetry, error) {
	return NewTelemetry(otel.GetMeterProvider(), otel.GetTracerProvider())
}

// NewTelemetry initializes a Telemetry struct with the given meter and tracer providers.
// It constructs the different metric counters and histograms. The histograms
// have custom boundaries. Therefore, the given [metric.MeterProvider] should
// have the custom view registered that [tele.MeterProviderOpts] returns.
func NewTelemetry(meterProvider metric.MeterProvider, tracerProvider trace.TracerProvider) (*Telemetry, error) {
	var err error

	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}

	t := &Telemetry{
		Tracer: tracerProvider.Tracer(tele.TracerName),
	}

	meter := meterProvider.Meter(tele.MeterName)

	t.CommandsReceived, err = meter.Int64Counter("commands_received", metric.WithDescription("Total number of commands handled by the event loop"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("commands_received counter: %w", err)
	}

	t.PendingQueries, err = meter.Int64UpDownCounter("pending_queries", metric.WithDescription("Number of network queries awaiting their terminal event"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("pending_queries counter: %w", err)
	}

	t.QueriesFinished, err = meter.Int64Counter("queries_finished", metric.WithDescription("Total number of finished network queries by kind and outcome"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("queries_finished counter: %w", err)
	}

	t.QueryLatency, err = meter.Float64Histogram("dht_query_latency", metric.WithDescription("Time from starting a network query to its terminal event"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("dht_query_latency histogram: %w", err)
	}

	t.GetCache, err = meter.Int64Counter("get_cache", metric.WithDescription("Record lookups answered from the cache, by hit or miss"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("get_cache counter: %w", err)
	}

	t.BatchSize, err = meter.Int64Histogram("put_batch_size", metric.WithDescription("Number of records per batch put"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("put_batch_size histogram: %w", err)
	}

	t.RecordsRepublished, err = meter.Int64Counter("records_republished", metric.WithDescription("Total number of records published again by maintenance"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("records_republished counter: %w", err)
	}

	t.GarbageCollected, err = meter.Int64Counter("garbage_collected", metric.WithDescription("Total number of expired store entries removed"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("garbage_collected counter: %w", err)
	}

	return t, nil
}
