package tele

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	motel "go.opentelemetry.io/otel/sdk/metric"
)

const (
	MeterName  = "github.com/libp2p/go-libp2p-das"
	TracerName = "go-libp2p-das"
)

// MeterProviderOpts is a method that returns metric options. Make sure
// to register these options to your [metric.MeterProvider]. Attaching these
// options to an already existing [metric.MeterProvider] is not possible, so
// they can't be registered with the global MeterProvider that is returned by
// [otel.GetMeterProvider]. One example to register a new [metric.MeterProvider]
// would be:
//
//	provider := metric.NewMeterProvider(tele.MeterProviderOpts...) // <-- also add your options, like a metric reader
//	otel.SetMeterProvider(provider)
//
// The options are custom histogram boundaries for query latencies and batch
// sizes. DHT queries on a light client regularly run for tens of seconds, so
// the latency buckets reach further out than the usual RPC buckets.
var MeterProviderOpts = []motel.Option{
	motel.WithView(motel.NewView(
		motel.Instrument{Name: "*_query_latency", Scope: instrumentation.Scope{Name: MeterName}},
		motel.Stream{
			Aggregation: motel.AggregationExplicitBucketHistogram{
				Boundaries: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000, 30000, 60000, 120000},
			},
		},
	)),
	motel.WithView(motel.NewView(
		motel.Instrument{Name: "*_batch_size", Scope: instrumentation.Scope{Name: MeterName}},
		motel.Stream{
			Aggregation: motel.AggregationExplicitBucketHistogram{
				Boundaries: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
			},
		},
	)),
}

func AttrCacheHit(hit bool) attribute.KeyValue {
	return attribute.Bool("hit", hit)
}

// AttrCommand records the name of a command submitted to the event loop.
func AttrCommand(val string) attribute.KeyValue {
	return attribute.String("command", val)
}

// AttrQueryKind records which kind of network query produced a measurement.
func AttrQueryKind(val string) attribute.KeyValue {
	return attribute.String("query_kind", val)
}

// AttrOutcome records the failure reason of a query, or "ok".
func AttrOutcome(val string) attribute.KeyValue {
	return attribute.String("outcome", val)
}
