package registry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/trustchain-go/go-trustchain/registry")

var (
	IngestCursorGauge        metric.Int64Gauge
	IngestedQueueGauge       metric.Int64Gauge
	SeqQueueGauge            metric.Int64Gauge
	ValidatedQueueGauge      metric.Int64Gauge
	IngestStateGauge         metric.Int64Gauge
	LastIngestedEntryTsGauge metric.Int64Gauge
	EntriesCommittedCounter  metric.Int64Counter
	PublishCounter           metric.Int64Counter
)

var (
	IngestStateStream    = attribute.String("state", "stream")
	IngestStatePaginated = attribute.String("state", "paginated")
)

func init() {
	var err error
	IngestCursorGauge, err = meter.Int64Gauge("trustchain_registry_ingest_cursor",
		metric.WithDescription("The most recently committed upstream seq value"),
	)
	if err != nil {
		panic(err)
	}
	IngestedQueueGauge, err = meter.Int64Gauge("trustchain_registry_ingested_queue",
		metric.WithDescription("Number of items in the ingested entries channel"),
	)
	if err != nil {
		panic(err)
	}
	SeqQueueGauge, err = meter.Int64Gauge("trustchain_registry_seq_queue",
		metric.WithDescription("Number of items in the sequenced entries channel"),
	)
	if err != nil {
		panic(err)
	}
	ValidatedQueueGauge, err = meter.Int64Gauge("trustchain_registry_validated_queue",
		metric.WithDescription("Number of items in the validated entries channel"),
	)
	if err != nil {
		panic(err)
	}
	IngestStateGauge, err = meter.Int64Gauge("trustchain_registry_ingest_state",
		metric.WithDescription("Current ingest mode: 1 with state attribute (stream or paginated)"),
	)
	if err != nil {
		panic(err)
	}
	LastIngestedEntryTsGauge, err = meter.Int64Gauge("trustchain_registry_last_ingested_entry_ts",
		metric.WithDescription("Unix timestamp of the most recently ingested entry"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
	EntriesCommittedCounter, err = meter.Int64Counter("trustchain_registry_entries_committed",
		metric.WithDescription("Number of mirrored entries committed"),
	)
	if err != nil {
		panic(err)
	}
	PublishCounter, err = meter.Int64Counter("trustchain_registry_publishes",
		metric.WithDescription("Number of publish requests, by result"),
	)
	if err != nil {
		panic(err)
	}
}
