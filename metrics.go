package trustchain

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/trustchain-go/go-trustchain")

var tracer = otel.Tracer("github.com/trustchain-go/go-trustchain")

var (
	VerificationsCounter   metric.Int64Counter
	ResolverCallsCounter   metric.Int64Counter
	BundleCacheHitsCounter metric.Int64Counter
	CredentialsCounter     metric.Int64Counter
)

var (
	ResultValid   = attribute.String("result", "valid")
	ResultInvalid = attribute.String("result", "invalid")
)

func init() {
	var err error
	VerificationsCounter, err = meter.Int64Counter("trustchain_verifications",
		metric.WithDescription("Number of DID trust chain verifications, by result"),
	)
	if err != nil {
		panic(err)
	}
	ResolverCallsCounter, err = meter.Int64Counter("trustchain_resolver_calls",
		metric.WithDescription("Number of calls to the underlying resolver made by verifiers"),
	)
	if err != nil {
		panic(err)
	}
	BundleCacheHitsCounter, err = meter.Int64Counter("trustchain_bundle_cache_hits",
		metric.WithDescription("Number of verification bundle lookups served from a verifier's cache"),
	)
	if err != nil {
		panic(err)
	}
	CredentialsCounter, err = meter.Int64Counter("trustchain_credential_verifications",
		metric.WithDescription("Number of credential verifications, by result"),
	)
	if err != nil {
		panic(err)
	}
}

func resultAttr(err error) attribute.KeyValue {
	if err != nil {
		return ResultInvalid
	}
	return ResultValid
}
