// Package diagnostics provides the error, tracing, and metrics surface shared
// by every Shardis component: a single base error type carrying an ordered
// diagnostic context, a named tracer for routing/query/migration spans, and
// the stable Prometheus collectors listed in the library's metric contract.
package diagnostics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the common activity source name every public Shardis
// operation emits spans under.
const TracerName = "Shardis"

// Tracer returns the package-wide tracer. Components should call this
// rather than caching a tracer themselves so a host application's
// TracerProvider swap is picked up immediately.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// KV is one entry of an error's diagnostic context. Order is preserved so
// that logging and Error() rendering reproduce the order fields were
// attached in, which matters when later fields shadow earlier ones (e.g. a
// retried attemptCount).
type KV struct {
	Key   string
	Value any
}

// Error is the one base error type all derived kinds (RoutingError,
// StoreError, QueryError, MigrationError, InsufficientHealthyShardsError)
// build on. Kind is a short, stable, dot-free tag such as "EmptyRing" or
// "CopyFailed"; Component names the owning package ("router", "migrate", ...).
type Error struct {
	cause     error
	Component string
	Kind      string
	context   []KV
}

// New creates a diagnostics error. cause may be nil for errors that
// originate in Shardis itself rather than wrapping an I/O failure.
func New(component, kind string, cause error, context ...KV) *Error {
	return &Error{
		Component: component,
		Kind:      kind,
		cause:     cause,
		context:   append([]KV(nil), context...),
	}
}

// With returns a copy of e with an additional context entry appended.
// Errors are otherwise immutable once constructed.
func (e *Error) With(key string, value any) *Error {
	next := *e
	next.context = append(append([]KV(nil), e.context...), KV{Key: key, Value: value})
	return &next
}

// Context returns the diagnostic context as a read-only key/value map for
// logging. Later entries win on duplicate keys.
func (e *Error) Context() map[string]any {
	m := make(map[string]any, len(e.context))
	for _, kv := range e.context {
		m[kv.Key] = kv.Value
	}
	return m
}

// Error implements the error interface, rendering "<component>.<kind> [k=v, ...]: cause".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Component)
	b.WriteByte('.')
	b.WriteString(e.Kind)
	if len(e.context) > 0 {
		b.WriteString(" [")
		for i, kv := range e.context {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", kv.Key, kv.Value)
		}
		b.WriteByte(']')
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As work across the
// diagnostics boundary.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is lets callers match on kind via errors.Is(err, diagnostics.Kind("EmptyRing")),
// without needing to type-assert *Error themselves.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindMatcher)
	return ok && k.kind == e.Kind
}

type kindMatcher struct{ kind string }

func (kindMatcher) Error() string { return "" }

// Kind returns a sentinel matchable via errors.Is against any *Error of the
// given kind, regardless of component or context.
func Kind(kind string) error {
	return kindMatcher{kind: kind}
}

// Histograms and counters for the stable metric names in the library's
// external-interfaces contract. Buckets favor millisecond-scale routing and
// merge latencies; callers needing different resolution should register
// their own collectors and skip these.
var (
	QueryMergeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardis_query_merge_latency_seconds",
		Help:    "Latency of fan-out query merge completion, in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"merge_strategy", "failure_mode"})

	HealthProbeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardis_health_probe_latency_seconds",
		Help:    "Latency of individual shard health probes, in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"shard_id"})

	HealthShardSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardis_health_shard_skipped_total",
		Help: "Count of shards excluded from a query due to health status.",
	}, []string{"shard_id"})

	HealthShardRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardis_health_shard_recovered_total",
		Help: "Count of shard health transitions from unhealthy back to healthy.",
	}, []string{"shard_id"})

	RouteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardis_route_latency_seconds",
		Help:    "Latency of router.Route calls, in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"router_kind"})
)

// MustRegister registers all stable Shardis collectors against reg. Hosts
// that want these metrics on their own registry (rather than the global
// default) should pass it explicitly; tests typically pass a fresh
// prometheus.NewRegistry().
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		QueryMergeLatency,
		HealthProbeLatency,
		HealthShardSkipped,
		HealthShardRecovered,
		RouteLatency,
	)
}
