package probe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/project-kessel/dirfed/internal/directory"
	"github.com/project-kessel/dirfed/internal/service"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeSkipped   = "skipped"
)

// metricsObserver records per-tenant counters and latencies in a Prometheus registry
type metricsObserver struct {
	service.NoOpApplicationObserver
	queries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	entities  *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	truncated *prometheus.CounterVec
}

// NewMetricsObserver registers the federation metrics with registerer and returns
// an observer that updates them. Failed tenant queries are counted with their
// error class as the outcome label.
func NewMetricsObserver(registerer prometheus.Registerer) (service.ApplicationObserver, error) {
	o := &metricsObserver{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirfed_tenant_queries_total",
			Help: "Tenant queries by outcome (succeeded, skipped or the error class).",
		}, []string{"tenant", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dirfed_tenant_query_duration_seconds",
			Help:    "Wall-clock time spent querying a tenant, retries included.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8},
		}, []string{"tenant"}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirfed_tenant_entities_total",
			Help: "Entities returned by tenants after local filtering.",
		}, []string{"tenant", "kind"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirfed_tenant_failed_attempts_total",
			Help: "Failed tenant query attempts, including those that were retried.",
		}, []string{"tenant"}),
		truncated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dirfed_tenant_truncated_queries_total",
			Help: "Tenant queries cut off at the configured page limit.",
		}, []string{"tenant", "kind"}),
	}

	for _, c := range []prometheus.Collector{o.queries, o.duration, o.entities, o.attempts, o.truncated} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *metricsObserver) FederationStarted(ctx context.Context, _ *directory.Request, _ int) (context.Context, service.FederationProbe) {
	return ctx, &metricsFederationProbe{observer: o}
}

type metricsFederationProbe struct {
	service.NoOpFederationProbe
	observer *metricsObserver
}

func (p *metricsFederationProbe) TenantQuerySkipped(tenant directory.Tenant) {
	p.observer.queries.WithLabelValues(tenant.ID, OutcomeSkipped).Inc()
}

func (p *metricsFederationProbe) TenantAttemptFailed(tenant directory.Tenant, _ int, _ error, _ bool) {
	p.observer.attempts.WithLabelValues(tenant.ID).Inc()
}

func (p *metricsFederationProbe) TenantResultsTruncated(tenant directory.Tenant, kind directory.EntityKind, _ int) {
	p.observer.truncated.WithLabelValues(tenant.ID, string(kind)).Inc()
}

func (p *metricsFederationProbe) TenantQuerySucceeded(outcome *service.Outcome) {
	p.observer.queries.WithLabelValues(outcome.TenantID, OutcomeSucceeded).Inc()
	p.observer.duration.WithLabelValues(outcome.TenantID).Observe(outcome.Elapsed.Seconds())

	for _, e := range outcome.Entities {
		p.observer.entities.WithLabelValues(outcome.TenantID, string(e.Kind)).Inc()
	}
}

func (p *metricsFederationProbe) TenantQueryFailed(outcome *service.Outcome) {
	p.observer.queries.WithLabelValues(outcome.TenantID, string(outcome.ErrorClass)).Inc()
	p.observer.duration.WithLabelValues(outcome.TenantID).Observe(outcome.Elapsed.Seconds())
}
