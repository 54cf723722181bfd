package probe

import (
	"context"
	"log/slog"

	"github.com/project-kessel/dirfed/internal/directory"
	"github.com/project-kessel/dirfed/internal/service"
)

// loggingObserver creates request-scoped logging probes
type loggingObserver struct {
	service.NoOpApplicationObserver
	logger *slog.Logger
}

// NewLoggingObserver creates an application observer that logs federation and
// resolve events using structured logging with slog.
func NewLoggingObserver(logger *slog.Logger) service.ApplicationObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingObserver{logger: logger}
}

func (o *loggingObserver) FederationStarted(
	ctx context.Context,
	req *directory.Request,
	tenantCount int,
) (context.Context, service.FederationProbe) {
	probeLogger := o.logger.With(
		slog.String("event", "federation"),
		slog.String("request_id", req.ID),
	)

	probeLogger.LogAttrs(ctx, slog.LevelDebug, "Starting federated query",
		slog.String("input", req.Input),
		slog.Bool("exact_match", req.ExactMatch),
		slog.String("operation", string(req.Operation)),
		slog.Int("tenants", tenantCount),
	)

	return ctx, &loggingFederationProbe{
		ctx:    ctx,
		logger: probeLogger,
	}
}

// loggingFederationProbe logs the events of a single federated request
type loggingFederationProbe struct {
	service.NoOpFederationProbe
	ctx    context.Context
	logger *slog.Logger
}

func (p *loggingFederationProbe) TenantQueryStarted(plan directory.Plan) {
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "Querying tenant",
		tenantAttr(plan.Tenant),
		slog.String("user_filter", plan.Users.Filter),
		slog.String("group_filter", plan.Groups.Filter),
	)
}

func (p *loggingFederationProbe) TenantQuerySkipped(tenant directory.Tenant) {
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "No applicable filter for tenant, skipping",
		tenantAttr(tenant),
	)
}

func (p *loggingFederationProbe) TenantAttemptFailed(tenant directory.Tenant, attempt int, err error, willRetry bool) {
	level := slog.LevelWarn
	if !willRetry {
		level = slog.LevelDebug
	}
	p.logger.LogAttrs(p.ctx, level, "Tenant query attempt failed",
		tenantAttr(tenant),
		slog.Int("attempt", attempt),
		slog.Bool("will_retry", willRetry),
		slog.String("error", err.Error()),
	)
}

func (p *loggingFederationProbe) EntityFilterFailed(tenant directory.Tenant, entity directory.Entity, err error) {
	p.logger.LogAttrs(p.ctx, slog.LevelWarn, "Result filter failed, entity dropped",
		tenantAttr(tenant),
		slog.String("entity_id", entity.ID),
		slog.String("error", err.Error()),
	)
}

func (p *loggingFederationProbe) TenantResultsTruncated(tenant directory.Tenant, kind directory.EntityKind, pages int) {
	p.logger.LogAttrs(p.ctx, slog.LevelWarn, "Page limit reached, results truncated",
		slog.String("tenant_id", tenant.ID),
		slog.String("tenant_name", tenant.Name),
		slog.String("kind", string(kind)),
		slog.Int("pages", pages),
	)
}

func (p *loggingFederationProbe) TenantQuerySucceeded(outcome *service.Outcome) {
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "Tenant query succeeded",
		slog.String("tenant_id", outcome.TenantID),
		slog.String("tenant_name", outcome.TenantName),
		slog.Int("entities", len(outcome.Entities)),
		slog.Int("attempts", outcome.Attempts),
		slog.Duration("elapsed", outcome.Elapsed),
	)
}

// TenantQueryFailed logs one record per underlying error, so a tenant whose user
// and group queries both failed reports each cause.
func (p *loggingFederationProbe) TenantQueryFailed(outcome *service.Outcome) {
	for _, err := range service.Unwrap(outcome.Err) {
		p.logger.LogAttrs(p.ctx, slog.LevelError, "Tenant query failed",
			slog.String("tenant_id", outcome.TenantID),
			slog.String("tenant_name", outcome.TenantName),
			slog.String("error_class", string(outcome.ErrorClass)),
			slog.Int("attempts", outcome.Attempts),
			slog.Duration("elapsed", outcome.Elapsed),
			slog.String("error", err.Error()),
		)
	}
}

func (p *loggingFederationProbe) FederationCompleted(result *service.Result) {
	p.logger.LogAttrs(p.ctx, slog.LevelInfo, "Federated query completed",
		slog.Int("entities", len(result.Entities)),
		slog.Int("tenants", len(result.Outcomes)),
		slog.Int("failed_tenants", len(result.Failed())),
	)
}

func (p *loggingFederationProbe) End() {
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "Federation probe closed")
}

// ResolveStarted implements service.ResolveObserver
func (o *loggingObserver) ResolveStarted(ctx context.Context, transport string) (context.Context, service.ResolveProbe) {
	probeLogger := o.logger.With(
		slog.String("event", "resolve"),
		slog.String("transport", transport),
	)

	probeLogger.LogAttrs(ctx, slog.LevelDebug, "Starting resolve")

	return ctx, &loggingResolveProbe{
		ctx:    ctx,
		logger: probeLogger,
	}
}

type loggingResolveProbe struct {
	service.NoOpResolveProbe
	ctx    context.Context
	logger *slog.Logger
}

func (p *loggingResolveProbe) RequestDecoded(req *directory.Request, tenantIDs []string) {
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "Resolve request decoded",
		slog.String("input", req.Input),
		slog.String("operation", string(req.Operation)),
		slog.Any("tenant_ids", tenantIDs),
	)
}

func (p *loggingResolveProbe) RequestRejected(err error) {
	p.logger.LogAttrs(p.ctx, slog.LevelWarn, "Resolve request rejected",
		slog.String("error", err.Error()),
	)
}

func (p *loggingResolveProbe) End() {
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "Resolve completed")
}

func tenantAttr(t directory.Tenant) slog.Attr {
	return slog.Group("tenant", slog.String("id", t.ID), slog.String("name", t.Name))
}
