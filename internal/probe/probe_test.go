package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/project-kessel/dirfed/internal/directory"
	"github.com/project-kessel/dirfed/internal/service"
)

type clientFunc func(ctx context.Context, queries []directory.Query) ([]directory.Entity, error)

func (f clientFunc) Search(ctx context.Context, queries []directory.Query) ([]directory.Entity, error) {
	return f(ctx, queries)
}

type statusErr struct{ retryable bool }

func (e statusErr) Error() string   { return "remote failure" }
func (e statusErr) Retryable() bool { return e.retryable }

func federate(t *testing.T, observer service.ApplicationObserver) *service.Result {
	t.Helper()

	// ok answers every query and stops its group pages at a limit
	ok := clientFunc(func(ctx context.Context, queries []directory.Query) ([]directory.Entity, error) {
		var out []directory.Entity
		for _, q := range queries {
			out = append(out, directory.Entity{Kind: q.Kind, ID: string(q.Kind) + "-1"})
			if q.Kind == directory.EntityKindGroup {
				directory.ReportTruncation(ctx, q.Kind, 5)
			}
		}
		return out, nil
	})
	failing := clientFunc(func(context.Context, []directory.Query) ([]directory.Entity, error) {
		return nil, errors.Join(statusErr{}, statusErr{})
	})

	tenants := []directory.Tenant{
		{ID: "good", Name: "Good", Client: ok},
		{ID: "bad", Name: "Bad", Client: failing},
	}

	executor := service.NewExecutor(service.WithRetryDelay(time.Millisecond))
	federator := service.NewFederator(executor, observer)

	return federator.Federate(context.Background(), &directory.Request{
		ID:    "req-1",
		Input: "ann",
		Rules: directory.DefaultMappingTable(),
	}, tenants)
}

func decodeRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		records = append(records, rec)
	}
	return records
}

func TestLoggingObserver_Federation(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	result := federate(t, NewLoggingObserver(logger))
	if len(result.Failed()) != 1 {
		t.Fatalf("expected one failed tenant, got %d", len(result.Failed()))
	}

	records := decodeRecords(t, &buf)

	var failures, completed, truncated int
	for _, rec := range records {
		if rec["event"] != "federation" || rec["request_id"] != "req-1" {
			t.Errorf("record missing federation scope: %v", rec)
		}
		switch rec["msg"] {
		case "Tenant query failed":
			failures++
			if rec["tenant_id"] != "bad" || rec["error_class"] != string(service.ErrorClassAggregate) {
				t.Errorf("unexpected failure record: %v", rec)
			}
		case "Page limit reached, results truncated":
			truncated++
			if rec["tenant_id"] != "good" || rec["kind"] != "group" || rec["pages"] != float64(5) {
				t.Errorf("unexpected truncation record: %v", rec)
			}
		case "Federated query completed":
			completed++
			if rec["failed_tenants"] != float64(1) || rec["entities"] != float64(2) {
				t.Errorf("unexpected completion record: %v", rec)
			}
		}
	}

	// one record per joined error
	if failures != 2 {
		t.Errorf("expected 2 failure records, got %d", failures)
	}
	if completed != 1 {
		t.Errorf("expected 1 completion record, got %d", completed)
	}
	if truncated != 1 {
		t.Errorf("expected 1 truncation record, got %d", truncated)
	}
}

func TestLoggingObserver_Resolve(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, probe := NewLoggingObserver(logger).ResolveStarted(context.Background(), "http")
	probe.RequestDecoded(&directory.Request{Input: "ann", Operation: directory.OperationSearch}, []string{"t1"})
	probe.RequestRejected(errors.New("input is required"))
	probe.End()

	records := decodeRecords(t, &buf)
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec["event"] != "resolve" || rec["transport"] != "http" {
			t.Errorf("record missing resolve scope: %v", rec)
		}
	}
	if records[2]["level"] != "WARN" || records[2]["error"] != "input is required" {
		t.Errorf("unexpected rejection record: %v", records[2])
	}
}

func TestLoggingObserver_NilLogger(t *testing.T) {
	if NewLoggingObserver(nil) == nil {
		t.Fatal("expected observer with default logger")
	}
}

func TestMetricsObserver(t *testing.T) {
	registry := prometheus.NewRegistry()
	observer, err := NewMetricsObserver(registry)
	if err != nil {
		t.Fatalf("failed to create metrics observer: %v", err)
	}

	federate(t, observer)

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"succeeded", observer.(*metricsObserver).queries.WithLabelValues("good", OutcomeSucceeded), 1},
		{"failed by class", observer.(*metricsObserver).queries.WithLabelValues("bad", string(service.ErrorClassAggregate)), 1},
		{"users", observer.(*metricsObserver).entities.WithLabelValues("good", "user"), 1},
		{"groups", observer.(*metricsObserver).entities.WithLabelValues("good", "group"), 1},
		{"failed attempts", observer.(*metricsObserver).attempts.WithLabelValues("bad"), 1},
		{"truncated groups", observer.(*metricsObserver).truncated.WithLabelValues("good", "group"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.collector); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if n := testutil.CollectAndCount(observer.(*metricsObserver).duration); n != 2 {
		t.Errorf("expected 2 duration series, got %d", n)
	}
}

func TestMetricsObserver_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewMetricsObserver(registry); err != nil {
		t.Fatal(err)
	}
	if _, err := NewMetricsObserver(registry); err == nil {
		t.Error("expected error registering metrics twice")
	}
}

func TestCompositeObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	metrics, err := NewMetricsObserver(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}

	federate(t, service.NewCompositeObserver(NewLoggingObserver(logger), metrics))

	if !strings.Contains(buf.String(), "Federated query completed") {
		t.Error("logging observer did not receive events")
	}
	if n := testutil.CollectAndCount(metrics.(*metricsObserver).queries); n != 2 {
		t.Errorf("expected 2 query series, got %d", n)
	}
}
