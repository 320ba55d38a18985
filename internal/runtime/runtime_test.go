package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/mohammad-safakhou/agentdesk/config"
)

func TestBuildPostgresDSN(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Postgres = config.PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "agentdesk"}
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		t.Fatalf("BuildPostgresDSN: %v", err)
	}
	if dsn != "postgres://u:p@db:5432/agentdesk?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", dsn)
	}

	cfg.Storage.Postgres.URL = "postgres://override"
	if dsn, _ := BuildPostgresDSN(cfg); dsn != "postgres://override" {
		t.Fatalf("url should win, got %q", dsn)
	}

	if _, err := BuildPostgresDSN(&config.Config{}); err == nil {
		t.Fatalf("expected incomplete config error")
	}
	if _, err := BuildPostgresDSN(nil); err == nil {
		t.Fatalf("expected nil config error")
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := SetupTelemetry(context.Background(), config.TelemetryConfig{}, TelemetryOptions{})
	if err != nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	if tel.MetricsHandler() != nil {
		t.Fatalf("disabled telemetry must not expose metrics")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSetupTelemetryExportsPrometheus(t *testing.T) {
	ctx := context.Background()
	tel, err := SetupTelemetry(ctx, config.TelemetryConfig{Enabled: true, ServiceName: "agentdesk-test"}, TelemetryOptions{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	defer tel.Shutdown(ctx)

	counter, err := otel.Meter("runtime-test").Int64Counter("knowledge_operations_total")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(ctx, 2, otelmetric.WithAttributes(attribute.String("op", "edit_content"), attribute.String("outcome", "ok")))

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(string(body), "knowledge_operations_total") {
		t.Fatalf("counter missing from exposition:\n%s", body)
	}
}
