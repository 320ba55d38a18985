package cache

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once
	lookups     otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("agentdesk/cache")
	var err error
	lookups, err = meter.Int64Counter(
		"knowledge_cache_lookups_total",
		otelmetric.WithDescription("Knowledge snapshot cache lookups by result"),
	)
	if err != nil {
		log.Printf("cache metrics init: knowledge_cache_lookups_total: %v", err)
	}
}

func recordLookup(ctx context.Context, result string) {
	metricsOnce.Do(initMetrics)
	if lookups == nil {
		return
	}
	lookups.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("result", result)))
}
