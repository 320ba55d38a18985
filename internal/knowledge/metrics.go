package knowledge

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce  sync.Once
	opsCounter   otelmetric.Int64Counter
	deletedItems otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("agentdesk/knowledge")
	var err error
	opsCounter, err = meter.Int64Counter(
		"knowledge_operations_total",
		otelmetric.WithDescription("Knowledge engine operations by outcome"),
	)
	if err != nil {
		log.Printf("knowledge metrics init: knowledge_operations_total: %v", err)
	}
	deletedItems, err = meter.Int64Counter(
		"knowledge_deleted_items_total",
		otelmetric.WithDescription("Knowledge records removed by tier deletes"),
	)
	if err != nil {
		log.Printf("knowledge metrics init: knowledge_deleted_items_total: %v", err)
	}
}

func recordOperation(ctx context.Context, op string, err error) {
	metricsOnce.Do(initMetrics)
	if opsCounter == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
	}
	opsCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func recordDeleted(ctx context.Context, tier Tier, n int64) {
	metricsOnce.Do(initMetrics)
	if deletedItems == nil || n <= 0 {
		return
	}
	deletedItems.Add(ctx, n, otelmetric.WithAttributes(attribute.String("tier", tier.String())))
}
