package realtime

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Session metrics. Instruments come from the globally registered meter
// provider; without one they are no-ops, so exporter wiring stays a caller
// concern.
var (
	metricsOnce sync.Once

	mConnects          metric.Int64Counter
	mReconnectAttempts metric.Int64Counter
	mInboundEvents     metric.Int64Counter
	mDroppedFrames     metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/notewave/realtime")
		mConnects, _ = meter.Int64Counter("realtime.session.connects",
			metric.WithDescription("Successful session connections"))
		mReconnectAttempts, _ = meter.Int64Counter("realtime.session.reconnect_attempts",
			metric.WithDescription("Scheduled reconnection attempts"))
		mInboundEvents, _ = meter.Int64Counter("realtime.session.inbound_events",
			metric.WithDescription("Inbound data channel events by type"))
		mDroppedFrames, _ = meter.Int64Counter("realtime.session.dropped_frames",
			metric.WithDescription("Malformed inbound frames dropped"))
	})
}

func countConnect() {
	initMetrics()
	mConnects.Add(context.Background(), 1)
}

func countReconnectAttempt() {
	initMetrics()
	mReconnectAttempts.Add(context.Background(), 1)
}

func countInboundEvent(eventType string) {
	initMetrics()
	mInboundEvents.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", eventType)))
}

func countDroppedFrame() {
	initMetrics()
	mDroppedFrames.Add(context.Background(), 1)
}
