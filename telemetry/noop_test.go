package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoopImplementationsDoNotPanic(t *testing.T) {
	ctx := context.Background()

	logger := NewNoopLogger()
	logger.Debug(ctx, "msg", "k", "v")
	logger.Info(ctx, "msg")
	logger.Warn(ctx, "msg")
	logger.Error(ctx, "msg")

	metrics := NewNoopMetrics()
	metrics.IncCounter("c", 1)
	metrics.RecordTimer("t", time.Millisecond)
	metrics.RecordGauge("g", 1)

	tracer := NewNoopTracer()
	newCtx, span := tracer.Start(ctx, "op")
	require.Equal(t, ctx, newCtx)
	span.AddEvent("evt")
	span.End()

	require.NotNil(t, tracer.Span(ctx))
}
