package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "multisigner", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	_, finish := p.TrackOperation(context.Background(), "workflow.sign")
	finish(errors.New("boom"))
	p.RecordMFA(context.Background(), "totp", true)
	p.RecordFinalization(context.Background(), "certificate", nil)
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	ctx, finish := p.TrackOperation(context.Background(), "workflow.view")
	require.NotNil(t, ctx)
	finish(nil)
	p.RecordCompletionConflict(ctx)
	p.RecordVerification(ctx, "verified")
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestProviderRecordsSpansAndMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)

	ctx := context.Background()
	_, finish := p.TrackOperation(ctx, "workflow.on_signer_completed", AttrRequestID.String("r-1"))
	finish(errors.New("version conflict"))
	p.RecordMFA(ctx, "backup_code", true)
	p.RecordMFA(ctx, "totp", false)
	p.RecordFinalization(ctx, "certificate", nil)
	p.RecordCompletionConflict(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(1), sumOf(t, rm, "multisigner.operations.total"))
	assert.Equal(t, int64(1), sumOf(t, rm, "multisigner.errors.total"))
	assert.Equal(t, int64(2), sumOf(t, rm, "multisigner.mfa.verifications"))
	assert.Equal(t, int64(1), sumOf(t, rm, "multisigner.finalizations"))
	assert.Equal(t, int64(1), sumOf(t, rm, "multisigner.completion.conflicts"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "workflow.on_signer_completed", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("multisigner.request.id", "r-1"))
}
