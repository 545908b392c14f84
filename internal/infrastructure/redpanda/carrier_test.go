package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: "prescription.events"}
	injectTraceContext(ctx, record)
	injectTraceContext(ctx, record)

	if got := len(record.Headers); got != 1 {
		t.Fatalf("headers = %d, want 1", got)
	}
	want := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	if got := string(record.Headers[0].Value); got != want {
		t.Errorf("traceparent = %q, want %q", got, want)
	}

	remote := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if !remote.IsRemote() {
		t.Error("extracted span context should be remote")
	}
	if remote.TraceID() != traceID || remote.SpanID() != spanID {
		t.Errorf("extracted %s/%s, want %s/%s", remote.TraceID(), remote.SpanID(), traceID, spanID)
	}
}

func TestExtractWithoutHeaders(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	ctx := extractTraceContext(context.Background(), &kgo.Record{})
	if trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("expected no span context")
	}
}

func TestHeaderCarrierKeys(t *testing.T) {
	record := &kgo.Record{Headers: []kgo.RecordHeader{
		{Key: "content-type", Value: []byte("application/json")},
	}}
	c := headerCarrier{record: record}
	c.Set("tracestate", "rx=1")

	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "content-type" || keys[1] != "tracestate" {
		t.Errorf("keys = %v", keys)
	}
	if got := c.Get("tracestate"); got != "rx=1" {
		t.Errorf("Get = %q", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q", got)
	}
}
