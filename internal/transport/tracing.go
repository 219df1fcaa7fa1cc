package transport

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// propagator carries a span's trace context across the NATS control plane the same
// way it would across an HTTP call, so a "run workflow" trace spans the HTTP
// request, the dispatch to a worker, and the worker's claim handling as one trace
// instead of three disconnected ones.
var propagator = propagation.TraceContext{}

// publishMsg publishes data with ctx's trace context injected into the message
// header, so the receiving handleInbound/control-subject subscriber can continue the
// same trace.
func publishMsg(nc *nats.Conn, ctx context.Context, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// startConsumerSpan extracts a publisher's trace context from a message header and
// starts a child span around handling it, returning the span's context and an end
// function the caller defers.
func startConsumerSpan(tracerName, spanName string, msg *nats.Msg) (context.Context, func()) {
	carrier := propagation.HeaderCarrier(msg.Header)
	ctx := propagator.Extract(context.Background(), carrier)
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindConsumer))
	return ctx, span.End
}
