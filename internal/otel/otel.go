// Package otel turns lifecycle events into OpenTelemetry spans: one span per
// HTTP request, a child span per plan evaluation and a grandchild per
// sub-request.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanpama/fedgraph/internal/eventbus"
	"github.com/hanpama/fedgraph/internal/events"
	"github.com/hanpama/fedgraph/internal/reqid"
)

// Setup exports spans to the OTLP collector at endpoint and subscribes to
// the process event bus. An empty endpoint disables tracing. The returned
// function flushes and stops the exporter.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Register(tp.Tracer("fedgraph"))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Register attaches a span-producing subscriber using tracer to the event
// bus and returns a function that detaches it.
func Register(tracer trace.Tracer) func() {
	s := &subscriber{tracer: tracer}
	return s.register()
}

type subscriber struct {
	tracer     trace.Tracer
	httpSpans  sync.Map // request id -> trace.Span
	planSpans  sync.Map // request id -> trace.Span
	fetchSpans sync.Map // fetch id -> trace.Span
}

func (s *subscriber) parent(ctx context.Context, spans ...*sync.Map) context.Context {
	rid, _ := reqid.FromContext(ctx)
	for _, m := range spans {
		if v, ok := m.Load(rid); ok {
			return trace.ContextWithSpan(ctx, v.(trace.Span))
		}
	}
	return ctx
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register() func() {
	unsubs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
				attribute.String("request.id", rid),
			)
			s.httpSpans.Store(rid, span)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.httpSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			span.End()
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.PlanStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, &s.httpSpans), "plan.execute")
			span.SetAttributes(
				attribute.String("plan.name", e.Plan),
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.Bool("graphql.subscription", e.Subscription),
			)
			s.planSpans.Store(rid, span)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.PlanFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.planSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("graphql.error_count", e.Errors))
			end(span, e.Err)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.FetchStart) {
			_, span := s.tracer.Start(s.parent(ctx, &s.planSpans, &s.httpSpans), "fetch "+e.Service,
				trace.WithSpanKind(trace.SpanKindClient))
			span.SetAttributes(
				attribute.String("fetch.service", e.Service),
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.OperationKind),
			)
			s.fetchSpans.Store(e.ID, span)
		}),
		eventbus.Subscribe(func(ctx context.Context, e events.FetchFinish) {
			v, ok := s.fetchSpans.LoadAndDelete(e.ID)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("graphql.error_count", e.Errors))
			end(span, e.Err)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
