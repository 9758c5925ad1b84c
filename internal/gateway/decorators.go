package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/roach88/dashflow/internal/model"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Gateway calls by operation and result kind (ok, cancelled or the backend error kind)",
	}, []string{"op", "result"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dashflow",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Gateway call latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	dedupShared = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dashflow",
		Subsystem: "gateway",
		Name:      "metadata_dedup_shared_total",
		Help:      "Metadata fetches served by an identical in-flight request",
	})
)

// Middleware wraps a Gateway.
type Middleware func(Gateway) Gateway

// Chain applies middlewares so that the first one is outermost.
func Chain(g Gateway, mws ...Middleware) Gateway {
	for i := len(mws) - 1; i >= 0; i-- {
		g = mws[i](g)
	}
	return g
}

// RateLimited makes every call wait for a token from l. A caller cancelled
// while waiting never reaches the backend.
func RateLimited(l *rate.Limiter) Middleware {
	return func(next Gateway) Gateway {
		return &limited{next: next, l: l}
	}
}

type limited struct {
	next Gateway
	l    *rate.Limiter
}

func (g *limited) wait(ctx context.Context) error {
	return g.l.Wait(ctx)
}

func (g *limited) Execute(ctx context.Context, q model.Query) (Result, error) {
	if err := g.wait(ctx); err != nil {
		return Result{}, err
	}
	return g.next.Execute(ctx, q)
}

func (g *limited) FetchElements(ctx context.Context, req ElementsRequest) (ElementsPage, error) {
	if err := g.wait(ctx); err != nil {
		return ElementsPage{}, err
	}
	return g.next.FetchElements(ctx, req)
}

func (g *limited) GetMetadataObject(ctx context.Context, ref Ref) (MetadataObject, error) {
	if err := g.wait(ctx); err != nil {
		return MetadataObject{}, err
	}
	return g.next.GetMetadataObject(ctx, ref)
}

func (g *limited) Persist(ctx context.Context, obj MetadataObject) (Ref, error) {
	if err := g.wait(ctx); err != nil {
		return Ref{}, err
	}
	return g.next.Persist(ctx, obj)
}

// DedupMetadata shares one backend request between concurrent metadata
// fetches of the same ref. Each caller still stops waiting when its own
// context ends. The shared request runs detached from any single caller's
// cancellation.
func DedupMetadata() Middleware {
	return func(next Gateway) Gateway {
		return &dedup{Gateway: next}
	}
}

type dedup struct {
	Gateway
	flight singleflight.Group
}

func (g *dedup) GetMetadataObject(ctx context.Context, ref Ref) (MetadataObject, error) {
	ch := g.flight.DoChan(ref.String(), func() (any, error) {
		return g.Gateway.GetMetadataObject(context.WithoutCancel(ctx), ref)
	})
	select {
	case res := <-ch:
		if res.Shared {
			dedupShared.Inc()
		}
		if res.Err != nil {
			return MetadataObject{}, res.Err
		}
		return res.Val.(MetadataObject), nil
	case <-ctx.Done():
		return MetadataObject{}, ctx.Err()
	}
}

// Observed records a span and metrics for every call.
func Observed() Middleware {
	tracer := otel.Tracer("github.com/roach88/dashflow/internal/gateway")
	return func(next Gateway) Gateway {
		return &observed{next: next, tracer: tracer}
	}
}

type observed struct {
	next   Gateway
	tracer trace.Tracer
}

func (g *observed) start(ctx context.Context, op Op, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := g.tracer.Start(ctx, "gateway "+string(op), trace.WithAttributes(attrs...))
	began := time.Now()
	return ctx, func(err error) {
		callDuration.WithLabelValues(string(op)).Observe(time.Since(began).Seconds())
		callsTotal.WithLabelValues(string(op), resultLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case KindOf(err) != "":
		return string(KindOf(err))
	default:
		return string(KindUnknown)
	}
}

func (g *observed) Execute(ctx context.Context, q model.Query) (res Result, err error) {
	ctx, end := g.start(ctx, OpExecute, attribute.String("dashflow.insight", q.InsightID))
	defer func() { end(err) }()
	return g.next.Execute(ctx, q)
}

func (g *observed) FetchElements(ctx context.Context, req ElementsRequest) (page ElementsPage, err error) {
	ctx, end := g.start(ctx, OpFetchElements,
		attribute.String("dashflow.filter", req.FilterID),
		attribute.Int("dashflow.page", req.Page),
		attribute.String("dashflow.search", req.Search),
	)
	defer func() { end(err) }()
	return g.next.FetchElements(ctx, req)
}

func (g *observed) GetMetadataObject(ctx context.Context, ref Ref) (obj MetadataObject, err error) {
	ctx, end := g.start(ctx, OpGetMetadata, attribute.String("dashflow.ref", ref.String()))
	defer func() { end(err) }()
	return g.next.GetMetadataObject(ctx, ref)
}

func (g *observed) Persist(ctx context.Context, obj MetadataObject) (ref Ref, err error) {
	ctx, end := g.start(ctx, OpPersist, attribute.String("dashflow.ref", obj.Ref.String()))
	defer func() { end(err) }()
	return g.next.Persist(ctx, obj)
}
