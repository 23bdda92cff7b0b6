package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vqlapi/internal/logging"
	"vqlapi/internal/metrics"
	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
)

// observed wraps a procedure with a span, metrics and an execution log line.
type observed struct {
	procedure.Procedure
	definition string
	operation  string
	tracer     trace.Tracer
	metrics    *metrics.QueryMetrics
	logger     *logging.Logger
}

func (o *observed) Execute(ctx context.Context, criteria ...procedure.Criterion) (*procedure.Result, error) {
	ctx, span := o.tracer.Start(ctx, "procedure "+o.operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("query.definition", o.definition),
			attribute.String("query.operation", o.operation),
			attribute.Int("query.criteria", len(criteria)),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := o.Procedure.Execute(ctx, criteria...)
	elapsed := time.Since(start)

	o.metrics.Observe(o.definition, o.operation, elapsed, err)

	entry := logging.Fields{
		"msg":        "query_executed",
		"request_id": logging.RequestID(ctx),
		"definition": o.definition,
		"operation":  o.operation,
		"criteria":   len(criteria),
		"latency_ms": float64(elapsed.Microseconds()) / 1000.0,
		"status":     "ok",
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry["status"] = "error"
		entry["error"] = err.Error()
	} else {
		span.SetAttributes(
			attribute.Int("query.rows", len(res.Rows)),
			attribute.Int64("query.rows_affected", res.RowsAffected),
		)
		entry["rows"] = len(res.Rows)
		entry["rows_affected"] = res.RowsAffected
	}
	o.logger.Log(entry)
	return res, err
}

func (s *queryService) observe(def, op string, p procedure.Procedure) procedure.Procedure {
	if p == nil {
		return nil
	}
	return &observed{
		Procedure:  p,
		definition: def,
		operation:  op,
		tracer:     s.tracer,
		metrics:    s.metrics,
		logger:     s.logger,
	}
}

func (s *queryService) observeSet(def string, set model.Set) model.Set {
	return model.Set{
		Select: s.observe(def, string(model.OpSelect), set.Select),
		Update: s.observe(def, string(model.OpUpdate), set.Update),
		Insert: s.observe(def, string(model.OpInsert), set.Insert),
		Delete: s.observe(def, string(model.OpDelete), set.Delete),
	}
}
