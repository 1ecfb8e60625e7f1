package fanout

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dagwright/flowengine/runtime"
)

// SpanEmitter mirrors a run's event log into OpenTelemetry spans, one
// instantaneous span per event, so a trace backend can show a run's
// timeline alongside any spans a Driver implementation creates for the
// commands it executes.
type SpanEmitter struct {
	tracer trace.Tracer
}

// NewSpanEmitter creates a SpanEmitter from a tracer, typically
// otel.Tracer("flowengine").
func NewSpanEmitter(tracer trace.Tracer) *SpanEmitter {
	return &SpanEmitter{tracer: tracer}
}

// Emit records ev as a zero-duration span named after its event type.
func (e *SpanEmitter) Emit(ev runtime.Event) {
	_, span := e.tracer.Start(context.Background(), string(ev.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("flowengine.run_id", ev.RunID),
		attribute.Int64("flowengine.seq", ev.Seq),
		attribute.String("flowengine.event_type", string(ev.Type)),
	)
	if ev.NodeID != "" {
		span.SetAttributes(attribute.String("flowengine.node_id", ev.NodeID))
	}

	for k, v := range ev.Data {
		span.SetAttributes(dataAttribute(k, v))
	}

	if reason, ok := ev.Data["reason"].(string); ok && ev.Type == runtime.EventNodeStatus {
		span.SetStatus(codes.Error, reason)
		span.RecordError(fmt.Errorf("%s", reason))
	}
}

func dataAttribute(key string, value any) attribute.KeyValue {
	attrKey := "flowengine.data." + key
	switch v := value.(type) {
	case string:
		return attribute.String(attrKey, v)
	case bool:
		return attribute.Bool(attrKey, v)
	case int:
		return attribute.Int(attrKey, v)
	case int64:
		return attribute.Int64(attrKey, v)
	case float64:
		return attribute.Float64(attrKey, v)
	case time.Duration:
		return attribute.Int64(attrKey, int64(v/time.Millisecond))
	default:
		return attribute.String(attrKey, fmt.Sprintf("%v", v))
	}
}
