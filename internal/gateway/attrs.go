package gateway

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxgate/voxgate/internal/protocol"
)

// Pre-built attribute sets for the hot paths.
var (
	rejectedAttr = metric.WithAttributes(attribute.String("reason", "rejected"))
	replacedAttr = metric.WithAttributes(attribute.String("reason", "replaced"))
	evictedAttr  = metric.WithAttributes(attribute.String("reason", "evicted"))
)

func transportAttr(t protocol.Transport) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("transport", string(t)))
}

var (
	vadOnsetAttr  = metric.WithAttributes(attribute.String("edge", "onset"))
	vadOffsetAttr = metric.WithAttributes(attribute.String("edge", "offset"))
)

func vadEdgeAttr(toVoice bool) metric.MeasurementOption {
	if toVoice {
		return vadOnsetAttr
	}
	return vadOffsetAttr
}
