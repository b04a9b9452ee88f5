package kafka

import (
	"context"
	"sort"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func toKafkaHeaders(headers map[string]string) []kafkago.Header {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kafkago.Header, 0, len(headers))
	for _, k := range keys {
		out = append(out, kafkago.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}

// fromKafkaHeaders flattens record headers. A repeated key keeps its last value.
func fromKafkaHeaders(headers []kafkago.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

// extractTraceContext continues the producer's trace from the record headers.
func extractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
