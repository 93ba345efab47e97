package logger

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	deliveryKey  contextKey = "delivery"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

func GenerateRequestID() string {
	return uuid.New().String()
}

// Delivery identifies the AMQP message a log line is about. Publishes fill Exchange,
// consumed messages fill Queue and Tag. Zero fields are left out of the log line.
type Delivery struct {
	Exchange   string
	Queue      string
	RoutingKey string
	EventID    string
	Tag        uint64
}

func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey, d)
}

func DeliveryFrom(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey).(Delivery)
	return d, ok
}
