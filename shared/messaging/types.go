package messaging

import "context"

// Publisher sends an event to an exchange. Implementations block until the broker confirms.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, ev Event) error
}

// Handler applies one delivered event. A returned error requeues the message.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Subscription names the queue a consumer drains and the family it binds from exchange.
type Subscription struct {
	Queue    string
	Exchange string
	Family   Family
}

// PublishEvent publishes ev to the exchange and key derived from its kind.
func PublishEvent(ctx context.Context, pub Publisher, ev Event) error {
	route := RouteFor(ev.Kind)
	return pub.Publish(ctx, route.Exchange, route.RoutingKey, ev)
}
