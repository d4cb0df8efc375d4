package taskrelay

import "context"

// Handler processes a single delivery. *Mux and *Worker implement it.
type Handler interface {
	// Deliver handles d and returns an error when it should be redelivered.
	Deliver(ctx context.Context, d Delivery) error
}

// DeliveryFunc adapts a function to Handler. A non-nil error asks the transport to redeliver.
type DeliveryFunc func(ctx context.Context, d Delivery) error

// Deliver implements Handler.
func (fn DeliveryFunc) Deliver(ctx context.Context, d Delivery) error {
	return fn(ctx, d)
}
