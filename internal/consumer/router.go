package consumer

import (
	"context"
	"errors"
)

// Router dispatches messages to handlers registered per event type. Types
// without a route are passed to the fallback, or ignored when there is none.
type Router struct {
	routes   map[string][]Handler
	fallback Handler
}

// NewRouter creates an empty Router.
func NewRouter(fallback Handler) *Router {
	return &Router{routes: make(map[string][]Handler), fallback: fallback}
}

// On registers handlers for eventType. They run in order; the first error stops the chain.
func (r *Router) On(eventType string, handlers ...Handler) *Router {
	r.routes[eventType] = append(r.routes[eventType], handlers...)
	return r
}

// Handle implements Handler.
func (r *Router) Handle(ctx context.Context, msg Message) error {
	handlers, ok := r.routes[msg.EventType]
	if !ok {
		if r.fallback == nil {
			return nil
		}
		return r.fallback.Handle(ctx, msg)
	}
	for _, h := range handlers {
		if err := h.Handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// ErrUnexpectedEvent is returned by typed handlers given the wrong event type.
var ErrUnexpectedEvent = errors.New("unexpected event type")
