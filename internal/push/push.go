// Package push delivers notification payloads to subscribed devices.
package push

import (
	"context"
	"errors"
	"fmt"

	"gearwatch/internal/model"
)

// ErrGone is returned when the push service reports that a subscription no
// longer exists.
var ErrGone = errors.New("subscription gone")

// Sender delivers one payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub model.Subscription, p model.Payload) error
}

// Router dispatches to a Sender by subscription kind.
type Router struct {
	senders map[model.SubscriptionKind]Sender
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{senders: make(map[model.SubscriptionKind]Sender)}
}

// Handle registers s for subscriptions of kind.
func (r *Router) Handle(kind model.SubscriptionKind, s Sender) {
	r.senders[kind] = s
}

// Send delivers p through the Sender registered for sub.Kind.
func (r *Router) Send(ctx context.Context, sub model.Subscription, p model.Payload) error {
	s, ok := r.senders[sub.Kind]
	if !ok {
		return fmt.Errorf("no transport for subscription kind %q", sub.Kind)
	}
	return s.Send(ctx, sub, p)
}
