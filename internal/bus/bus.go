package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus or subscription.
var ErrClosed = errors.New("bus closed")

// Handler receives every message published on a channel matching a subscription prefix.
type Handler func(channel string, payload []byte)

// Subscription is an active prefix subscription.
type Subscription interface {
	// Close stops delivery. Safe to call more than once.
	Close() error
}

// Bus is the transport port.
// Implementations deliver messages to each subscription in publish order and
// count a subscription from the moment Subscribe returns.
type Bus interface {
	// Publish sends payload to every current subscriber whose prefix matches channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers h for every channel starting with prefix.
	Subscribe(ctx context.Context, prefix string, h Handler) (Subscription, error)

	// NumSub returns the number of subscribers that would receive a message
	// published on channel. Cluster-aware implementations sum across members.
	NumSub(ctx context.Context, channel string) (int, error)
}
