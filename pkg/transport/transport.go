// Package transport provides the pub/sub fabric that ledger nodes gossip
// over. Two implementations ship with Accord: an in-memory Bus for wiring a
// whole cluster inside one process (tests, demos) and a Redis-backed
// transport for real deployments.
//
// The transport is payload-agnostic: it moves opaque bytes between named
// channels and never inspects message content.
package transport

import "context"

// Message is a single payload received from a channel.
type Message struct {
	Channel string
	Payload []byte
}

// PubSub is the broadcast fabric used for gossip.
//
// Subscribe returns a receive channel that is closed when the context is
// cancelled or the transport shuts down. Publish delivers to every current
// subscriber of the channel; delivery is best-effort and at-most-once per
// subscriber.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
}
