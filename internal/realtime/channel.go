// Package realtime provides the meeting data-channel seam the reaction
// fan-out publishes on. Delivery is best-effort: no application-level acks,
// no retries. Two implementations exist: a websocket client dialing the
// meeting transport, and a Redis pub/sub bridge for co-located deployments
// and integration tests.
package realtime

import "context"

// Participant identifies the sender of an inbound data-channel message.
type Participant struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

// MessageHandler is invoked by the transport for each inbound payload.
// Handlers must not block; heavy work belongs on the receiver's side.
type MessageHandler func(payload []byte, sender Participant)

// DataChannel is the publish/subscribe surface of the meeting transport.
type DataChannel interface {
	// Publish broadcasts payload to all meeting participants, best-effort.
	Publish(ctx context.Context, payload []byte) error
	// SetHandler registers the inbound message callback. Registered once per
	// session; a nil handler detaches the previous one.
	SetHandler(h MessageHandler)
	// Close tears down the transport. Publish after Close returns an error.
	Close() error
}
