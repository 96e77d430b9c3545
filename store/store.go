// Package store declares the message store contract the sync core consumes.
package store

import (
	"context"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

// Subscription is a live snapshot feed for one conversation.
type Subscription interface {
	// Cancel stops delivery. Calling it more than once is a no-op.
	Cancel()
}

// MessageStore persists message records and streams them back.
//
// onBatch receives the full, ordered list of server-known messages of the
// conversation every time it changes, never a delta. Batches for one
// subscription are delivered one at a time in order. onError reports a
// failure of the stream itself, as opposed to a failure of a single publish.
type MessageStore interface {
	Subscribe(ctx context.Context, conversationID string, onBatch func([]models.Message), onError func(error)) (Subscription, error)
	Publish(ctx context.Context, msg models.Message) (models.ServerAck, error)
}
