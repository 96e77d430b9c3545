package nats_service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/store"
)

var _ store.MessageStore = (*NatsService)(nil)

// Subscription is a live per-conversation snapshot feed.
type Subscription struct {
	svc      *NatsService
	consumer string
	consume  jetstream.ConsumeContext
	stopOnce sync.Once

	mu      sync.Mutex
	order   []string
	records map[string]models.Message
}

// Cancel stops delivery immediately. It is safe to call more than once.
func (sub *Subscription) Cancel() {
	sub.stopOnce.Do(func() {
		sub.consume.Stop()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sub.svc.js.DeleteConsumer(ctx, sub.svc.cfg.StreamName, sub.consumer); err != nil {
				sub.svc.log.Debug().Err(err).Str("consumer", sub.consumer).Msg("Consumer cleanup failed, relying on inactivity threshold")
			}
		}()
	})
}

// apply folds one stream message into the snapshot. Redelivered ids replace
// the earlier copy in place.
func (sub *Subscription) apply(msg models.Message) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if _, ok := sub.records[msg.ID]; !ok {
		sub.order = append(sub.order, msg.ID)
	}
	sub.records[msg.ID] = msg
}

func (sub *Subscription) snapshot() []models.Message {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := make([]models.Message, 0, len(sub.order))
	for _, id := range sub.order {
		out = append(out, sub.records[id].Clone())
	}
	return out
}

// Subscribe delivers the full ordered snapshot of a conversation to onBatch
// every time the stream changes, once the consumer has caught up with the
// backlog. Consumer errors go to onError. Each call creates an independent
// consumer.
func (s *NatsService) Subscribe(
	ctx context.Context,
	conversationID string,
	onBatch func([]models.Message),
	onError func(error),
) (store.Subscription, error) {
	if err := validToken(conversationID); err != nil {
		return nil, &models.StoreError{Op: "subscribe", Kind: models.InvalidArgument, Err: err}
	}
	subject := s.getSubject(conversationID)

	// Ephemeral consumers start from the first stored message so every
	// subscriber rebuilds the whole conversation.
	cons, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.StreamName, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, storeError("subscribe", fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err))
	}

	info := cons.CachedInfo()
	sub := &Subscription{
		svc:      s,
		consumer: info.Name,
		records:  make(map[string]models.Message),
	}

	s.log.Debug().Str("subject", subject).Uint64("pending", info.NumPending).Msg("Subscribing")

	// Nothing stored yet: the empty snapshot goes out before any live message
	// can be delivered.
	if info.NumPending == 0 {
		onBatch(sub.snapshot())
	}

	consumeCtx, err := cons.Consume(func(jsMsg jetstream.Msg) {
		pending := uint64(0)
		meta, metaErr := jsMsg.Metadata()
		if metaErr == nil {
			pending = meta.NumPending
		}

		if msg, err := decodeRecord(jsMsg.Data()); err != nil {
			s.log.Warn().Err(err).Str("subject", jsMsg.Subject()).Msg("Skipping bad record")
		} else {
			if metaErr == nil {
				ts := meta.Timestamp.UTC()
				msg.ServerCreatedAt = &ts
				msg.ServerSeq = meta.Sequence.Stream
			}
			sub.apply(msg)
		}

		// A bad record still moves the consumer; the snapshot goes out once
		// it has caught up with the stream.
		if pending == 0 {
			onBatch(sub.snapshot())
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if onError != nil {
			onError(storeError("subscribe", err))
		}
	}))
	if err != nil {
		return nil, storeError("subscribe", fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err))
	}
	sub.consume = consumeCtx
	return sub, nil
}

func decodeRecord(data []byte) (models.Message, error) {
	var rec models.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.Message{}, fmt.Errorf("undecodable record: %w", err)
	}
	msg, err := rec.ToMessage()
	if err != nil {
		return models.Message{}, fmt.Errorf("invalid record: %w", err)
	}
	return msg, nil
}

// Publish stores one message. The message id doubles as the JetStream
// de-duplication id so a retried publish is stored once.
func (s *NatsService) Publish(ctx context.Context, msg models.Message) (models.ServerAck, error) {
	rec, err := models.RecordFromMessage(msg)
	if err != nil {
		return models.ServerAck{}, err
	}
	if err := validToken(rec.ConversationID); err != nil {
		return models.ServerAck{}, &models.StoreError{Op: "publish", Kind: models.InvalidArgument, Err: err}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return models.ServerAck{}, &models.StoreError{Op: "publish", Kind: models.InvalidArgument, Err: err}
	}

	subject := s.getSubject(rec.ConversationID)
	ack, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(rec.ID))
	if err != nil {
		return models.ServerAck{}, storeError("publish", fmt.Errorf("failed to publish message to subject '%s': %w", subject, err))
	}
	s.log.Debug().Str("subject", subject).Str("id", rec.ID).Uint64("seq", ack.Sequence).Bool("duplicate", ack.Duplicate).Msg("Published message")
	return models.ServerAck{Stream: ack.Stream, Sequence: ack.Sequence}, nil
}

// validToken checks that a conversation id is a single NATS subject token.
func validToken(id string) error {
	if id == "" {
		return fmt.Errorf("empty conversation id")
	}
	if strings.ContainsAny(id, ".*> \t\r\n") {
		return fmt.Errorf("conversation id %q is not a valid subject token", id)
	}
	return nil
}
