package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the document persisted in the message stream. Delivery state,
// upload progress and server timestamps are never part of it: the first two
// are client-only and the last is assigned by the store.
type Record struct {
	ID                string          `json:"id"`
	ConversationID    string          `json:"conversationId"`
	SenderID          string          `json:"senderId"`
	SenderDisplayName string          `json:"senderDisplayName,omitempty"`
	Kind              MessageKind     `json:"kind"`
	Body              json.RawMessage `json:"body"`
	LocalCreatedAt    time.Time       `json:"localCreatedAt"`
}

// RecordFromMessage validates m and converts it to its wire form.
func RecordFromMessage(m Message) (Record, error) {
	if err := m.Validate(); err != nil {
		return Record{}, &StoreError{Op: "encode", Kind: InvalidArgument, Err: err}
	}
	body, err := encodeBody(m.Body)
	if err != nil {
		return Record{}, &StoreError{Op: "encode", Kind: InvalidArgument, Err: err}
	}
	return Record{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		SenderID:          m.SenderID,
		SenderDisplayName: m.SenderDisplayName,
		Kind:              m.Kind,
		Body:              body,
		LocalCreatedAt:    m.LocalCreatedAt.UTC(),
	}, nil
}

// ToMessage decodes the record into a Message with no delivery state set.
func (r Record) ToMessage() (Message, error) {
	if r.ID == "" {
		return Message{}, fmt.Errorf("record has no id")
	}
	if !r.Kind.Valid() {
		return Message{}, fmt.Errorf("record %s has unknown kind %q", r.ID, r.Kind)
	}
	body, err := decodeBody(r.Kind, r.Body)
	if err != nil {
		return Message{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	return Message{
		ID:                r.ID,
		ConversationID:    r.ConversationID,
		SenderID:          r.SenderID,
		SenderDisplayName: r.SenderDisplayName,
		Kind:              r.Kind,
		Body:              body,
		LocalCreatedAt:    r.LocalCreatedAt,
	}, nil
}
