package models

import (
	"fmt"
	"time"
)

// MessageKind identifies what a message carries.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindContact  MessageKind = "contact"
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindDocument, KindContact:
		return true
	}
	return false
}

// IsMedia reports whether messages of this kind carry an uploaded asset.
func (k MessageKind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindDocument:
		return true
	}
	return false
}

// DeliveryState tracks a locally originated message on its way to the store.
type DeliveryState string

const (
	StateComposing    DeliveryState = "composing"
	StateSending      DeliveryState = "sending"
	StateUploading    DeliveryState = "uploading"
	StateSent         DeliveryState = "sent"
	StateAcknowledged DeliveryState = "acknowledged"
	StateFailed       DeliveryState = "failed"
)

// InFlight reports whether the state still waits on a store or upload call.
func (s DeliveryState) InFlight() bool {
	switch s {
	case StateComposing, StateSending, StateUploading, StateSent:
		return true
	}
	return false
}

// Message represents a chat message
type Message struct {
	ID                string        `json:"id"`                // Generated client-side, stable from optimistic to confirmed
	ConversationID    string        `json:"conversationId"`    // ID of the chat room/conversation
	SenderID          string        `json:"senderId"`          // ID of the user sending the message
	SenderDisplayName string        `json:"senderDisplayName"` // Display name of the sender
	Kind              MessageKind   `json:"kind"`
	Body              Body          `json:"-"`
	LocalCreatedAt    time.Time     `json:"localCreatedAt"`            // Client clock at composition
	ServerCreatedAt   *time.Time    `json:"serverCreatedAt,omitempty"` // Assigned by the store on commit
	ServerSeq         uint64        `json:"serverSeq,omitempty"`       // Stream position once stored
	DeliveryState     DeliveryState `json:"deliveryState"`
	UploadProgress    float64       `json:"uploadProgress,omitempty"` // 0..1 while uploading
	FailureReason     string        `json:"failureReason,omitempty"`
}

// OrderingTime is the timestamp that positions the message in a timeline:
// the server time once known, the local composition time before that.
func (m Message) OrderingTime() time.Time {
	if m.ServerCreatedAt != nil {
		return *m.ServerCreatedAt
	}
	return m.LocalCreatedAt
}

// HasTimestamp reports whether the message can be placed on a timeline.
func (m Message) HasTimestamp() bool {
	return !m.OrderingTime().IsZero()
}

// Acknowledged reports whether the store has echoed the message back.
func (m Message) Acknowledged() bool {
	return m.DeliveryState == StateAcknowledged
}

// Validate checks the fields a record needs before it can be published.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message has no id")
	}
	if m.ConversationID == "" {
		return fmt.Errorf("message %s has no conversation", m.ID)
	}
	if m.SenderID == "" {
		return fmt.Errorf("message %s has no sender", m.ID)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("message %s has unknown kind %q", m.ID, m.Kind)
	}
	if m.Body == nil {
		return fmt.Errorf("message %s has no body", m.ID)
	}
	if err := m.Body.validateFor(m.Kind); err != nil {
		return fmt.Errorf("message %s: %w", m.ID, err)
	}
	return nil
}

// Clone returns a copy that shares no mutable pointers with m.
func (m Message) Clone() Message {
	if m.ServerCreatedAt != nil {
		t := *m.ServerCreatedAt
		m.ServerCreatedAt = &t
	}
	if m.Body != nil {
		m.Body = m.Body.clone()
	}
	return m
}

// ServerAck is returned by the store once a publish call has been accepted.
type ServerAck struct {
	Stream   string `json:"stream"`
	Sequence uint64 `json:"sequence"`
}

// DateSection is a run of messages that fall on the same calendar day.
type DateSection struct {
	Label    string    `json:"label"`
	Day      time.Time `json:"day"`
	Messages []Message `json:"messages"`
}

// ConversationPreview summarises a conversation by its newest message.
type ConversationPreview struct {
	ConversationID string  `json:"conversationId"`
	LastMessage    Message `json:"lastMessage"`
	Summary        string  `json:"summary"`
}
