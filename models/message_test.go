package models

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONKeepsBodyVariant(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Kind:           KindVideo,
		Body: MediaBody{Asset: MediaAsset{
			RemoteURL:    "http://blobs/video/1-clip.mp4",
			ThumbnailURL: "http://blobs/thumbnails/1-clip.jpg",
			MIMEType:     "video/mp4",
		}},
		LocalCreatedAt: created,
		DeliveryState:  StateSent,
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	body, ok := decoded.Body.(MediaBody)
	require.True(t, ok, "expected MediaBody, got %T", decoded.Body)
	assert.Equal(t, "video/mp4", body.Asset.MIMEType)
	assert.Equal(t, StateSent, decoded.DeliveryState)
	assert.True(t, decoded.LocalCreatedAt.Equal(created))
}

func TestValidateRejectsMismatchedBody(t *testing.T) {
	msg := Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Kind:           KindImage,
		Body:           TextBody{Text: "hi"},
	}
	assert.Error(t, msg.Validate())

	msg.Kind = KindText
	assert.NoError(t, msg.Validate())

	msg.Body = TextBody{Text: "   "}
	assert.Error(t, msg.Validate())
}

func TestRecordRoundTripDropsClientState(t *testing.T) {
	msg := Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Kind:           KindContact,
		Body:           ContactBody{Name: "Ada", Phones: []string{"+1 555"}},
		LocalCreatedAt: time.Now(),
		DeliveryState:  StateSending,
		UploadProgress: 0.5,
	}

	rec, err := RecordFromMessage(msg)
	require.NoError(t, err)

	back, err := rec.ToMessage()
	require.NoError(t, err)
	assert.Equal(t, DeliveryState(""), back.DeliveryState)
	assert.Zero(t, back.UploadProgress)
	assert.Equal(t, ContactBody{Name: "Ada", Phones: []string{"+1 555"}}, back.Body)
}

func TestRecordFromInvalidMessageIsInvalidArgument(t *testing.T) {
	_, err := RecordFromMessage(Message{ID: "m1"})
	require.Error(t, err)
	assert.Equal(t, InvalidArgument, KindOf(err))
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("publish: %w", &StoreError{Op: "publish", Kind: PermissionDenied})
	assert.Equal(t, PermissionDenied, KindOf(wrapped))
	assert.Equal(t, QuotaExceeded, KindOf(&UploadError{Kind: QuotaExceeded, Err: fmt.Errorf("full")}))
	assert.Equal(t, Timeout, KindOf(&TimeoutError{Op: "upload", After: time.Second}))
	assert.Equal(t, Timeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, Unknown, KindOf(fmt.Errorf("boom")))
}

func TestLocalPath(t *testing.T) {
	p, err := MediaAsset{SourceURI: "file:///tmp/a.png"}.LocalPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.png", p)

	p, err = MediaAsset{SourceURI: "/tmp/b.png"}.LocalPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/b.png", p)

	_, err = MediaAsset{SourceURI: "content://media/1"}.LocalPath()
	assert.Error(t, err)
}
