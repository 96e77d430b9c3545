package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

func TestSaveLoadDelete(t *testing.T) {
	ob, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer ob.Close()
	ctx := context.Background()

	now := time.Now()
	first := models.Message{
		ID: "b", ConversationID: "c1", SenderID: "u1", Kind: models.KindText,
		Body: models.TextBody{Text: "hi"}, LocalCreatedAt: now, DeliveryState: models.StateSending,
	}
	second := models.Message{
		ID: "a", ConversationID: "c1", SenderID: "u1", Kind: models.KindImage,
		Body:           models.MediaBody{Asset: models.MediaAsset{SourceURI: "/tmp/x.png"}},
		LocalCreatedAt: now.Add(time.Second), DeliveryState: models.StateUploading,
	}
	other := first
	other.ID, other.ConversationID = "z", "c2"

	require.NoError(t, ob.Save(ctx, second))
	require.NoError(t, ob.Save(ctx, first))
	require.NoError(t, ob.Save(ctx, other))

	first.DeliveryState = models.StateFailed
	first.FailureReason = "offline"
	require.NoError(t, ob.Save(ctx, first))

	got, err := ob.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, models.StateFailed, got[0].DeliveryState)
	assert.Equal(t, "offline", got[0].FailureReason)
	assert.Equal(t, models.TextBody{Text: "hi"}, got[0].Body)
	assert.Equal(t, "/tmp/x.png", got[1].Body.(models.MediaBody).Asset.SourceURI)

	require.NoError(t, ob.Delete(ctx, "b"))
	got, err = ob.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
