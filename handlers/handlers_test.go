package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

type recordingSender struct {
	calls   []string
	text    string
	kind    models.MessageKind
	asset   models.MediaAsset
	contact models.ContactBody
	err     error
}

func (r *recordingSender) SendText(_ context.Context, text string) (string, error) {
	r.calls = append(r.calls, "text")
	r.text = text
	return "m-text", r.err
}

func (r *recordingSender) SendMedia(_ context.Context, kind models.MessageKind, asset models.MediaAsset) (string, error) {
	r.calls = append(r.calls, "media")
	r.kind, r.asset = kind, asset
	return "m-media", r.err
}

func (r *recordingSender) SendContact(_ context.Context, contact models.ContactBody) (string, error) {
	r.calls = append(r.calls, "contact")
	r.contact = contact
	return "m-contact", r.err
}

func (r *recordingSender) Retry(_ context.Context, id string) error {
	r.calls = append(r.calls, "retry:"+id)
	return r.err
}

func (r *recordingSender) Discard(id string) error {
	r.calls = append(r.calls, "discard:"+id)
	return r.err
}

// viewingSender also exposes a view, like a session.
type viewingSender struct {
	recordingSender
	view session.View
}

func (v *viewingSender) View() session.View { return v.view }

func mediaMessage(id string, state models.DeliveryState, remote string) models.Message {
	return models.Message{
		ID:            id,
		Kind:          models.KindDocument,
		Body:          models.MediaBody{Asset: models.MediaAsset{SourceURI: "/tmp/x", RemoteURL: remote}},
		DeliveryState: state,
	}
}

func decode(t *testing.T, raw string) Command {
	t.Helper()
	var cmd Command
	require.NoError(t, json.Unmarshal([]byte(raw), &cmd))
	return cmd
}

func TestDispatchSendText(t *testing.T) {
	g := &Gateway{}
	s := &recordingSender{}
	id, err := g.Dispatch(context.Background(), s, NewSpool(t.TempDir(), zerolog.Nop()), decode(t, `{"type":"send_text","ref":"1","text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "m-text", id)
	assert.Equal(t, "hi", s.text)
}

func TestDispatchSendMediaStagesPayload(t *testing.T) {
	g := &Gateway{}
	s := &recordingSender{}
	sp := NewSpool(t.TempDir(), zerolog.Nop())
	// "aGVsbG8=" is base64 for "hello".
	cmd := decode(t, `{"type":"send_media","kind":"document","name":"notes.txt","data":"aGVsbG8="}`)

	id, err := g.Dispatch(context.Background(), s, sp, cmd)
	require.NoError(t, err)
	assert.Equal(t, "m-media", id)
	assert.Equal(t, models.KindDocument, s.kind)
	assert.Equal(t, "notes.txt", s.asset.OriginalName)
	assert.Equal(t, int64(5), s.asset.ByteSize)

	data, err := os.ReadFile(s.asset.SourceURI)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, ".txt", s.asset.SourceURI[len(s.asset.SourceURI)-4:])
	assert.Equal(t, 1, sp.Len())
}

func TestDispatchRejectsIncompleteCommands(t *testing.T) {
	g := &Gateway{}
	s := &recordingSender{}
	sp := NewSpool(t.TempDir(), zerolog.Nop())

	_, err := g.Dispatch(context.Background(), s, sp, Command{Type: "send_media", Kind: models.KindImage})
	assert.Error(t, err)
	_, err = g.Dispatch(context.Background(), s, sp, Command{Type: "send_contact"})
	assert.Error(t, err)
	_, err = g.Dispatch(context.Background(), s, sp, Command{Type: "shout"})
	assert.Error(t, err)
	assert.Empty(t, s.calls)
}

func TestDispatchRetryDiscardAndContact(t *testing.T) {
	g := &Gateway{}
	s := &recordingSender{}
	sp := NewSpool(t.TempDir(), zerolog.Nop())

	id, err := g.Dispatch(context.Background(), s, sp, Command{Type: "retry", ID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
	_, err = g.Dispatch(context.Background(), s, sp, Command{Type: "discard", ID: "m2"})
	require.NoError(t, err)
	_, err = g.Dispatch(context.Background(), s, sp, decode(t, `{"type":"send_contact","contact":{"name":"Ada","phones":["+1"]}}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"retry:m1", "discard:m2", "contact"}, s.calls)
	assert.Equal(t, models.ContactBody{Name: "Ada", Phones: []string{"+1"}}, s.contact)

	s.err = errors.New("nope")
	_, err = g.Dispatch(context.Background(), s, sp, Command{Type: "retry", ID: "m1"})
	assert.EqualError(t, err, "nope")
}

func TestStagedFileRemovedOnAcknowledgement(t *testing.T) {
	g := &Gateway{}
	s := &viewingSender{}
	sp := NewSpool(t.TempDir(), zerolog.Nop())

	id, err := g.Dispatch(context.Background(), s, sp,
		decode(t, `{"type":"send_media","kind":"document","name":"a.txt","data":"aGVsbG8="}`))
	require.NoError(t, err)
	path := s.asset.SourceURI
	assert.FileExists(t, path)

	// Uploading from the staged file.
	sp.Observe(session.View{Messages: []models.Message{mediaMessage(id, models.StateUploading, "")}})
	assert.FileExists(t, path)

	sp.Observe(session.View{Messages: []models.Message{mediaMessage(id, models.StateAcknowledged, "")}})
	assert.NoFileExists(t, path)
	assert.Zero(t, sp.Len())
}

func TestStagedFileRemovedOnceUploaded(t *testing.T) {
	sp := NewSpool(t.TempDir(), zerolog.Nop())
	path, err := sp.Stage("a.png", []byte("png"))
	require.NoError(t, err)
	sp.Track("m1", path)

	sp.Observe(session.View{Messages: []models.Message{mediaMessage("m1", models.StateSending, "object://image/m1")}})
	assert.NoFileExists(t, path)
}

func TestStagedFileKeptForRetryAfterFailure(t *testing.T) {
	sp := NewSpool(t.TempDir(), zerolog.Nop())
	path, err := sp.Stage("a.png", []byte("png"))
	require.NoError(t, err)
	sp.Track("m1", path)

	sp.Observe(session.View{Messages: []models.Message{mediaMessage("m1", models.StateFailed, "")}})
	assert.FileExists(t, path)
	assert.Equal(t, 1, sp.Len())
}

func TestStagedFileRemovedWhenMessageLeavesView(t *testing.T) {
	sp := NewSpool(t.TempDir(), zerolog.Nop())
	path, err := sp.Stage("a.png", []byte("png"))
	require.NoError(t, err)
	sp.Track("m1", path)

	// Not rendered yet: the file stays.
	sp.Observe(session.View{})
	assert.FileExists(t, path)

	sp.Observe(session.View{Messages: []models.Message{mediaMessage("m1", models.StateFailed, "")}})
	sp.Observe(session.View{})
	assert.NoFileExists(t, path)
}

func TestDispatchDiscardRemovesStagedFile(t *testing.T) {
	g := &Gateway{}
	s := &recordingSender{}
	sp := NewSpool(t.TempDir(), zerolog.Nop())

	id, err := g.Dispatch(context.Background(), s, sp,
		decode(t, `{"type":"send_media","kind":"document","name":"a.txt","data":"aGVsbG8="}`))
	require.NoError(t, err)
	path := s.asset.SourceURI

	_, err = g.Dispatch(context.Background(), s, sp, Command{Type: "discard", ID: id})
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestDispatchSendMediaFailureRemovesStagedFile(t *testing.T) {
	g := &Gateway{}
	s := &recordingSender{err: errors.New("closed")}
	dir := t.TempDir()
	sp := NewSpool(dir, zerolog.Nop())

	_, err := g.Dispatch(context.Background(), s, sp,
		decode(t, `{"type":"send_media","kind":"document","name":"a.txt","data":"aGVsbG8="}`))
	require.Error(t, err)
	assert.NoFileExists(t, s.asset.SourceURI)
	assert.Zero(t, sp.Len())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSpoolCleanupRemovesRemainingFiles(t *testing.T) {
	dir := t.TempDir()
	sp := NewSpool(dir, zerolog.Nop())
	for _, id := range []string{"m1", "m2"} {
		path, err := sp.Stage(id+".txt", []byte(id))
		require.NoError(t, err)
		sp.Track(id, path)
	}

	sp.Cleanup()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, sp.Len())
}

type memBlobs map[string][]byte

func (m memBlobs) GetObject(_ context.Context, key string) (io.ReadCloser, uint64, error) {
	if key == "broken" {
		return nil, 0, &models.UploadError{Key: key, Kind: models.NetworkFailure, Err: errors.New("down")}
	}
	data, ok := m[key]
	if !ok {
		return nil, 0, jetstream.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), uint64(len(data)), nil
}

func TestBlobsRoute(t *testing.T) {
	app := fiber.New()
	app.Get("/blobs/*", Blobs(memBlobs{"image/1-cat.png": []byte("png-bytes")}, zerolog.Nop()))

	resp, err := app.Test(httptest.NewRequest("GET", "/blobs/image/1-cat.png", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get(fiber.HeaderContentType))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "png-bytes", string(body))

	resp, err = app.Test(httptest.NewRequest("GET", "/blobs/image/missing.png", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/blobs/broken", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestUpgradeRequiresWebSocketAndUser(t *testing.T) {
	app := fiber.New()
	app.Use("/chat", Upgrade)
	app.Get("/chat/:conversationID", func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp, err := app.Test(httptest.NewRequest("GET", "/chat/c1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)

	req := httptest.NewRequest("GET", "/chat/c1", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
