package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	steps   []float64
	err     error
	block   chan struct{}
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) PutObject(ctx context.Context, key string, data []byte, progress func(float64)) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	if progress != nil {
		for _, s := range f.steps {
			progress(s)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return "http://blobs/" + key, nil
}

func (f *fakeBlobs) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

type stubThumbs struct {
	data []byte
	err  error
}

func (s stubThumbs) Thumbnail(context.Context, models.MessageKind, string, []byte) ([]byte, error) {
	return s.data, s.err
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestUploadImageReportsProgressAndThumbnail(t *testing.T) {
	blobs := newFakeBlobs()
	blobs.steps = []float64{0.0, 0.3, 1.0}
	p := NewPipeline(blobs, WithThumbnailer(Thumbnails{Size: 64}))

	var seen []float64
	asset, err := p.Upload(context.Background(), models.KindImage,
		models.MediaAsset{SourceURI: "file://" + writePNG(t, 400, 200)},
		func(f float64) { seen = append(seen, f) })
	require.NoError(t, err)

	assert.Equal(t, []float64{0.0, 0.3, 1.0}, seen)
	assert.True(t, asset.IsUploaded())
	assert.Equal(t, "image/png", asset.MIMEType)
	assert.Equal(t, "cat.png", asset.OriginalName)
	assert.NotEmpty(t, asset.ThumbnailURL)
	assert.True(t, strings.HasPrefix(asset.RemoteURL, "http://blobs/image/"))

	var thumbKey string
	for _, k := range blobs.keys() {
		if strings.HasPrefix(k, "thumbnails/") {
			thumbKey = k
		}
	}
	require.NotEmpty(t, thumbKey)
	thumb, _, err := image.Decode(bytes.NewReader(blobs.objects[thumbKey]))
	require.NoError(t, err)
	assert.Equal(t, 64, thumb.Bounds().Dx())
	assert.Equal(t, 32, thumb.Bounds().Dy())
}

func TestUploadVideoRequiresThumbnail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really a video"), 0o600))

	blobs := newFakeBlobs()
	p := NewPipeline(blobs, WithThumbnailer(stubThumbs{err: errors.New("no frames")}))
	_, err := p.Upload(context.Background(), models.KindVideo, models.MediaAsset{SourceURI: path}, nil)
	require.Error(t, err)
	assert.Equal(t, models.SourceUnreadable, models.KindOf(err))
	assert.Empty(t, blobs.keys())

	p = NewPipeline(blobs, WithThumbnailer(stubThumbs{data: []byte("jpeg")}))
	asset, err := p.Upload(context.Background(), models.KindVideo, models.MediaAsset{SourceURI: path}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, asset.ThumbnailURL)
	assert.Len(t, blobs.keys(), 2)
}

func TestUploadRejectsLargeDocumentBeforeUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.pdf")
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o600))

	blobs := newFakeBlobs()
	p := NewPipeline(blobs, WithMaxDocumentBytes(1024))
	_, err := p.Upload(context.Background(), models.KindDocument, models.MediaAsset{SourceURI: path}, nil)
	require.Error(t, err)
	assert.Equal(t, models.InvalidArgument, models.KindOf(err))
	assert.Empty(t, blobs.keys())
}

func TestUploadLimitsDocumentBytesActuallyRead(t *testing.T) {
	// A fifo reports size 0 on stat, like a file that grows after the check.
	path := filepath.Join(t.TempDir(), "stream.pdf")
	if err := syscall.Mkfifo(path, 0o600); err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	go func() {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer f.Close()
		f.Write(make([]byte, 2048))
	}()

	blobs := newFakeBlobs()
	p := NewPipeline(blobs, WithMaxDocumentBytes(1024))
	_, err := p.Upload(context.Background(), models.KindDocument, models.MediaAsset{SourceURI: path}, nil)
	require.Error(t, err)
	assert.Equal(t, models.InvalidArgument, models.KindOf(err))
	assert.Empty(t, blobs.keys())
}

func TestUploadMissingSource(t *testing.T) {
	p := NewPipeline(newFakeBlobs())
	_, err := p.Upload(context.Background(), models.KindAudio,
		models.MediaAsset{SourceURI: filepath.Join(t.TempDir(), "gone.m4a")}, nil)
	assert.Equal(t, models.SourceUnreadable, models.KindOf(err))
}

func TestUploadNeverReuploads(t *testing.T) {
	blobs := newFakeBlobs()
	p := NewPipeline(blobs)
	in := models.MediaAsset{SourceURI: "/nowhere", RemoteURL: "http://blobs/image/1-a.png"}
	out, err := p.Upload(context.Background(), models.KindImage, in, nil)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Empty(t, blobs.keys())
}

func TestUploadTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3"), 0o600))

	blobs := newFakeBlobs()
	blobs.block = make(chan struct{})
	defer close(blobs.block)

	p := NewPipeline(blobs, WithTimeout(20*time.Millisecond))
	_, err := p.Upload(context.Background(), models.KindAudio, models.MediaAsset{SourceURI: path}, nil)
	var te *models.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 20*time.Millisecond, te.After)
}

func TestKeysAreUniqueAndMonotonic(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	g := NewKeyGenerator(func() time.Time { return frozen })

	a := g.Key(models.KindImage, "my photo.png")
	b := g.Key(models.KindImage, "my photo.png")
	assert.Equal(t, "image/1700000000000-my_photo.png", a)
	assert.Equal(t, "image/1700000000001-my_photo.png", b)
	assert.Equal(t, "thumbnails/image/1700000000000-my_photo.jpg", ThumbnailKey(a))
}
