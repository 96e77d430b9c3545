// Package media uploads message attachments to a blob store.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

// DefaultMaxDocumentBytes is the largest document accepted for upload.
const DefaultMaxDocumentBytes = 10 << 20

// BlobStore stores bytes under caller-chosen keys and returns their URL.
type BlobStore interface {
	PutObject(ctx context.Context, key string, data []byte, progress func(float64)) (string, error)
}

type Pipeline struct {
	blobs            BlobStore
	thumbs           Thumbnailer
	keys             *KeyGenerator
	maxDocumentBytes int64
	timeout          time.Duration
	log              zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithThumbnailer(t Thumbnailer) Option {
	return func(p *Pipeline) { p.thumbs = t }
}

func WithMaxDocumentBytes(n int64) Option {
	return func(p *Pipeline) { p.maxDocumentBytes = n }
}

// WithTimeout bounds every Upload call. Zero leaves the caller's context
// deadline in charge.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

func WithKeyGenerator(g *KeyGenerator) Option {
	return func(p *Pipeline) { p.keys = g }
}

func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

func NewPipeline(blobs BlobStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		blobs:            blobs,
		thumbs:           Thumbnails{},
		keys:             NewKeyGenerator(nil),
		maxDocumentBytes: DefaultMaxDocumentBytes,
		log:              zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Upload reads the asset's local source, stores it and returns the asset with
// RemoteURL set. Video thumbnails are required; image thumbnails are best
// effort. onProgress sees non-decreasing values and 1.0 only after every blob
// of the asset is stored. Assets that already have a RemoteURL are returned
// unchanged.
func (p *Pipeline) Upload(ctx context.Context, kind models.MessageKind, asset models.MediaAsset, onProgress func(float64)) (models.MediaAsset, error) {
	if asset.IsUploaded() {
		return asset, nil
	}
	if !kind.IsMedia() {
		return asset, &models.UploadError{Kind: models.InvalidArgument, Err: fmt.Errorf("%s messages carry no media", kind)}
	}
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	path, err := asset.LocalPath()
	if err != nil {
		return asset, &models.UploadError{Kind: models.SourceUnreadable, Err: err}
	}
	data, err := p.readSource(kind, path)
	if err != nil {
		return asset, err
	}

	out := asset
	out.ByteSize = int64(len(data))
	if out.OriginalName == "" {
		out.OriginalName = asset.Name()
	}
	if out.MIMEType == "" {
		out.MIMEType = mimetype.Detect(data).String()
	}
	key := p.keys.Key(kind, out.OriginalName)
	log := p.log.With().Str("key", key).Str("mime", out.MIMEType).Int64("bytes", out.ByteSize).Logger()

	// Thumbnails go first so the main blob's final progress tick means the
	// whole asset is stored.
	thumbURL, err := p.uploadThumbnail(ctx, kind, path, data, key)
	switch {
	case err != nil && kind == models.KindVideo:
		return asset, p.timeoutAware(err)
	case err != nil:
		log.Warn().Err(err).Msg("Skipping thumbnail")
	}
	out.ThumbnailURL = thumbURL

	last := 0.0
	url, err := p.blobs.PutObject(ctx, key, data, func(f float64) {
		if f < last {
			return
		}
		last = f
		onProgress(f)
	})
	if err != nil {
		return asset, p.timeoutAware(err)
	}
	if last < 1 {
		onProgress(1)
	}
	out.RemoteURL = url
	log.Debug().Msg("Uploaded media")
	return out, nil
}

// readSource loads the asset bytes. Documents are read through a limit so a
// file that grows after the size check is still rejected.
func (p *Pipeline) readSource(kind models.MessageKind, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &models.UploadError{Kind: models.SourceUnreadable, Err: err}
	}
	defer f.Close()

	if kind != models.KindDocument {
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, &models.UploadError{Kind: models.SourceUnreadable, Err: err}
		}
		return data, nil
	}

	tooLarge := func(size int64) error {
		return &models.UploadError{
			Kind: models.InvalidArgument,
			Err:  fmt.Errorf("document is %d bytes, limit is %d", size, p.maxDocumentBytes),
		}
	}
	if st, err := f.Stat(); err == nil && st.Size() > p.maxDocumentBytes {
		return nil, tooLarge(st.Size())
	}
	data, err := io.ReadAll(io.LimitReader(f, p.maxDocumentBytes+1))
	if err != nil {
		return nil, &models.UploadError{Kind: models.SourceUnreadable, Err: err}
	}
	if int64(len(data)) > p.maxDocumentBytes {
		return nil, tooLarge(int64(len(data)))
	}
	return data, nil
}

func (p *Pipeline) uploadThumbnail(ctx context.Context, kind models.MessageKind, path string, data []byte, key string) (string, error) {
	if p.thumbs == nil {
		return "", nil
	}
	thumb, err := p.thumbs.Thumbnail(ctx, kind, path, data)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &models.UploadError{Key: key, Kind: models.SourceUnreadable, Err: err}
	}
	if thumb == nil {
		return "", nil
	}
	return p.blobs.PutObject(ctx, ThumbnailKey(key), thumb, nil)
}

func (p *Pipeline) timeoutAware(err error) error {
	if p.timeout == 0 {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || models.KindOf(err) == models.Timeout {
		return &models.TimeoutError{Op: "upload", After: p.timeout}
	}
	return err
}
