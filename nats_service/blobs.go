package nats_service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// BlobStore keeps media in a JetStream object store bucket.
type BlobStore struct {
	obs     jetstream.ObjectStore
	baseURL string
	log     zerolog.Logger
}

// NewBlobStore opens the bucket, creating it on first use. URLs returned by
// PutObject are rooted at baseURL, which must point at a gateway serving
// GET /blobs/{key}.
func (s *NatsService) NewBlobStore(ctx context.Context, bucket, baseURL string) (*BlobStore, error) {
	obs, err := s.js.ObjectStore(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		s.log.Info().Str("bucket", bucket).Msg("Object store not found, creating")
		obs, err = s.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "Stores chat media",
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open object store '%s': %w", bucket, err)
	}
	return &BlobStore{
		obs:     obs,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     s.log,
	}, nil
}

// PutObject stores data under key. progress receives non-decreasing
// fractions while bytes are handed to the store and 1.0 once the object
// is committed.
func (b *BlobStore) PutObject(ctx context.Context, key string, data []byte, progress func(float64)) (string, error) {
	if progress == nil {
		progress = func(float64) {}
	}
	r := &progressReader{r: bytes.NewReader(data), total: int64(len(data)), report: progress}

	info, err := b.obs.Put(ctx, jetstream.ObjectMeta{Name: key}, r)
	if err != nil {
		return "", uploadError(key, err)
	}
	progress(1)
	b.log.Debug().Str("key", key).Uint64("size", info.Size).Msg("Stored blob")
	return b.URL(key), nil
}

// GetObject returns an object's reader. The caller must close it.
func (b *BlobStore) GetObject(ctx context.Context, key string) (io.ReadCloser, uint64, error) {
	res, err := b.obs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, 0, err
		}
		return nil, 0, uploadError(key, err)
	}
	info, err := res.Info()
	if err != nil {
		res.Close()
		return nil, 0, uploadError(key, err)
	}
	return res, info.Size, nil
}

// URL is the public address of key.
func (b *BlobStore) URL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return b.baseURL + "/blobs/" + strings.Join(parts, "/")
}

// progressReader reports the fraction read so far, held below 1 until the
// store confirms the write.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   float64
	report func(float64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.total > 0 {
		p.read += int64(n)
		frac := float64(p.read) / float64(p.total)
		if frac > 0.99 {
			frac = 0.99
		}
		if frac > p.last {
			p.last = frac
			p.report(frac)
		}
	}
	return n, err
}
