package handlers

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

// BlobReader opens stored objects by key.
type BlobReader interface {
	GetObject(ctx context.Context, key string) (io.ReadCloser, uint64, error)
}

// Blobs serves GET /blobs/* from the blob store.
func Blobs(blobs BlobReader, log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, err := url.PathUnescape(c.Params("*"))
		if err != nil || key == "" {
			return fiber.ErrBadRequest
		}

		rc, size, err := blobs.GetObject(c.UserContext(), key)
		if err != nil {
			if errors.Is(err, jetstream.ErrObjectNotFound) {
				return fiber.ErrNotFound
			}
			log.Warn().Err(err).Str("key", key).Msg("Failed to read blob")
			switch models.KindOf(err) {
			case models.InvalidArgument:
				return fiber.ErrBadRequest
			case models.PermissionDenied, models.QuotaExceeded:
				return fiber.ErrForbidden
			case models.Timeout:
				return fiber.ErrGatewayTimeout
			}
			return fiber.ErrServiceUnavailable
		}

		if ext := filepath.Ext(key); ext != "" {
			c.Type(ext)
		}
		c.Set(fiber.HeaderCacheControl, "public, max-age=31536000, immutable")
		return c.SendStream(rc, int(size))
	}
}
