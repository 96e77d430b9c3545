package nats_service

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

// JetStream API error codes with a fixed meaning for the client.
const (
	jsInsufficientResources    jetstream.ErrorCode = 10023
	jsMemoryResourcesExceeded  jetstream.ErrorCode = 10028
	jsNotEnabledForAccount     jetstream.ErrorCode = 10039
	jsStorageResourcesExceeded jetstream.ErrorCode = 10047
)

func classify(err error) models.ErrorKind {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case jsInsufficientResources, jsMemoryResourcesExceeded, jsStorageResourcesExceeded:
			return models.QuotaExceeded
		case jsNotEnabledForAccount:
			return models.Unavailable
		}
		switch apiErr.Code {
		case 400:
			return models.InvalidArgument
		case 401, 403:
			return models.PermissionDenied
		case 503:
			return models.Unavailable
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return models.Timeout
	case errors.Is(err, nats.ErrPermissionViolation), errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired):
		return models.PermissionDenied
	case errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, jetstream.ErrInvalidSubject):
		return models.InvalidArgument
	case errors.Is(err, nats.ErrNoServers), errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, jetstream.ErrJetStreamNotEnabled), errors.Is(err, jetstream.ErrNoHeartbeat),
		errors.Is(err, context.Canceled):
		return models.Unavailable
	}
	return models.Unknown
}

// storeError maps a NATS failure onto the store taxonomy. Anything that is
// not clearly a caller or permission problem is treated as the store being
// unavailable.
func storeError(op string, err error) error {
	kind := classify(err)
	switch kind {
	case models.Unknown, models.QuotaExceeded:
		kind = models.Unavailable
	}
	return &models.StoreError{Op: op, Kind: kind, Err: err}
}

// uploadError maps a NATS failure onto the upload taxonomy.
func uploadError(key string, err error) error {
	kind := classify(err)
	switch kind {
	case models.QuotaExceeded, models.Timeout, models.InvalidArgument:
	case models.PermissionDenied:
		// Object store writes are refused per account; from the sender's
		// point of view that is a quota it cannot get past.
		kind = models.QuotaExceeded
	default:
		kind = models.NetworkFailure
	}
	return &models.UploadError{Key: key, Kind: kind, Err: err}
}
