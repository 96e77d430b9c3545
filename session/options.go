package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikraju391/go-nats-chat-sync/identity"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/store"
)

const (
	DefaultPublishTimeout = 15 * time.Second
	DefaultUploadTimeout  = 2 * time.Minute
)

// Uploader stores a media asset and returns it with RemoteURL set.
type Uploader interface {
	Upload(ctx context.Context, kind models.MessageKind, asset models.MediaAsset, onProgress func(float64)) (models.MediaAsset, error)
}

// Outbox keeps unacknowledged messages across restarts.
type Outbox interface {
	Save(ctx context.Context, msg models.Message) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Deps are the collaborators a session talks to. Uploader and Outbox are
// optional; without an Uploader media sends fail.
type Deps struct {
	Store    store.MessageStore
	Uploader Uploader
	Identity identity.Provider
	Outbox   Outbox
}

type options struct {
	log            zerolog.Logger
	publishTimeout time.Duration
	uploadTimeout  time.Duration
	now            func() time.Time
	loc            *time.Location
	onChange       func(View)
	onSyncLost     func(error)
}

// Option configures a Session.
type Option func(*options)

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.publishTimeout = d
		}
	}
}

func WithUploadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.uploadTimeout = d
		}
	}
}

// WithClock replaces time.Now for composition timestamps and date labels.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLocation sets the calendar used for date sections.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.loc = loc
		}
	}
}

// WithOnChange registers a callback for every new view. Views are coalesced:
// a slow callback sees the latest view, not every intermediate one.
func WithOnChange(fn func(View)) Option {
	return func(o *options) { o.onChange = fn }
}

// WithOnSyncLost registers a callback for stream failures.
func WithOnSyncLost(fn func(error)) Option {
	return func(o *options) { o.onSyncLost = fn }
}

func defaultOptions() options {
	return options{
		log:            zerolog.Nop(),
		publishTimeout: DefaultPublishTimeout,
		uploadTimeout:  DefaultUploadTimeout,
		now:            time.Now,
		loc:            time.Local,
	}
}
