// Package session owns the synchronization state of one open conversation:
// the store subscription, optimistic sends and their uploads.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/go-nats-chat-sync/delivery"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/store"
	"github.com/karthikraju391/go-nats-chat-sync/timeline"
)

var (
	ErrClosed    = errors.New("session closed")
	ErrNotFound  = errors.New("message not found")
	ErrNotFailed = errors.New("message has not failed")
	ErrNoUpload  = errors.New("no uploader configured")
)

// View is what a chat screen renders.
type View struct {
	ConversationID string               `json:"conversationId"`
	Messages       []models.Message     `json:"messages"`
	Sections       []models.DateSection `json:"sections"`
	SyncLost       bool                 `json:"syncLost"`
	SyncErr        error                `json:"-"`
}

// state is only touched by the reducer goroutine.
type state struct {
	pending  map[string]models.Message
	snapshot []models.Message
	syncErr  error
}

type Session struct {
	conversationID string
	deps           Deps
	opts           options
	log            zerolog.Logger
	machine        *delivery.Machine

	events  chan func(*state)
	done    chan struct{}
	stopped chan struct{}
	notify  chan struct{}
	closed  atomic.Bool
	sub     store.Subscription
	tasks   sync.WaitGroup

	mu   sync.RWMutex
	view View
}

// Open starts a session: unacknowledged messages from the outbox are
// restored as failed, then the conversation stream is subscribed.
func Open(ctx context.Context, conversationID string, deps Deps, opts ...Option) (*Session, error) {
	if deps.Store == nil || deps.Identity == nil {
		return nil, errors.New("session needs a message store and an identity provider")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		conversationID: conversationID,
		deps:           deps,
		opts:           o,
		log:            o.log.With().Str("conversation", conversationID).Logger(),
		machine:        delivery.NewMachine(),
		events:         make(chan func(*state), 64),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		notify:         make(chan struct{}, 1),
		view:           View{ConversationID: conversationID},
	}

	st := &state{pending: make(map[string]models.Message)}
	if deps.Outbox != nil {
		restored, err := deps.Outbox.Load(ctx, conversationID)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to load outbox")
		}
		for _, m := range restored {
			if m.DeliveryState != models.StateFailed {
				m.DeliveryState = models.StateFailed
				m.FailureReason = "interrupted before delivery"
			}
			m.UploadProgress = 0
			st.pending[m.ID] = m
			s.machine.Restore(m.ID, models.StateFailed)
		}
		if len(restored) > 0 {
			s.log.Info().Int("count", len(restored)).Msg("Restored unacknowledged messages")
		}
	}
	s.render(st)

	go s.run(st)
	go s.notifier()

	sub, err := deps.Store.Subscribe(ctx, conversationID, s.onBatch, s.onStreamError)
	if err != nil {
		s.shutdown()
		return nil, fmt.Errorf("subscribing to %s: %w", conversationID, err)
	}
	s.sub = sub
	s.log.Debug().Msg("Session opened")
	return s, nil
}

func (s *Session) ConversationID() string { return s.conversationID }

// Close cancels the subscription. Sends still in flight run to completion
// in the background but their results are dropped.
func (s *Session) Close() error {
	if s.sub != nil && !s.closed.Load() {
		s.sub.Cancel()
	}
	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
		<-s.stopped
		s.log.Debug().Msg("Session closed")
	}
}

func (s *Session) Closed() bool { return s.closed.Load() }

// View returns the latest rendered view.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Messages returns the merged, ordered message list.
func (s *Session) Messages() []models.Message {
	return s.View().Messages
}

// Sections groups the current messages by calendar day as of now.
func (s *Session) Sections() []models.DateSection {
	return timeline.Group(s.Messages(), s.opts.now(), s.opts.loc)
}

func (s *Session) Preview() (models.ConversationPreview, bool) {
	return timeline.Preview(s.conversationID, s.Messages())
}

// SendText queues a text message and returns its id.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	return s.send(ctx, models.KindText, models.TextBody{Text: strings.TrimSpace(text)})
}

// SendMedia queues an attachment. The asset needs a local SourceURI.
func (s *Session) SendMedia(ctx context.Context, kind models.MessageKind, asset models.MediaAsset) (string, error) {
	if !kind.IsMedia() {
		return "", &models.StoreError{Op: "send", Kind: models.InvalidArgument, Err: fmt.Errorf("%s is not a media kind", kind)}
	}
	if s.deps.Uploader == nil && !asset.IsUploaded() {
		return "", ErrNoUpload
	}
	return s.send(ctx, kind, models.MediaBody{Asset: asset})
}

func (s *Session) SendContact(ctx context.Context, contact models.ContactBody) (string, error) {
	return s.send(ctx, models.KindContact, contact)
}

func (s *Session) send(ctx context.Context, kind models.MessageKind, body models.Body) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	who, err := s.deps.Identity.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving sender: %w", err)
	}

	msg := models.Message{
		ID:                uuid.NewString(),
		ConversationID:    s.conversationID,
		SenderID:          who.UserID,
		SenderDisplayName: who.DisplayName,
		Kind:              kind,
		Body:              body,
		LocalCreatedAt:    s.opts.now(),
		DeliveryState:     models.StateComposing,
	}
	if err := msg.Validate(); err != nil {
		return "", &models.StoreError{Op: "send", Kind: models.InvalidArgument, Err: err}
	}

	s.machine.Begin(msg.ID)
	next := firstStep(msg)
	err = s.do(func(st *state) error {
		st.pending[msg.ID] = msg
		return s.transition(st, msg.ID, next, nil)
	})
	if err != nil {
		s.machine.Forget(msg.ID)
		return "", err
	}

	msg.DeliveryState = next
	s.spawn(context.WithoutCancel(ctx), msg.Clone(), next)
	return msg.ID, nil
}

// Retry re-enters a failed message into the pipeline under the same id.
func (s *Session) Retry(ctx context.Context, id string) error {
	var next models.DeliveryState
	var queued models.Message
	err := s.do(func(st *state) error {
		msg, ok := st.pending[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if msg.DeliveryState != models.StateFailed {
			return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, msg.DeliveryState)
		}
		next = firstStep(msg)
		if err := s.machine.Retry(id, next); err != nil {
			return err
		}
		msg.DeliveryState = next
		msg.FailureReason = ""
		msg.UploadProgress = 0
		st.pending[id] = msg
		s.persist(msg)
		queued = msg.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("id", id).Str("state", string(next)).Msg("Retrying message")
	s.spawn(context.WithoutCancel(ctx), queued, next)
	return nil
}

// Discard drops a failed message from the view and the outbox.
func (s *Session) Discard(id string) error {
	return s.do(func(st *state) error {
		msg, ok := st.pending[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if msg.DeliveryState != models.StateFailed {
			return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, msg.DeliveryState)
		}
		delete(st.pending, id)
		s.machine.Forget(id)
		s.unpersist(id)
		return nil
	})
}

// firstStep picks where a send starts: media that is not stored yet uploads
// first, everything else goes straight to the store.
func firstStep(msg models.Message) models.DeliveryState {
	if mb, ok := msg.Body.(models.MediaBody); ok && !mb.Asset.IsUploaded() {
		return models.StateUploading
	}
	return models.StateSending
}

// Wait blocks until every send the session started has finished, including
// sends still running after Close. Call it after the last send returned.
func (s *Session) Wait() {
	s.tasks.Wait()
}

func (s *Session) spawn(ctx context.Context, msg models.Message, from models.DeliveryState) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.deliver(ctx, msg, from)
	}()
}

// deliver runs one send to completion. It owns its copy of the message and
// is detached from the session: a closed session ignores the events it
// posts but the message is still uploaded and published.
func (s *Session) deliver(ctx context.Context, msg models.Message, from models.DeliveryState) {
	id := msg.ID
	log := s.log.With().Str("id", id).Str("kind", string(msg.Kind)).Logger()

	if from == models.StateUploading {
		uploaded, err := s.upload(ctx, msg)
		if err != nil {
			log.Warn().Err(err).Msg("Upload failed")
			s.post(func(st *state) { s.fail(st, id, err) })
			return
		}
		msg.Body = models.MediaBody{Asset: uploaded}
		s.post(func(st *state) {
			if m, ok := st.pending[id]; ok {
				m.Body = models.MediaBody{Asset: uploaded}
				st.pending[id] = m
			}
			s.transition(st, id, models.StateSending, nil)
		})
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.opts.publishTimeout)
	ack, err := s.deps.Store.Publish(pubCtx, msg)
	if err != nil && (pubCtx.Err() == context.DeadlineExceeded || models.KindOf(err) == models.Timeout) {
		err = &models.TimeoutError{Op: "publish", After: s.opts.publishTimeout}
	}
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("Publish failed")
		s.post(func(st *state) { s.fail(st, id, err) })
		return
	}
	log.Debug().Uint64("seq", ack.Sequence).Msg("Published")
	s.post(func(st *state) { s.transition(st, id, models.StateSent, nil) })
}

func (s *Session) upload(ctx context.Context, msg models.Message) (models.MediaAsset, error) {
	if s.deps.Uploader == nil {
		return models.MediaAsset{}, ErrNoUpload
	}
	mb, _ := msg.Body.(models.MediaBody)
	upCtx, cancel := context.WithTimeout(ctx, s.opts.uploadTimeout)
	defer cancel()

	asset, err := s.deps.Uploader.Upload(upCtx, msg.Kind, mb.Asset, func(f float64) {
		s.post(func(st *state) { s.progress(st, msg.ID, f) })
	})
	if err != nil {
		if upCtx.Err() == context.DeadlineExceeded || models.KindOf(err) == models.Timeout {
			return asset, &models.TimeoutError{Op: "upload", After: s.opts.uploadTimeout}
		}
		return asset, err
	}
	if !asset.IsUploaded() {
		return asset, &models.UploadError{Kind: models.NetworkFailure, Err: errors.New("upload returned no remote url")}
	}
	return asset, nil
}

// transition applies a delivery state change to a pending message. Stale
// transitions, such as a publish result arriving after the echo, are ignored.
func (s *Session) transition(st *state, id string, to models.DeliveryState, cause error) error {
	msg, ok := st.pending[id]
	if !ok {
		return nil
	}
	if err := s.machine.Transition(id, to); err != nil {
		s.log.Debug().Err(err).Msg("Ignoring stale transition")
		return nil
	}
	msg.DeliveryState = to
	if cause != nil {
		msg.FailureReason = cause.Error()
	}
	st.pending[id] = msg
	s.persist(msg)
	return nil
}

func (s *Session) fail(st *state, id string, cause error) {
	s.transition(st, id, models.StateFailed, cause)
}

func (s *Session) progress(st *state, id string, f float64) {
	msg, ok := st.pending[id]
	if !ok || msg.DeliveryState != models.StateUploading {
		return
	}
	if f > 1 {
		f = 1
	}
	if f > msg.UploadProgress {
		msg.UploadProgress = f
		st.pending[id] = msg
	}
}

func (s *Session) onBatch(snapshot []models.Message) {
	s.post(func(st *state) {
		st.snapshot = snapshot
		st.syncErr = nil
		for _, m := range snapshot {
			if _, ok := st.pending[m.ID]; !ok {
				continue
			}
			if err := s.machine.Transition(m.ID, models.StateAcknowledged); err != nil {
				s.log.Debug().Err(err).Msg("Echo for message in unexpected state")
			}
			delete(st.pending, m.ID)
			s.machine.Forget(m.ID)
			s.unpersist(m.ID)
		}
	})
}

func (s *Session) onStreamError(err error) {
	s.log.Warn().Err(err).Msg("Sync lost")
	s.post(func(st *state) { st.syncErr = err })
}

func (s *Session) persist(msg models.Message) {
	if s.deps.Outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.deps.Outbox.Save(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("id", msg.ID).Msg("Failed to persist message")
	}
}

func (s *Session) unpersist(id string) {
	if s.deps.Outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.deps.Outbox.Delete(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("Failed to remove message from outbox")
	}
}

// run is the single writer of the session state.
func (s *Session) run(st *state) {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			if s.closed.Load() {
				return
			}
			ev(st)
			s.render(st)
		}
	}
}

// post queues an event without waiting for it. Events posted after Close
// are dropped.
func (s *Session) post(ev func(*state)) {
	if s.closed.Load() {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// do runs fn on the reducer and waits for its result.
func (s *Session) do(fn func(*state) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	res := make(chan error, 1)
	select {
	case s.events <- func(st *state) { res <- fn(st) }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) render(st *state) {
	local := make([]models.Message, 0, len(st.pending))
	for _, m := range st.pending {
		local = append(local, m)
	}
	sort.Slice(local, func(i, j int) bool { return local[i].ID < local[j].ID })

	merged := timeline.Merge(local, st.snapshot)
	view := View{
		ConversationID: s.conversationID,
		Messages:       merged,
		Sections:       timeline.Group(merged, s.opts.now(), s.opts.loc),
		SyncLost:       st.syncErr != nil,
		SyncErr:        st.syncErr,
	}

	s.mu.Lock()
	s.view = view
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// notifier calls the user callbacks outside the reducer so they may call
// back into the session.
func (s *Session) notifier() {
	lost := false
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		if s.closed.Load() {
			return
		}
		view := s.View()
		if view.SyncLost && !lost && s.opts.onSyncLost != nil {
			s.opts.onSyncLost(view.SyncErr)
		}
		lost = view.SyncLost
		if s.opts.onChange != nil {
			s.opts.onChange(view)
		}
	}
}
