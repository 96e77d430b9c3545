package nats_service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/go-nats-chat-sync/config"
)

type NatsService struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	cfg    config.NatsConfig
	log    zerolog.Logger
	ownsNC bool
}

// Connect dials NATS with the given auth token and prepares the message
// stream.
func Connect(ctx context.Context, cfg config.NatsConfig, token string, log zerolog.Logger) (*NatsService, error) {
	opts := []nats.Option{
		nats.Name("chatsync"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	} else if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	svc, err := NewNatsService(ctx, nc, cfg, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	svc.ownsNC = true
	return svc, nil
}

// NewNatsService initializes JetStream on an existing connection and makes
// sure the message stream exists.
func NewNatsService(ctx context.Context, nc *nats.Conn, cfg config.NatsConfig, log zerolog.Logger) (*NatsService, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.StreamName)
	switch {
	case errors.Is(err, jetstream.ErrStreamNotFound):
		log.Info().Str("stream", cfg.StreamName).Msg("Stream not found, creating")
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "Stores chat messages",
			Subjects:    []string{cfg.SubjectPrefix + ".*"},
			MaxAge:      cfg.MaxAge,
			Duplicates:  cfg.DuplicateWindow,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream '%s': %w", cfg.StreamName, err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up stream '%s': %w", cfg.StreamName, err)
	}
	log.Debug().Str("stream", stream.CachedInfo().Config.Name).Msg("Message stream ready")

	return &NatsService{js: js, nc: nc, cfg: cfg, log: log}, nil
}

// Close NATS connection
func (s *NatsService) Close() {
	if s.nc != nil && s.ownsNC {
		s.nc.Close()
	}
}

// JetStream exposes the JetStream handle for the blob store.
func (s *NatsService) JetStream() jetstream.JetStream {
	return s.js
}

// getSubject generates the NATS subject for a conversation
func (s *NatsService) getSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", s.cfg.SubjectPrefix, conversationID)
}
