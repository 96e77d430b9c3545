package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Nats     NatsConfig     `yaml:"nats"`
	Server   ServerConfig   `yaml:"server"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Media    MediaConfig    `yaml:"media"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Identity IdentityConfig `yaml:"identity"`
}

type NatsConfig struct {
	URL             string        `env:"CHATSYNC_NATS_URL"              envDefault:"nats://127.0.0.1:4222" yaml:"url"`
	Token           string        `env:"CHATSYNC_NATS_TOKEN"                                                yaml:"token"`
	StreamName      string        `env:"CHATSYNC_NATS_STREAM"           envDefault:"CHAT_MESSAGES"         yaml:"stream_name"`
	SubjectPrefix   string        `env:"CHATSYNC_NATS_SUBJECT_PREFIX"   envDefault:"chat.messages"         yaml:"subject_prefix"`
	MaxAge          time.Duration `env:"CHATSYNC_NATS_MAX_AGE"          envDefault:"720h"                  yaml:"max_age"`
	DuplicateWindow time.Duration `env:"CHATSYNC_NATS_DUPLICATE_WINDOW" envDefault:"10m"                   yaml:"duplicate_window"`
	ObjectBucket    string        `env:"CHATSYNC_NATS_OBJECT_BUCKET"    envDefault:"chat_media"            yaml:"object_bucket"`
	ConnectTimeout  time.Duration `env:"CHATSYNC_NATS_CONNECT_TIMEOUT"  envDefault:"5s"                    yaml:"connect_timeout"`
}

type ServerConfig struct {
	Addr           string        `env:"CHATSYNC_SERVER_ADDR"             envDefault:":8080"                 yaml:"addr"`
	BlobBaseURL    string        `env:"CHATSYNC_BLOB_BASE_URL"           envDefault:"http://localhost:8080" yaml:"blob_base_url"`
	WriteWait      time.Duration `env:"CHATSYNC_WS_WRITE_WAIT"           envDefault:"10s"                   yaml:"write_wait"`
	PongWait       time.Duration `env:"CHATSYNC_WS_PONG_WAIT"            envDefault:"60s"                   yaml:"pong_wait"`
	PingPeriod     time.Duration `env:"CHATSYNC_WS_PING_PERIOD"          envDefault:"54s"                   yaml:"ping_period"`
	MaxMessageSize int64         `env:"CHATSYNC_WS_MAX_MESSAGE_SIZE"     envDefault:"16777216"              yaml:"max_message_size"`
}

type DeliveryConfig struct {
	PublishTimeout time.Duration `env:"CHATSYNC_PUBLISH_TIMEOUT" envDefault:"15s" yaml:"publish_timeout"`
	UploadTimeout  time.Duration `env:"CHATSYNC_UPLOAD_TIMEOUT"  envDefault:"2m"  yaml:"upload_timeout"`
}

type MediaConfig struct {
	MaxDocumentBytes int64  `env:"CHATSYNC_MAX_DOCUMENT_BYTES" envDefault:"10485760" yaml:"max_document_bytes"`
	ThumbnailSize    int    `env:"CHATSYNC_THUMBNAIL_SIZE"     envDefault:"320"      yaml:"thumbnail_size"`
	FFmpegPath       string `env:"CHATSYNC_FFMPEG_PATH"        envDefault:"ffmpeg"   yaml:"ffmpeg_path"`
}

type OutboxConfig struct {
	// Empty disables local persistence of unacknowledged messages.
	Path string `env:"CHATSYNC_OUTBOX_PATH" yaml:"path"`
}

type IdentityConfig struct {
	UserID      string `env:"CHATSYNC_USER_ID"      yaml:"user_id"`
	DisplayName string `env:"CHATSYNC_DISPLAY_NAME" yaml:"display_name"`
}

// Load builds the configuration in three layers: envDefault values, then the
// optional YAML file, then variables set in the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	// "-" names no tag, so only variables that are actually set apply.
	if err := env.ParseWithOptions(cfg, env.Options{DefaultValueTagName: "-"}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Nats.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if c.Nats.StreamName == "" || c.Nats.SubjectPrefix == "" {
		errs = append(errs, errors.New("nats.stream_name and nats.subject_prefix are required"))
	}
	if c.Nats.ObjectBucket == "" {
		errs = append(errs, errors.New("nats.object_bucket is required"))
	}
	if c.Delivery.PublishTimeout <= 0 || c.Delivery.UploadTimeout <= 0 {
		errs = append(errs, errors.New("delivery timeouts must be positive"))
	}
	if c.Media.MaxDocumentBytes <= 0 {
		errs = append(errs, errors.New("media.max_document_bytes must be positive"))
	}
	if c.Server.PingPeriod >= c.Server.PongWait {
		errs = append(errs, errors.New("server.ping_period must be shorter than server.pong_wait"))
	}
	return errors.Join(errs...)
}
