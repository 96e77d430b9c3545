package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/media"
	"github.com/karthikraju391/go-nats-chat-sync/nats_service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	debug      bool
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "chatsync",
		Short:        "Chat message sync over NATS JetStream",
		Example:      "chatsync serve --config chatsync.yaml",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(
		NewServeCommand(opts),
		NewChatCommand(opts),
		NewVersionCommand(),
	)

	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "chatsync", version)
		},
	}
}

func newLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

// backend is the NATS side shared by serve and chat.
type backend struct {
	svc      *nats_service.NatsService
	blobs    *nats_service.BlobStore
	pipeline *media.Pipeline
}

func connect(ctx context.Context, cfg *config.Config, token string, log zerolog.Logger) (*backend, error) {
	svc, err := nats_service.Connect(ctx, cfg.Nats, token, log)
	if err != nil {
		return nil, err
	}
	blobs, err := svc.NewBlobStore(ctx, cfg.Nats.ObjectBucket, cfg.Server.BlobBaseURL)
	if err != nil {
		svc.Close()
		return nil, err
	}
	pipeline := media.NewPipeline(blobs,
		media.WithThumbnailer(media.Thumbnails{Size: cfg.Media.ThumbnailSize, FFmpegPath: cfg.Media.FFmpegPath}),
		media.WithMaxDocumentBytes(cfg.Media.MaxDocumentBytes),
		media.WithTimeout(cfg.Delivery.UploadTimeout),
		media.WithLogger(log),
	)
	return &backend{svc: svc, blobs: blobs, pipeline: pipeline}, nil
}

func (b *backend) Close() {
	b.svc.Close()
}

func main() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
