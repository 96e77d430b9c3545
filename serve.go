package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/spf13/cobra"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/handlers"
)

func NewServeCommand(opts *rootOptions) *cobra.Command {
	var spoolDir string

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Run the websocket gateway",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts, spoolDir)
		},
	}

	cmd.Flags().StringVar(&spoolDir, "spool-dir", "", "Directory for staged media uploads (default: system temp dir)")

	return cmd
}

func serve(ctx context.Context, opts *rootOptions, spoolDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := newLogger(os.Stderr, opts.debug)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	be, err := connect(ctx, cfg, cfg.Nats.Token, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize NATS service")
		return err
	}
	defer be.Close()
	log.Info().Str("url", cfg.Nats.URL).Msg("NATS service initialized")

	gw := &handlers.Gateway{
		Store:    be.svc,
		Uploader: be.pipeline,
		Server:   cfg.Server,
		Delivery: cfg.Delivery,
		SpoolDir: spoolDir,
		Log:      log,
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(logger.New())

	app.Use("/chat", handlers.Upgrade)
	app.Get("/chat/:conversationID", websocket.New(gw.HandleWebSocket))
	app.Get("/blobs/*", handlers.Blobs(be.blobs, log))

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Starting server")
		errc <- app.Listen(cfg.Server.Addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errc:
		log.Error().Err(err).Msg("Server failed")
		return err
	case <-quit:
	}

	log.Info().Msg("Shutting down server")
	if err := app.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Error shutting down fiber")
	}
	log.Info().Msg("Server gracefully stopped")
	return nil
}
