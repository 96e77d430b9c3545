package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/identity"
	"github.com/karthikraju391/go-nats-chat-sync/outbox"
	"github.com/karthikraju391/go-nats-chat-sync/session"
	"github.com/karthikraju391/go-nats-chat-sync/tui"
)

func NewChatCommand(opts *rootOptions) *cobra.Command {
	var logFile string

	cmd := &cobra.Command{
		Use:     "chat <conversation-id>",
		Short:   "Open a conversation in the terminal",
		Example: "CHATSYNC_USER_ID=alice chatsync chat general",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return chat(cmd.Context(), opts, args[0], logFile)
		},
	}

	cmd.Flags().StringVar(&logFile, "log-file", "chatsync.log", "Where to write logs while the terminal UI runs")

	return cmd
}

func chat(ctx context.Context, opts *rootOptions, conversationID, logFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.Identity.UserID == "" {
		return errors.New("identity.user_id (CHATSYNC_USER_ID) is required for chat")
	}

	// The terminal belongs to the UI, so logs go to a file.
	log := zerolog.Nop()
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		log = newLogger(f, opts.debug)
	}

	ids := identity.NewTokenSourceProvider(cfg.Identity.UserID, cfg.Identity.DisplayName,
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Nats.Token}))
	who, err := ids.Current(ctx)
	if err != nil {
		return err
	}

	be, err := connect(ctx, cfg, who.Token, log)
	if err != nil {
		return err
	}
	defer be.Close()

	deps := session.Deps{Store: be.svc, Uploader: be.pipeline, Identity: ids}
	if cfg.Outbox.Path != "" {
		ob, err := outbox.Open(cfg.Outbox.Path)
		if err != nil {
			return err
		}
		defer ob.Close()
		deps.Outbox = ob
	}

	push, views := tui.ViewFeed()
	sess, err := session.Open(ctx, conversationID, deps,
		session.WithLogger(log),
		session.WithPublishTimeout(cfg.Delivery.PublishTimeout),
		session.WithUploadTimeout(cfg.Delivery.UploadTimeout),
		session.WithOnChange(push),
		session.WithOnSyncLost(func(err error) {
			log.Warn().Err(err).Msg("Conversation sync lost")
		}),
	)
	if err != nil {
		return err
	}
	defer sess.Close()

	p := tea.NewProgram(tui.NewChatModel(sess, views, who.UserID), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
