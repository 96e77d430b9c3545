package handlers

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/identity"
	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
	"github.com/karthikraju391/go-nats-chat-sync/store"
)

// Locals keys set by the upgrade middleware.
const (
	LocalUserID   = "userID"
	LocalUserName = "userName"
)

// Envelope types written to the client.
const (
	EnvelopeView     = "view"
	EnvelopeSyncLost = "sync_lost"
	EnvelopeAck      = "ack"
	EnvelopeError    = "error"
)

// Envelope is one frame sent to the client.
type Envelope struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Command is one frame received from the client.
type Command struct {
	Type    string              `json:"type"`
	Ref     string              `json:"ref,omitempty"` // echoed back in the ack or error
	Text    string              `json:"text,omitempty"`
	Kind    models.MessageKind  `json:"kind,omitempty"`
	Name    string              `json:"name,omitempty"`
	Data    []byte              `json:"data,omitempty"` // base64 in JSON
	Contact *models.ContactBody `json:"contact,omitempty"`
	ID      string              `json:"id,omitempty"`
}

// Sender is the part of a session the gateway drives.
type Sender interface {
	SendText(ctx context.Context, text string) (string, error)
	SendMedia(ctx context.Context, kind models.MessageKind, asset models.MediaAsset) (string, error)
	SendContact(ctx context.Context, contact models.ContactBody) (string, error)
	Retry(ctx context.Context, id string) error
	Discard(id string) error
}

// Gateway bridges websocket clients to conversation sessions.
type Gateway struct {
	Store    store.MessageStore
	Uploader session.Uploader
	Server   config.ServerConfig
	Delivery config.DeliveryConfig
	SpoolDir string // staging area for uploaded media, os.TempDir() when empty
	Log      zerolog.Logger
}

type Client struct {
	Conn           *websocket.Conn
	Session        *session.Session
	ConversationID string
	UserID         string
	out            chan Envelope // acks, errors and sync_lost
	viewMu         sync.Mutex
	view           *session.View
	viewReady      chan struct{} // latest view waiting to be written
	spool          *Spool
	DoneChan       chan struct{}
	cfg            config.ServerConfig
	log            zerolog.Logger
}

func newClient(conn *websocket.Conn, convoID, userID string, spool *Spool, cfg config.ServerConfig, log zerolog.Logger) *Client {
	return &Client{
		Conn:           conn,
		ConversationID: convoID,
		UserID:         userID,
		out:            make(chan Envelope, 64),
		viewReady:      make(chan struct{}, 1),
		spool:          spool,
		DoneChan:       make(chan struct{}),
		cfg:            cfg,
		log:            log,
	}
}

func (c *Client) setView(v session.View) {
	c.spool.Observe(v)
	c.viewMu.Lock()
	c.view = &v
	c.viewMu.Unlock()
	select {
	case c.viewReady <- struct{}{}:
	default:
	}
}

func (c *Client) takeView() *session.View {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	v := c.view
	c.view = nil
	return v
}

func (c *Client) enqueue(env Envelope) {
	select {
	case c.out <- env:
	case <-c.DoneChan:
	case <-time.After(time.Second):
		c.log.Warn().Str("type", env.Type).Msg("Dropping envelope for slow client")
	}
}

// HandleRead reads commands from the websocket and applies them to the
// session until the connection closes.
func (c *Client) HandleRead(ctx context.Context, g *Gateway) {
	defer func() {
		c.log.Debug().Msg("Reader closed")
		close(c.DoneChan)
	}()
	c.Conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		var cmd Command
		if err := c.Conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket read error")
			} else {
				c.log.Debug().Err(err).Msg("WebSocket closed")
			}
			return
		}

		id, err := g.Dispatch(ctx, c.Session, c.spool, cmd)
		if err != nil {
			c.log.Debug().Err(err).Str("command", cmd.Type).Msg("Command failed")
			c.enqueue(Envelope{Type: EnvelopeError, Ref: cmd.Ref, ID: cmd.ID, Error: err.Error()})
			continue
		}
		c.enqueue(Envelope{Type: EnvelopeAck, Ref: cmd.Ref, ID: id})
	}
}

// HandleWrite writes views and envelopes to the websocket and keeps the
// connection alive with pings.
func (c *Client) HandleWrite() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.log.Debug().Msg("Writer closed")
	}()

	for {
		select {
		case <-c.viewReady:
			v := c.takeView()
			if v == nil {
				continue
			}
			if !c.write(Envelope{Type: EnvelopeView, Data: v}) {
				return
			}

		case env := <-c.out:
			if !c.write(env) {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket ping error")
				return
			}

		case <-c.DoneChan:
			c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) write(env Envelope) bool {
	c.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.Conn.WriteJSON(env); err != nil {
		c.log.Debug().Err(err).Str("type", env.Type).Msg("WebSocket write error")
		return false
	}
	return true
}

// Dispatch applies one client command to a session and returns the id of
// the affected message. Media payloads are staged in sp.
func (g *Gateway) Dispatch(ctx context.Context, s Sender, sp *Spool, cmd Command) (string, error) {
	switch cmd.Type {
	case "send_text":
		return s.SendText(ctx, cmd.Text)
	case "send_media":
		if len(cmd.Data) == 0 {
			return "", fmt.Errorf("send_media without data")
		}
		path, err := sp.Stage(cmd.Name, cmd.Data)
		if err != nil {
			return "", err
		}
		id, err := s.SendMedia(ctx, cmd.Kind, models.MediaAsset{
			SourceURI:    path,
			OriginalName: cmd.Name,
			ByteSize:     int64(len(cmd.Data)),
		})
		if err != nil {
			os.Remove(path)
			return "", err
		}
		sp.Track(id, path)
		// The upload may have finished before the file was tracked.
		if v, ok := s.(interface{ View() session.View }); ok {
			sp.Observe(v.View())
		}
		return id, nil
	case "send_contact":
		if cmd.Contact == nil {
			return "", fmt.Errorf("send_contact without contact")
		}
		return s.SendContact(ctx, *cmd.Contact)
	case "retry":
		return cmd.ID, s.Retry(ctx, cmd.ID)
	case "discard":
		if err := s.Discard(cmd.ID); err != nil {
			return cmd.ID, err
		}
		sp.Remove(cmd.ID)
		return cmd.ID, nil
	}
	return "", fmt.Errorf("unknown command %q", cmd.Type)
}

// Upgrade only lets websocket upgrades through and records the caller.
func Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	userID := c.Get("X-User-ID", c.Query("user"))
	if userID == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing user")
	}
	c.Locals(LocalUserID, userID)
	c.Locals(LocalUserName, c.Get("X-User-Name", c.Query("name", userID)))
	return c.Next()
}

// HandleWebSocket manages the lifecycle of a websocket connection: one
// session per connection, closed when the connection goes away.
func (g *Gateway) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals(LocalUserID).(string)
	userName, _ := conn.Locals(LocalUserName).(string)
	conversationID := conn.Params("conversationID")
	if conversationID == "" || userID == "" {
		conn.WriteJSON(Envelope{Type: EnvelopeError, Error: "missing conversation or user"})
		conn.Close()
		return
	}

	log := g.Log.With().Str("user", userID).Str("conversation", conversationID).Logger()
	spool := NewSpool(g.SpoolDir, log)
	client := newClient(conn, conversationID, userID, spool, g.Server, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := session.Open(ctx, conversationID, session.Deps{
		Store:    g.Store,
		Uploader: g.Uploader,
		Identity: identity.Static{UserID: userID, DisplayName: userName},
	},
		session.WithLogger(log),
		session.WithPublishTimeout(g.Delivery.PublishTimeout),
		session.WithUploadTimeout(g.Delivery.UploadTimeout),
		session.WithOnChange(client.setView),
		session.WithOnSyncLost(func(err error) {
			client.enqueue(Envelope{Type: EnvelopeSyncLost, Error: err.Error()})
		}),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open session")
		conn.WriteJSON(Envelope{Type: EnvelopeError, Error: "conversation unavailable"})
		conn.Close()
		return
	}
	client.Session = sess
	client.setView(sess.View())
	log.Info().Msg("Client connected")

	defer func() {
		sess.Close()
		conn.Close()
		log.Info().Msg("Client disconnected")
		// Sends outlive the session; their files go once they finish.
		go func() {
			sess.Wait()
			spool.Cleanup()
		}()
	}()

	go client.HandleWrite()
	client.HandleRead(ctx, g)
}

