package handlers

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/karthikraju391/go-nats-chat-sync/models"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

// Spool holds media payloads received over a websocket until the media
// pipeline no longer needs them. One spool belongs to one connection.
type Spool struct {
	dir string
	log zerolog.Logger

	mu    sync.Mutex
	files map[string]string // message id -> staged path
	seen  map[string]bool   // ids that have appeared in a view
}

func NewSpool(dir string, log zerolog.Logger) *Spool {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Spool{
		dir:   dir,
		log:   log,
		files: make(map[string]string),
		seen:  make(map[string]bool),
	}
}

// Stage writes a payload to disk so the media pipeline can read it like any
// local attachment.
func (sp *Spool) Stage(name string, data []byte) (string, error) {
	f, err := os.CreateTemp(sp.dir, "upload-*"+filepath.Ext(filepath.Base(name)))
	if err != nil {
		return "", fmt.Errorf("staging upload: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("staging upload: %w", err)
	}
	return f.Name(), nil
}

// Track ties a staged file to the message sending it.
func (sp *Spool) Track(id, path string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.files[id] = path
}

// Observe releases files whose message no longer needs them: the asset is
// uploaded, the message is acknowledged, or it left the view after being
// shown (discarded). Failed uploads keep their file for a retry.
func (sp *Spool) Observe(v session.View) {
	byID := make(map[string]models.Message, len(v.Messages))
	for _, m := range v.Messages {
		byID[m.ID] = m
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	for id := range sp.files {
		m, ok := byID[id]
		switch {
		case !ok:
			if sp.seen[id] {
				sp.removeLocked(id)
			}
		case m.Acknowledged() || uploaded(m):
			sp.removeLocked(id)
		default:
			sp.seen[id] = true
		}
	}
}

func uploaded(m models.Message) bool {
	mb, ok := m.Body.(models.MediaBody)
	return ok && mb.Asset.IsUploaded()
}

// Remove deletes the file staged for id, if any.
func (sp *Spool) Remove(id string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.removeLocked(id)
}

// Cleanup deletes every file still staged.
func (sp *Spool) Cleanup() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for id := range sp.files {
		sp.removeLocked(id)
	}
}

// Len is the number of files still staged.
func (sp *Spool) Len() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.files)
}

func (sp *Spool) removeLocked(id string) {
	path, ok := sp.files[id]
	if !ok {
		return
	}
	delete(sp.files, id)
	delete(sp.seen, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		sp.log.Warn().Err(err).Str("path", path).Msg("Failed to remove staged upload")
	}
}
