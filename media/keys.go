package media

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

// KeyGenerator builds collision-resistant blob keys of the form
// {kind}/{millis}-{name}. The millisecond stamp is strictly increasing
// within a generator even when the clock stalls or steps back.
type KeyGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewKeyGenerator(now func() time.Time) *KeyGenerator {
	if now == nil {
		now = time.Now
	}
	return &KeyGenerator{now: now}
}

func (g *KeyGenerator) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts := g.now().UnixMilli()
	if ts <= g.last {
		ts = g.last + 1
	}
	g.last = ts
	return ts
}

// Key returns a fresh key for a file of the given kind.
func (g *KeyGenerator) Key(kind models.MessageKind, name string) string {
	return fmt.Sprintf("%s/%d-%s", kind, g.next(), sanitizeName(name))
}

// ThumbnailKey derives the thumbnail key for a main blob key.
func ThumbnailKey(key string) string {
	base := key
	if i := strings.LastIndexByte(base, '.'); i > strings.LastIndexByte(base, '/') {
		base = base[:i]
	}
	return "thumbnails/" + base + ".jpg"
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "media"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
