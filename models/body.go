package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Body is the kind-dependent payload of a message. The concrete types are
// TextBody, MediaBody and ContactBody; no other package can add variants.
type Body interface {
	validateFor(kind MessageKind) error
	clone() Body
}

type TextBody struct {
	Text string `json:"text"`
}

func (b TextBody) validateFor(kind MessageKind) error {
	if kind != KindText {
		return fmt.Errorf("text body on %s message", kind)
	}
	if strings.TrimSpace(b.Text) == "" {
		return fmt.Errorf("empty text")
	}
	return nil
}

func (b TextBody) clone() Body { return b }

// MediaBody references an attachment for image, video, audio and document
// messages.
type MediaBody struct {
	Asset MediaAsset `json:"asset"`
}

func (b MediaBody) validateFor(kind MessageKind) error {
	if !kind.IsMedia() {
		return fmt.Errorf("media body on %s message", kind)
	}
	if b.Asset.SourceURI == "" && b.Asset.RemoteURL == "" {
		return fmt.Errorf("media body without source")
	}
	return nil
}

func (b MediaBody) clone() Body { return b }

// ContactBody is a shared contact card.
type ContactBody struct {
	Name   string   `json:"name"`
	Phones []string `json:"phones,omitempty"`
	Emails []string `json:"emails,omitempty"`
}

func (b ContactBody) validateFor(kind MessageKind) error {
	if kind != KindContact {
		return fmt.Errorf("contact body on %s message", kind)
	}
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("contact without name")
	}
	return nil
}

func (b ContactBody) clone() Body {
	b.Phones = append([]string(nil), b.Phones...)
	b.Emails = append([]string(nil), b.Emails...)
	return b
}

// MediaAsset represents an attachment. It starts with only SourceURI and
// becomes immutable once RemoteURL is set.
type MediaAsset struct {
	SourceURI    string `json:"sourceUri,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
	RemoteURL    string `json:"remoteUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	ByteSize     int64  `json:"byteSize,omitempty"`
	MIMEType     string `json:"mimeType,omitempty"`
}

// IsUploaded reports whether the asset already lives in the blob store.
func (a MediaAsset) IsUploaded() bool {
	return a.RemoteURL != ""
}

// LocalPath resolves SourceURI to a filesystem path. Both plain paths and
// file:// URIs are accepted.
func (a MediaAsset) LocalPath() (string, error) {
	if a.SourceURI == "" {
		return "", fmt.Errorf("asset has no source")
	}
	if !strings.Contains(a.SourceURI, "://") {
		return a.SourceURI, nil
	}
	u, err := url.Parse(a.SourceURI)
	if err != nil {
		return "", fmt.Errorf("invalid source uri %q: %w", a.SourceURI, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	return u.Path, nil
}

// Name is the file name used for blob keys and previews.
func (a MediaAsset) Name() string {
	if a.OriginalName != "" {
		return a.OriginalName
	}
	if p, err := a.LocalPath(); err == nil {
		return filepath.Base(p)
	}
	return "media"
}

func encodeBody(b Body) (json.RawMessage, error) {
	if b == nil {
		return nil, nil
	}
	return json.Marshal(b)
}

func decodeBody(kind MessageKind, raw json.RawMessage) (Body, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch kind {
	case KindText:
		var b TextBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case KindImage, KindVideo, KindAudio, KindDocument:
		var b MediaBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case KindContact:
		var b ContactBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}
}

// MarshalJSON includes the body encoded according to the message kind.
func (m Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	body, err := encodeBody(m.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&struct {
		Alias
		Body json.RawMessage `json:"body,omitempty"`
	}{
		Alias: Alias(m),
		Body:  body,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := &struct {
		*Alias
		Body json.RawMessage `json:"body"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	body, err := decodeBody(m.Kind, aux.Body)
	if err != nil {
		return err
	}
	m.Body = body
	return nil
}
