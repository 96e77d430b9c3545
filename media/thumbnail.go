package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os/exec"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

// Thumbnailer derives a JPEG preview for an asset. A nil result with a nil
// error means the kind has no preview.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, kind models.MessageKind, path string, data []byte) ([]byte, error)
}

// Thumbnails scales images in-process and grabs the first video frame with
// ffmpeg.
type Thumbnails struct {
	Size       int
	FFmpegPath string
}

func (t Thumbnails) Thumbnail(ctx context.Context, kind models.MessageKind, path string, data []byte) ([]byte, error) {
	switch kind {
	case models.KindImage:
		return t.scale(data)
	case models.KindVideo:
		frame, err := t.videoFrame(ctx, path)
		if err != nil {
			return nil, err
		}
		return t.scale(frame)
	default:
		return nil, nil
	}
}

func (t Thumbnails) videoFrame(ctx context.Context, path string) ([]byte, error) {
	bin := t.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-loglevel", "error",
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("extracting video frame: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}

// scale fits the image inside a Size x Size box, keeping its aspect ratio.
func (t Thumbnails) scale(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	size := t.Size
	if size <= 0 {
		size = 320
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > size || h > size {
		if w >= h {
			h = max(1, h*size/w)
			w = size
		} else {
			w = max(1, w*size/h)
			h = size
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
