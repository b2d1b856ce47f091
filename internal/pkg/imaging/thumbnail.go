package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
)

// Thumbnail holds an encoded preview derived from a generated artifact.
type Thumbnail struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Config for thumbnail derivation
type Config struct {
	Width   int // default 384
	Height  int // default 384
	Quality int // JPEG quality 1-100 (default 85)
}

// DefaultConfig returns default thumbnail config
func DefaultConfig() Config {
	return Config{Width: 384, Height: 384, Quality: 85}
}

// Deriver produces gallery thumbnails from full-size generated images.
type Deriver struct {
	config Config
}

func NewDeriver(config Config) *Deriver {
	if config.Width <= 0 {
		config.Width = 384
	}
	if config.Height <= 0 {
		config.Height = 384
	}
	if config.Quality <= 0 {
		config.Quality = 85
	}
	return &Deriver{config: config}
}

// Derive decodes a generated image and produces a center-cropped thumbnail
// in the source format (JPEG for anything that isn't PNG).
func (d *Deriver) Derive(data []byte) (*Thumbnail, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	thumb := imaging.Fill(img, d.config.Width, d.config.Height, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	contentType := "image/jpeg"
	switch format {
	case "png":
		contentType = "image/png"
		if err := png.Encode(&buf, thumb); err != nil {
			return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
		}
	default:
		if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: d.config.Quality}); err != nil {
			return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
		}
	}

	return &Thumbnail{
		Data:        buf.Bytes(),
		ContentType: contentType,
		Width:       thumb.Bounds().Dx(),
		Height:      thumb.Bounds().Dy(),
	}, nil
}
