package generation

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/musegen/musegen-api/internal/pkg/imaging"
	"github.com/musegen/musegen-api/internal/pkg/storage"
)

// ArtifactPersister copies rendered images from the provider's temporary
// hosting into our own object storage and derives gallery thumbnails.
type ArtifactPersister struct {
	generator ImageGenerator
	storage   storage.Storage
	deriver   *imaging.Deriver
}

func NewArtifactPersister(generator ImageGenerator, store storage.Storage, deriver *imaging.Deriver) *ArtifactPersister {
	return &ArtifactPersister{generator: generator, storage: store, deriver: deriver}
}

// Persist downloads the artifact, stores the full image and its thumbnail,
// and returns our public URLs. The thumbnail is optional: a derivation
// failure is logged and leaves ThumbnailURL empty.
func (p *ArtifactPersister) Persist(ctx context.Context, taskID uuid.UUID, index int, artifactURL string) (imageURL, thumbnailURL string, err error) {
	data, contentType, err := p.generator.Download(ctx, artifactURL)
	if err != nil {
		return "", "", fmt.Errorf("download artifact: %w", err)
	}

	ext := extensionFor(contentType)
	imageKey := fmt.Sprintf("generations/%s/%d%s", taskID, index, ext)
	if err := p.storage.Put(ctx, imageKey, bytes.NewReader(data), contentType); err != nil {
		return "", "", fmt.Errorf("store artifact: %w", err)
	}
	imageURL = p.storage.GetURL(imageKey)

	thumb, derr := p.deriver.Derive(data)
	if derr != nil {
		log.Warn().Err(derr).Str("task_id", taskID.String()).Int("index", index).
			Msg("Thumbnail derivation failed")
		return imageURL, "", nil
	}

	thumbKey := fmt.Sprintf("generations/%s/%d_thumb%s", taskID, index, extensionFor(thumb.ContentType))
	if terr := p.storage.Put(ctx, thumbKey, bytes.NewReader(thumb.Data), thumb.ContentType); terr != nil {
		log.Warn().Err(terr).Str("task_id", taskID.String()).Int("index", index).
			Msg("Thumbnail upload failed")
		return imageURL, "", nil
	}
	return imageURL, p.storage.GetURL(thumbKey), nil
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	default:
		return ".jpg"
	}
}
