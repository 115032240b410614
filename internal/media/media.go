// Package media relays provider-hosted media into durable object storage.
//
// Provider download URLs expire within minutes, so inbound media is fetched
// immediately and re-uploaded; messages then reference the durable URL.
package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/storage"
	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/whatsapp"
)

// FallbackContent is stored as message content when media relay fails. The
// message is still persisted so the conversation history has no gaps.
const FallbackContent = "[media no disponible]"

// Retriever fetches provider media and uploads it to object storage.
type Retriever struct {
	fetcher  whatsapp.MediaFetcher
	uploader storage.Uploader
}

// NewRetriever creates a new media Retriever.
func NewRetriever(fetcher whatsapp.MediaFetcher, uploader storage.Uploader) *Retriever {
	return &Retriever{fetcher: fetcher, uploader: uploader}
}

// Relay resolves mediaID, downloads the content and uploads it under the
// conversation's folder. It returns the durable public URL. Callers should
// fall back to FallbackContent when an error is returned; relay failure never
// blocks message persistence.
func (r *Retriever) Relay(ctx context.Context, mediaID, mimeHint, conversationID string) (string, error) {
	url, mimeType, err := r.fetcher.ResolveMediaURL(ctx, mediaID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve media URL: %w", err)
	}
	if mimeType == "" {
		mimeType = mimeHint
	}

	data, err := r.fetcher.DownloadMedia(ctx, url)
	if err != nil {
		return "", fmt.Errorf("failed to download media: %w", err)
	}

	path := fmt.Sprintf("%s/%s%s", conversationID, mediaID, extensionForMime(mimeType))
	publicURL, err := r.uploader.Upload(ctx, path, mimeType, data)
	if err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}

	slog.Debug("Retriever.Relay: media relayed", "mediaID", mediaID, "conversationID", conversationID, "publicURL", publicURL)
	return publicURL, nil
}

// extensionForMime maps common provider MIME types to file extensions.
func extensionForMime(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/aac":
		return ".aac"
	case "audio/amr":
		return ".amr"
	default:
		return ".bin"
	}
}
