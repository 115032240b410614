package media

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/whatsapp"
)

// fakeUploader records uploads and returns a deterministic public URL.
type fakeUploader struct {
	uploadedPath        string
	uploadedContentType string
	uploadedData        []byte
	err                 error
}

func (f *fakeUploader) Upload(ctx context.Context, path, contentType string, data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.uploadedPath = path
	f.uploadedContentType = contentType
	f.uploadedData = data
	return "https://storage.example.com/public/media/" + path, nil
}

func TestRelay(t *testing.T) {
	mock := &whatsapp.MockClient{
		ResolveMediaURLFn: func(ctx context.Context, mediaID string) (string, string, error) {
			return "https://lookaside.example.com/" + mediaID, "image/jpeg", nil
		},
		DownloadMediaFn: func(ctx context.Context, url string) ([]byte, error) {
			return []byte("jpeg-bytes"), nil
		},
	}
	uploader := &fakeUploader{}
	r := NewRetriever(mock, uploader)

	url, err := r.Relay(context.Background(), "media-1", "", "conv_abc")
	if err != nil {
		t.Fatalf("Relay failed: %v", err)
	}
	if !strings.HasSuffix(url, "conv_abc/media-1.jpg") {
		t.Errorf("unexpected public URL %s", url)
	}
	if uploader.uploadedPath != "conv_abc/media-1.jpg" {
		t.Errorf("unexpected upload path %s", uploader.uploadedPath)
	}
	if uploader.uploadedContentType != "image/jpeg" {
		t.Errorf("unexpected content type %s", uploader.uploadedContentType)
	}
	if string(uploader.uploadedData) != "jpeg-bytes" {
		t.Errorf("unexpected uploaded data %q", uploader.uploadedData)
	}
}

func TestRelayUsesMimeHintWhenLookupOmitsIt(t *testing.T) {
	mock := &whatsapp.MockClient{
		ResolveMediaURLFn: func(ctx context.Context, mediaID string) (string, string, error) {
			return "https://lookaside.example.com/m", "", nil
		},
	}
	uploader := &fakeUploader{}
	r := NewRetriever(mock, uploader)

	if _, err := r.Relay(context.Background(), "media-2", "audio/ogg", "conv_abc"); err != nil {
		t.Fatalf("Relay failed: %v", err)
	}
	if uploader.uploadedPath != "conv_abc/media-2.ogg" {
		t.Errorf("expected mime hint to drive extension, got %s", uploader.uploadedPath)
	}
}

func TestRelayResolveFailure(t *testing.T) {
	mock := &whatsapp.MockClient{
		ResolveMediaURLFn: func(ctx context.Context, mediaID string) (string, string, error) {
			return "", "", errors.New("expired token")
		},
	}
	r := NewRetriever(mock, &fakeUploader{})

	if _, err := r.Relay(context.Background(), "media-3", "", "conv_abc"); err == nil {
		t.Error("expected error when media lookup fails")
	}
}

func TestRelayUploadFailure(t *testing.T) {
	mock := &whatsapp.MockClient{}
	r := NewRetriever(mock, &fakeUploader{err: errors.New("bucket unavailable")})

	if _, err := r.Relay(context.Background(), "media-4", "image/png", "conv_abc"); err == nil {
		t.Error("expected error when upload fails")
	}
}

func TestExtensionForMime(t *testing.T) {
	cases := map[string]string{
		"image/jpeg":              ".jpg",
		"image/png":               ".png",
		"audio/ogg; codecs=opus":  ".ogg",
		"audio/mpeg":              ".mp3",
		"application/x-something": ".bin",
		"":                        ".bin",
	}
	for mime, want := range cases {
		if got := extensionForMime(mime); got != want {
			t.Errorf("extensionForMime(%q) = %q, want %q", mime, got, want)
		}
	}
}
