package whatsapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/expresCocina/CrmVidaDigitalcol-sub000/internal/models"
)

// MockClient is a test double for Sender and MediaFetcher. Calls are recorded
// for assertion; behavior is overridable per method.
type MockClient struct {
	mu sync.Mutex

	SendTextFn        func(ctx context.Context, to, body string) (string, error)
	SendMediaFn       func(ctx context.Context, to, mediaURL string, mediaType models.MessageType) (string, error)
	ResolveMediaURLFn func(ctx context.Context, mediaID string) (string, string, error)
	DownloadMediaFn   func(ctx context.Context, url string) ([]byte, error)

	SentTexts  []SentText
	SentMedia  []SentMedia
	nextSendID int
}

// SentText records a SendText call.
type SentText struct {
	To   string
	Body string
}

// SentMedia records a SendMedia call.
type SentMedia struct {
	To       string
	MediaURL string
	Type     models.MessageType
}

var (
	_ Sender       = (*MockClient)(nil)
	_ MediaFetcher = (*MockClient)(nil)
)

func (m *MockClient) SendText(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	m.SentTexts = append(m.SentTexts, SentText{To: to, Body: body})
	m.nextSendID++
	id := m.nextSendID
	m.mu.Unlock()
	if m.SendTextFn != nil {
		return m.SendTextFn(ctx, to, body)
	}
	return mockMessageID(id), nil
}

func (m *MockClient) SendMedia(ctx context.Context, to, mediaURL string, mediaType models.MessageType) (string, error) {
	m.mu.Lock()
	m.SentMedia = append(m.SentMedia, SentMedia{To: to, MediaURL: mediaURL, Type: mediaType})
	m.nextSendID++
	id := m.nextSendID
	m.mu.Unlock()
	if m.SendMediaFn != nil {
		return m.SendMediaFn(ctx, to, mediaURL, mediaType)
	}
	return mockMessageID(id), nil
}

func (m *MockClient) ResolveMediaURL(ctx context.Context, mediaID string) (string, string, error) {
	if m.ResolveMediaURLFn != nil {
		return m.ResolveMediaURLFn(ctx, mediaID)
	}
	return "https://media.example.com/" + mediaID, "image/jpeg", nil
}

func (m *MockClient) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	if m.DownloadMediaFn != nil {
		return m.DownloadMediaFn(ctx, url)
	}
	return []byte("media-bytes"), nil
}

func mockMessageID(n int) string {
	return fmt.Sprintf("wamid.MOCK%03d", n)
}
