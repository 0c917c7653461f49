package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/decaptcha-crawler/internal/archive"
)

// Page is a crawled document that passed the gate.
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Depth      int
	FetchedAt  time.Time
	// Recovered marks pages fetched by a challenge pipeline after a solve.
	Recovered bool
}

// PageSink persists pages.
type PageSink interface {
	SavePage(ctx context.Context, page Page) (string, error)
}

// ArchiveSink stores page bodies in an archive store under "pages/".
type ArchiveSink struct {
	store  archive.Store
	prefix string
}

// NewArchiveSink wraps store.
func NewArchiveSink(store archive.Store) (*ArchiveSink, error) {
	if store == nil {
		return nil, errors.New("archive store is required")
	}
	return &ArchiveSink{store: store, prefix: "pages"}, nil
}

// SavePage implements PageSink.
func (s *ArchiveSink) SavePage(ctx context.Context, page Page) (string, error) {
	if len(page.Body) == 0 {
		return "", errors.New("empty page body")
	}
	contentType := page.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(page.Body)
	}
	path := archive.ObjectPath(s.prefix, page.FetchedAt, contentType, page.Body)
	uri, err := s.store.PutObject(ctx, path, contentType, bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("archive page %s: %w", page.URL, err)
	}
	return uri, nil
}
