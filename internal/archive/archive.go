// Package archive defines the blob store used to keep challenge images and
// crawled pages, plus the object naming shared by its backends.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// Store persists a blob and returns its URI.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ObjectPath builds a dated, content-addressed object name under prefix.
// The extension is derived from contentType when it is a known media type.
func ObjectPath(prefix string, at time.Time, contentType string, data []byte) string {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])
	if ext := extension(contentType); ext != "" {
		name += ext
	}
	return path.Join(strings.Trim(prefix, "/"), at.UTC().Format("2006-01-02"), name)
}

func extension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "text/html":
		return ".html"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
