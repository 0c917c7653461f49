package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := New()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "pages/page.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://pages/page.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	obj, ok := store.Get("pages/page.html")
	if !ok {
		t.Fatal("expected object to be stored")
	}
	if string(obj.Data) != "content" || obj.ContentType != "text/html" {
		t.Fatalf("unexpected object %+v", obj)
	}
	if paths := store.Paths(); len(paths) != 1 || paths[0] != "pages/page.html" {
		t.Fatalf("unexpected paths %v", paths)
	}
}
