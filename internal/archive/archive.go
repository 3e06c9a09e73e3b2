// Package archive persists fetched page bodies to a blob store, keyed by
// content digest so identical payloads land on the same object.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/crawlforge/crawlforge/internal/crawl"
)

// BlobStore writes one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher produces a stable digest for archive object names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Config tunes object naming.
type Config struct {
	Prefix      string
	ContentType string
}

// Archive saves crawl responses as blobs under prefix/host/digest.html.
type Archive struct {
	store  BlobStore
	hasher Hasher
	cfg    Config
}

// New builds an Archive. Store and hasher are required.
func New(store BlobStore, hasher Hasher, cfg Config) (*Archive, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "pages"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Archive{store: store, hasher: hasher, cfg: cfg}, nil
}

// Save writes the response body and returns the blob URI. Empty bodies are
// skipped and return an empty URI without error.
func (a *Archive) Save(ctx context.Context, res crawl.FetchResponse) (string, error) {
	if len(res.Body) == 0 {
		return "", nil
	}
	digest, err := a.hasher.Hash(res.Body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	path := fmt.Sprintf("%s/%s/%s.html", a.cfg.Prefix, hostOf(res.URL), digest)
	uri, err := a.store.PutObject(ctx, path, a.cfg.ContentType, bytes.NewReader(res.Body))
	if err != nil {
		return "", fmt.Errorf("store page body: %w", err)
	}
	return uri, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Host)
}
