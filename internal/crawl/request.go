// Package crawl defines the core types and collaborator interfaces shared
// across the crawling engine: requests, fetch phases, error taxonomy, and
// the narrow contracts the orchestrator depends on.
package crawl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is one unit of crawl work tracked through its lifecycle by the
// request queue. The UniqueKey is the queue's deduplication authority: two
// requests with the same key never coexist as distinct entries.
type Request struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	UniqueKey     string         `json:"unique_key"`
	Method        string         `json:"method"`
	Payload       []byte         `json:"payload,omitempty"`
	Headers       http.Header    `json:"headers,omitempty"`
	UserData      map[string]any `json:"user_data,omitempty"`
	RetryCount    int            `json:"retry_count"`
	ErrorMessages []string       `json:"error_messages,omitempty"`
	HandledAt     *time.Time     `json:"handled_at,omitempty"`
	NoRetry       bool           `json:"no_retry,omitempty"`

	// ProxyURL is bound per attempt by the orchestrator when proxy
	// rotation is configured. Never persisted.
	ProxyURL string `json:"-"`
}

// NewRequest builds a Request for url with the default method and a derived
// unique key.
func NewRequest(rawURL string) (*Request, error) {
	key, err := ComputeUniqueKey(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &Request{
		URL:       rawURL,
		UniqueKey: key,
		Method:    http.MethodGet,
	}, nil
}

// EnsureUniqueKey fills in UniqueKey and Method when the caller left them
// empty. An explicitly set key is kept verbatim.
func (r *Request) EnsureUniqueKey() error {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	if r.UniqueKey != "" {
		return nil
	}
	key, err := ComputeUniqueKey(r.Method, r.URL, r.Payload)
	if err != nil {
		return err
	}
	r.UniqueKey = key
	return nil
}

// PushErrorMessage appends a bounded, single-line rendering of err to the
// request's error history.
func (r *Request) PushErrorMessage(err error) {
	if err == nil {
		return
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	r.ErrorMessages = append(r.ErrorMessages, msg)
}

// ComputeUniqueKey derives the deduplication key from the normalized URL,
// the method, and a digest of the payload. GET requests with no payload
// reduce to the normalized URL itself, so the common case stays readable.
func ComputeUniqueKey(method, rawURL string, payload []byte) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if method == http.MethodGet && len(payload) == 0 {
		return normalized, nil
	}
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s(%s):%s", method, hex.EncodeToString(sum[:8]), normalized), nil
}

// NormalizeURL standardizes a URL so trivially different spellings
// deduplicate. It lowercases the scheme and host, strips default ports and
// fragments, and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}
