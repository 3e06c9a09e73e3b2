package headless

import (
	"context"
	"net/http"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/crawlforge/crawlforge/internal/crawl"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	require.Equal(t, 2, cap(fetcher.limiter))
}

func TestAllocatorIsReusedPerProxy(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{})
	require.NoError(t, err)
	defer fetcher.Close()

	direct := fetcher.allocatorFor("")
	require.Equal(t, direct, fetcher.allocatorFor(""))

	proxied := fetcher.allocatorFor("http://proxy:8000")
	require.NotEqual(t, direct, proxied)
	require.Len(t, fetcher.allocators, 2)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "X-Single": {"v"}}
	netHeaders := toNetworkHeaders(src)

	multi, ok := netHeaders["X-Test"].([]string)
	require.True(t, ok)
	require.Len(t, multi, 2)
	require.Equal(t, "v", netHeaders["X-Single"])
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 204, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestNoopFetcherError(t *testing.T) {
	t.Parallel()

	fetcher := NewNoop()
	_, err := fetcher.Fetch(context.Background(), crawl.FetchRequest{})
	require.Error(t, err)
}
