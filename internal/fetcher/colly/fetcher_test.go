package collyfetcher

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/publicsuffix"

	"github.com/crawlforge/crawlforge/internal/crawl"
)

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Resp", "ok")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	resp, err := f.Fetch(context.Background(), crawl.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", string(resp.Body))
	require.Equal(t, "ok", resp.Headers.Get("X-Resp"))
	require.Greater(t, resp.Duration, time.Duration(0))
}

func TestFetchForwardsRequestHeaders(t *testing.T) {
	t.Parallel()

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Trace")
	}))
	defer srv.Close()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), crawl.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, "yes", got)
}

func TestFetchSendsPayloadForPost(t *testing.T) {
	t.Parallel()

	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
	}))
	defer srv.Close()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), crawl.FetchRequest{
		URL:     srv.URL,
		Method:  http.MethodPost,
		Payload: []byte(`{"q":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, `{"q":1}`, gotBody)
}

func TestFetchReportsServerErrorStatusWithoutFailing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(Config{})
	resp, err := f.Fetch(context.Background(), crawl.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFetchUsesSessionCookieJar(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("sid"); err != nil {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc"})
			return
		}
		_, _ = w.Write([]byte("welcome back"))
	}))
	defer srv.Close()

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	require.NoError(t, err)

	f := New(Config{})
	_, err = f.Fetch(context.Background(), crawl.FetchRequest{URL: srv.URL, CookieJar: jar})
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), crawl.FetchRequest{URL: srv.URL, CookieJar: jar})
	require.NoError(t, err)
	require.Equal(t, "welcome back", string(resp.Body))
}

func TestFetchRejectsInvalidProxyURL(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), crawl.FetchRequest{
		URL:      "https://example.com",
		ProxyURL: "http://bad proxy",
	})
	require.Error(t, err)
}
