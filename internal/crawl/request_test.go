package crawl

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequestDerivesUniqueKey(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("https://Example.COM:443/products?b=2&a=1#section")
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "https://example.com/products?a=1&b=2", req.UniqueKey)

	_, err = NewRequest("not a url ::")
	require.Error(t, err)

	_, err = NewRequest("/relative/path")
	require.Error(t, err)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://WWW.Example.com/Path", "https://www.example.com/Path"},
		{"strips default https port", "https://example.com:443/x", "https://example.com/x"},
		{"strips default http port", "http://example.com:80/x", "http://example.com/x"},
		{"keeps explicit port", "https://example.com:8443/x", "https://example.com:8443/x"},
		{"drops fragment", "https://example.com/x#top", "https://example.com/x"},
		{"sorts query parameters", "https://example.com/x?z=1&a=2&m=3", "https://example.com/x?a=2&m=3&z=1"},
		{"trims whitespace", "  https://example.com/x  ", "https://example.com/x"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestComputeUniqueKeyMethodAndPayload(t *testing.T) {
	t.Parallel()

	get, err := ComputeUniqueKey(http.MethodGet, "https://example.com/a", nil)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a", get)

	post1, err := ComputeUniqueKey(http.MethodPost, "https://example.com/a", []byte(`{"q":1}`))
	require.NoError(t, err)
	require.NotEqual(t, get, post1)
	require.Contains(t, post1, "POST(")

	post2, err := ComputeUniqueKey("post", "https://EXAMPLE.com/a", []byte(`{"q":1}`))
	require.NoError(t, err)
	require.Equal(t, post1, post2, "method casing and host casing must not split the key")

	post3, err := ComputeUniqueKey(http.MethodPost, "https://example.com/a", []byte(`{"q":2}`))
	require.NoError(t, err)
	require.NotEqual(t, post1, post3, "different payloads must not deduplicate")
}

func TestEnsureUniqueKeyKeepsExplicitKey(t *testing.T) {
	t.Parallel()

	req := &Request{URL: "https://example.com/a", UniqueKey: "custom-key"}
	require.NoError(t, req.EnsureUniqueKey())
	require.Equal(t, "custom-key", req.UniqueKey)
	require.Equal(t, http.MethodGet, req.Method)

	derived := &Request{URL: "https://example.com/a"}
	require.NoError(t, derived.EnsureUniqueKey())
	require.Equal(t, "https://example.com/a", derived.UniqueKey)
}

func TestPushErrorMessageFlattensNewlines(t *testing.T) {
	t.Parallel()

	req := &Request{}
	req.PushErrorMessage(nil)
	require.Empty(t, req.ErrorMessages)

	req.PushErrorMessage(errors.New("first line\nsecond line"))
	require.Equal(t, []string{"first line second line"}, req.ErrorMessages)
}
