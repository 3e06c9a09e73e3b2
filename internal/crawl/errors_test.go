package crawl

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewTimeoutError(PhaseNavigation, 30*time.Second)
	require.EqualError(t, err, "navigation timed out after 30s")

	err = NewTimeoutError(PhaseHandler, 250*time.Millisecond)
	require.EqualError(t, err, "request handler timed out after 250ms")
}

func TestIsBlocked(t *testing.T) {
	t.Parallel()

	require.True(t, IsBlocked(ErrBlocked))
	require.True(t, IsBlocked(fmt.Errorf("fetch: %w", ErrBlocked)))
	require.True(t, IsBlocked(&StatusError{StatusCode: 403}))
	require.True(t, IsBlocked(&StatusError{StatusCode: 429}))
	require.False(t, IsBlocked(&StatusError{StatusCode: 500}))
	require.False(t, IsBlocked(errors.New("plain failure")))
	require.False(t, IsBlocked(nil))
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"fatal", fmt.Errorf("parse body: %w", ErrFatal), false},
		{"retriable status", &StatusError{StatusCode: 503}, true},
		{"blocked status", &StatusError{StatusCode: 403}, true},
		{"terminal status", &StatusError{StatusCode: 404}, false},
		{"phase timeout", NewTimeoutError(PhaseHandler, time.Second), true},
		{"blocked sentinel", ErrBlocked, true},
		{"unknown handler error", errors.New("flaky parser"), true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsBlockedStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{401, 403, 429} {
		require.True(t, IsBlockedStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 404, 500, 503} {
		require.False(t, IsBlockedStatus(code), "status %d", code)
	}
}
