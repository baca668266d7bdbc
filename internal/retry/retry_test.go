package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"api 503", &openai.APIError{HTTPStatusCode: 503}, true},
		{"api 429", &openai.APIError{HTTPStatusCode: 429}, true},
		{"api 400", &openai.APIError{HTTPStatusCode: 400}, false},
		{"request 502", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, true},
		{"request 401", &openai.RequestError{HTTPStatusCode: 401, Err: errors.New("unauthorized")}, false},
		{"status error", &StatusError{Code: 500, Err: errors.New("boom")}, true},
		{"plain", errors.New("invalid model"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	var notified int
	err := Do(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Code: 503, Err: errors.New("unavailable")}
		}
		return nil
	}, func(error, time.Duration) { notified++ })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, notified)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	want := errors.New("bad request")
	err := Do(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		return want
	}, nil)

	assert.ErrorIs(t, err, want)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, fastPolicy.MaxRetries+1, calls)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxRetries: 5, InitialDelay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return &StatusError{Code: 503, Err: errors.New("unavailable")}
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
