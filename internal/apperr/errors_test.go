package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsChain(t *testing.T) {
	base := TransientIO("gmail.history", errors.New("503"))
	wrapped := fmt.Errorf("poll account: %w", base)

	assert.Equal(t, KindTransientIO, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindTransientIO))
	assert.False(t, Is(wrapped, KindFatalState))
	assert.False(t, Is(nil, KindTransientIO))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestDuplicateActionMessage(t *testing.T) {
	err := DuplicateAction("ledger.reserve", "m1/calendar_event")
	assert.True(t, Is(err, KindDuplicateAction))
	assert.Contains(t, err.Error(), "m1/calendar_event")
}

func TestRetryStopsOnNonTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Attempts: 5, Initial: time.Millisecond}, func(context.Context) error {
		calls++
		return ModelOutput("shallow", errors.New("bad json"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryBoundedAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Attempts: 3, Initial: time.Millisecond}, func(context.Context) error {
		calls++
		return TransientIO("calendar", errors.New("connection reset"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, Is(err, KindTransientIO))
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Attempts: 3, Initial: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 2 {
			return TransientIO("calendar", errors.New("timeout"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, Backoff{Attempts: 3, Initial: time.Hour}, func(context.Context) error {
		return TransientIO("calendar", errors.New("timeout"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyIO(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{errors.New("dial tcp 127.0.0.1:8080: connection refused"), KindTransientIO},
		{errors.New("googleapi: Error 429: Too Many Requests"), KindTransientIO},
		{errors.New("invalid argument"), KindUnknown},
		{FatalState("ledger", errors.New("dup")), KindFatalState},
		{fmt.Errorf("wrapped: %w", temporaryErr{}), KindTransientIO},
	}
	for _, tt := range tests {
		if got := KindOf(ClassifyIO("op", tt.err)); got != tt.want {
			t.Errorf("ClassifyIO(%v) kind = %v, want %v", tt.err, got, tt.want)
		}
	}
}

type temporaryErr struct{}

func (temporaryErr) Error() string   { return "server said 503" }
func (temporaryErr) Temporary() bool { return true }

func TestBackoffDelayCapped(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 3 * time.Second}
	assert.Equal(t, time.Second, b.delay(1))
	assert.Equal(t, 2*time.Second, b.delay(2))
	assert.Equal(t, 3*time.Second, b.delay(3))
	assert.Equal(t, 3*time.Second, b.delay(8))
}
