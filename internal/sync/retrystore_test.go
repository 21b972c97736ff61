package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails each operation a fixed number of times before
// delegating to an in-memory success.
type flakyStore struct {
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, "", f.err
	}
	return []byte("payload"), "etag-1", nil
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte, ifMatch string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "etag-2", nil
}

func (f *flakyStore) List(ctx context.Context, prefix string) ([]string, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return []string{"a", "b"}, nil
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 2, Multiplier: 2.0}
}

func TestRetryableStore_RecoversFromTransientFailure(t *testing.T) {
	inner := &flakyStore{failures: 2, err: errors.New("connection reset by peer")}
	rs := NewRetryableStore(inner, fastRetryConfig())

	data, etag, err := rs.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, "etag-1", etag)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryableStore_GivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyStore{failures: 10, err: errors.New("service unavailable")}
	rs := NewRetryableStore(inner, fastRetryConfig())

	_, _, err := rs.Get(context.Background(), "k")
	require.Error(t, err)
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, 3, inner.calls)
}

func TestRetryableStore_DoesNotRetryConflicts(t *testing.T) {
	inner := &flakyStore{failures: 10, err: ErrVersionConflict}
	rs := NewRetryableStore(inner, fastRetryConfig())

	_, err := rs.Put(context.Background(), "k", []byte("x"), "stale")
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 1, inner.calls, "conflicts surface immediately")
}

func TestRetryableStore_DoesNotRetryNotFound(t *testing.T) {
	inner := &flakyStore{failures: 10, err: fmt.Errorf("get object: %w", ErrNotFound)}
	rs := NewRetryableStore(inner, fastRetryConfig())

	_, _, err := rs.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryableStore_HonorsContextCancellation(t *testing.T) {
	inner := &flakyStore{failures: 10, err: errors.New("timeout awaiting response")}
	rs := NewRetryableStore(inner, RetryConfig{MaxAttempts: 5, BaseDelay: 50_000_000, MaxDelay: 50_000_000, Multiplier: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := rs.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls, "no retry fires once the context is gone")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(ErrVersionConflict))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(errors.New("connection refused")))
	assert.True(t, IsRetryable(errors.New("Throttling: rate exceeded")))
	assert.True(t, IsRetryable(errors.New("SlowDown: reduce request rate")))
	assert.False(t, IsRetryable(errors.New("access denied")))
}
