package sync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for store operations.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns sensible defaults for object storage.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryableStore wraps a Store with retry logic for transient transport
// failures. Timeouts are retryable. ErrNotFound and ErrVersionConflict
// are not; the coordinator handles those itself.
type RetryableStore struct {
	store  Store
	config RetryConfig
}

// NewRetryableStore creates a new retryable store wrapper.
func NewRetryableStore(store Store, config RetryConfig) *RetryableStore {
	return &RetryableStore{store: store, config: config}
}

// List implements Store with retry logic.
func (r *RetryableStore) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.retry(ctx, "list", func() error {
		var err error
		out, err = r.store.List(ctx, prefix)
		return err
	})
	return out, err
}

// Get implements Store with retry logic.
func (r *RetryableStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	var data []byte
	var etag string
	err := r.retry(ctx, "get", func() error {
		var err error
		data, etag, err = r.store.Get(ctx, key)
		return err
	})
	return data, etag, err
}

// Put implements Store with retry logic.
func (r *RetryableStore) Put(ctx context.Context, key string, data []byte, ifMatch string) (string, error) {
	var etag string
	err := r.retry(ctx, "put", func() error {
		var err error
		etag, err = r.store.Put(ctx, key, data, ifMatch)
		return err
	})
	return etag, err
}

func (r *RetryableStore) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.calculateDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, r.config.MaxAttempts, lastErr)
}

// calculateDelay implements exponential backoff with jitter.
func (r *RetryableStore) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	jitter := delay * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1)
	return time.Duration(delay + jitter)
}

// IsRetryable classifies an error as a transient transport failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// A per-call deadline is a transient transport failure; the parent
	// context going away is handled by the retry loop itself.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"server error",
		"throttling",
		"slowdown",
		"requesttimeout",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
