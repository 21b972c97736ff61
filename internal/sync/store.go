// Package sync drives the cross-device highlight synchronization
// protocol: a versioned highlight file per book in shared object
// storage, a durable local operation queue, and an optimistic
// pull-merge-push cycle.
package sync

import (
	"context"
	"errors"
	"path"
)

// Store is the object-storage collaborator contract. Implementations
// must support optimistic concurrency on Put: ifMatch carries the ETag
// returned by the last Get/Put, and an empty ifMatch means create-only.
type Store interface {
	// Get returns the object bytes and its current ETag.
	Get(ctx context.Context, key string) (data []byte, etag string, err error)
	// Put writes the object iff its current ETag still equals ifMatch
	// (or the object does not exist, when ifMatch is empty). Returns the
	// new ETag on success and ErrVersionConflict when a concurrent
	// writer raced ahead.
	Put(ctx context.Context, key string, data []byte, ifMatch string) (etag string, err error)
	// List returns object keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

var (
	// ErrNotFound: no object at the key.
	ErrNotFound = errors.New("object not found")
	// ErrVersionConflict: optimistic write lost the race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrSyncExhausted: the cycle retried up to its bound and gave up.
	// Queued operations stay queued for the next attempt.
	ErrSyncExhausted = errors.New("sync retries exhausted")
)

// Key scheme:
//   libraries/<libraryID>/books/<bookID>/highlights.qhl

// HighlightFileName is the object name of a book's highlight file.
const HighlightFileName = "highlights.qhl"

// HighlightFileKey returns the store key of a book's highlight file.
func HighlightFileKey(libraryID, bookID string) string {
	return path.Join("libraries", libraryID, "books", bookID, HighlightFileName)
}

// BooksPrefix returns the listing prefix for a library's books.
func BooksPrefix(libraryID string) string {
	return path.Join("libraries", libraryID, "books") + "/"
}
