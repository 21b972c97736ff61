package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolderStore_GetMissing(t *testing.T) {
	fs := NewFolderStore(t.TempDir())
	_, _, err := fs.Get(context.Background(), "libraries/lib/books/b/highlights.qhl")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFolderStore_CreateThenGet(t *testing.T) {
	fs := NewFolderStore(t.TempDir())
	ctx := context.Background()
	key := HighlightFileKey("lib", "book-1")

	etag, err := fs.Put(ctx, key, []byte("first"), "")
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	data, gotETag, err := fs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
	assert.Equal(t, etag, gotETag)
}

func TestFolderStore_CreateOnlyConflictsWhenExists(t *testing.T) {
	fs := NewFolderStore(t.TempDir())
	ctx := context.Background()
	key := HighlightFileKey("lib", "book-1")

	_, err := fs.Put(ctx, key, []byte("first"), "")
	require.NoError(t, err)

	_, err = fs.Put(ctx, key, []byte("second"), "")
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestFolderStore_ConditionalPut(t *testing.T) {
	fs := NewFolderStore(t.TempDir())
	ctx := context.Background()
	key := HighlightFileKey("lib", "book-1")

	etag1, err := fs.Put(ctx, key, []byte("v1"), "")
	require.NoError(t, err)

	etag2, err := fs.Put(ctx, key, []byte("v2"), etag1)
	require.NoError(t, err)
	assert.NotEqual(t, etag1, etag2)

	// The first writer's etag is now stale.
	_, err = fs.Put(ctx, key, []byte("v3"), etag1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// Writing with no etag against an existing object also conflicts.
	_, err = fs.Put(ctx, key, []byte("v3"), "")
	assert.ErrorIs(t, err, ErrVersionConflict)

	data, _, err := fs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestFolderStore_List(t *testing.T) {
	fs := NewFolderStore(t.TempDir())
	ctx := context.Background()

	_, err := fs.Put(ctx, HighlightFileKey("lib", "book-1"), []byte("a"), "")
	require.NoError(t, err)
	_, err = fs.Put(ctx, HighlightFileKey("lib", "book-2"), []byte("b"), "")
	require.NoError(t, err)
	_, err = fs.Put(ctx, HighlightFileKey("other", "book-9"), []byte("c"), "")
	require.NoError(t, err)

	keys, err := fs.List(ctx, BooksPrefix("lib"))
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = fs.List(ctx, BooksPrefix("nonexistent"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}
