package sync

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
)

// FolderStore implements Store on a local directory, for tests and
// offline use. Writes go to tmp/<unique>.partial, fsync, then rename.
// ETags are sha256 of content; conditional semantics are enforced under
// a process-wide lock, which is enough for the single-process model.
type FolderStore struct {
	root string
	mu   gosync.Mutex
}

// NewFolderStore returns a FolderStore rooted at dir.
func NewFolderStore(root string) *FolderStore {
	return &FolderStore{root: root}
}

func tmpName() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b) + ".partial"
}

func contentETag(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// List returns keys under prefix (relative to root). Ignores tmp/.
func (f *FolderStore) List(ctx context.Context, prefix string) ([]string, error) {
	return f.list(prefix)
}

func (f *FolderStore) list(prefix string) ([]string, error) {
	dir := filepath.Join(f.root, prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		full := filepath.Join(prefix, e.Name())
		if e.Name() == "tmp" {
			continue
		}
		if e.IsDir() {
			sub, err := f.list(full)
			if err != nil {
				return nil, err
			}
			keys = append(keys, sub...)
		} else {
			keys = append(keys, filepath.ToSlash(full))
		}
	}
	return keys, nil
}

// Get reads the object at key. Returns ErrNotFound if missing.
func (f *FolderStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(f.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return data, contentETag(data), nil
}

// Put writes data atomically if the current content still matches
// ifMatch (empty ifMatch: the object must not exist yet).
func (f *FolderStore) Put(ctx context.Context, key string, data []byte, ifMatch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	finalPath := filepath.Join(f.root, key)
	current, err := os.ReadFile(finalPath)
	switch {
	case err == nil:
		if ifMatch == "" || contentETag(current) != ifMatch {
			return "", ErrVersionConflict
		}
	case os.IsNotExist(err):
		if ifMatch != "" {
			return "", ErrVersionConflict
		}
	default:
		return "", err
	}

	tmpPath := filepath.Join(f.root, "tmp", tmpName())
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0755); err != nil {
		return "", fmt.Errorf("mkdir tmp: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return "", fmt.Errorf("mkdir objects: %w", err)
	}

	fh, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("atomic rename: %w", err)
	}
	return contentETag(data), nil
}
