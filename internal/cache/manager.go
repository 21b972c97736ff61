package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quillsync/quill/internal/logging"
	"github.com/quillsync/quill/internal/model"
)

// ErrStorageFull: the budget cannot accommodate the request even after
// evicting every candidate. Nothing is evicted in that case.
var ErrStorageFull = errors.New("cache storage full")

// ErrNotCached: the requested book is not resident.
var ErrNotCached = errors.New("book not cached")

// Manager tracks locally cached books against a byte budget. All
// operations serialize on one lock: cache decisions are read-modify-write
// over the same store.
type Manager struct {
	mu     sync.Mutex
	store  BookStore
	budget int64
	log    logging.Logger
	now    func() time.Time
}

// NewManager returns a Manager bounded by budgetBytes.
func NewManager(store BookStore, budgetBytes int64, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop{}
	}
	return &Manager{store: store, budget: budgetBytes, log: log, now: time.Now}
}

// OfflineStatus is the read-only aggregate over the cache.
type OfflineStatus struct {
	Books       int
	UsedBytes   int64
	BudgetBytes int64
	Pinned      int
	Favorites   int
}

// CacheBook admits a book into the cache, evicting lower-ranked books as
// needed. Fails with ErrStorageFull (and evicts nothing) if the book
// cannot fit even after removing every evictable candidate.
func (m *Manager) CacheBook(book model.CachedBook, priority model.CachePriority) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if book.SizeBytes > m.budget {
		return fmt.Errorf("book %s (%d bytes) exceeds budget %d: %w",
			book.BookID, book.SizeBytes, m.budget, ErrStorageFull)
	}

	books, err := m.store.ListAll()
	if err != nil {
		return err
	}
	used := int64(0)
	for _, b := range books {
		if b.BookID != book.BookID {
			used += b.SizeBytes
		}
	}

	if used+book.SizeBytes > m.budget {
		victims, reclaimable := evictionPlan(books, book.BookID, used+book.SizeBytes-m.budget)
		if used+book.SizeBytes-reclaimable > m.budget {
			return fmt.Errorf("need %d bytes, only %d evictable: %w",
				used+book.SizeBytes-m.budget, reclaimable, ErrStorageFull)
		}
		for _, v := range victims {
			if err := m.store.Delete(v.BookID); err != nil {
				return err
			}
			m.log.Info(context.Background(), "evicted book",
				"book", v.BookID, "bytes", v.SizeBytes, "priority", v.Priority.String())
		}
	}

	now := m.now().UTC()
	book.Priority = priority
	book.CachedAt = now
	book.LastAccessed = now
	return m.store.Put(book)
}

// GetCachedBook returns a cached book, bumping lastAccessed.
func (m *Manager) GetCachedBook(bookID string) (model.CachedBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.store.Get(bookID)
	if err != nil {
		return model.CachedBook{}, err
	}
	if b == nil {
		return model.CachedBook{}, fmt.Errorf("book %s: %w", bookID, ErrNotCached)
	}
	b.LastAccessed = m.now().UTC()
	if err := m.store.Put(*b); err != nil {
		return model.CachedBook{}, err
	}
	return *b, nil
}

// SetPinned marks or unmarks a book as exempt from eviction.
func (m *Manager) SetPinned(bookID string, pinned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.store.Get(bookID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("book %s: %w", bookID, ErrNotCached)
	}
	b.WillKeep = pinned
	return m.store.Put(*b)
}

// RemoveBook drops a book from the cache outright.
func (m *Manager) RemoveBook(bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.store.Get(bookID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("book %s: %w", bookID, ErrNotCached)
	}
	return m.store.Delete(bookID)
}

// CleanupCache evicts books at or below maxPriority until the cache is
// within budget. Pinned books are never touched.
func (m *Manager) CleanupCache(maxPriority model.CachePriority) (evicted int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	books, err := m.store.ListAll()
	if err != nil {
		return 0, err
	}
	used := int64(0)
	for _, b := range books {
		used += b.SizeBytes
	}
	if used <= m.budget {
		return 0, nil
	}

	candidates := evictable(books, "")
	for _, v := range candidates {
		if used <= m.budget {
			break
		}
		if v.Priority > maxPriority {
			continue
		}
		if err := m.store.Delete(v.BookID); err != nil {
			return evicted, err
		}
		used -= v.SizeBytes
		evicted++
	}
	return evicted, nil
}

// ListCached returns all cached books.
func (m *Manager) ListCached() ([]model.CachedBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ListAll()
}

// GetOfflineStatus reports cache usage.
func (m *Manager) GetOfflineStatus() (OfflineStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	books, err := m.store.ListAll()
	if err != nil {
		return OfflineStatus{}, err
	}
	st := OfflineStatus{Books: len(books), BudgetBytes: m.budget}
	for _, b := range books {
		st.UsedBytes += b.SizeBytes
		if b.WillKeep {
			st.Pinned++
		}
		if b.IsFavorite {
			st.Favorites++
		}
	}
	return st, nil
}

// evictable returns eviction candidates in eviction order: pinned books
// excluded entirely; then ascending priority (low first), favorites
// after non-favorites within the same tier, least-recently-used first
// as the final tiebreak.
func evictable(books []model.CachedBook, exceptID string) []model.CachedBook {
	var out []model.CachedBook
	for _, b := range books {
		if b.WillKeep || b.BookID == exceptID {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].IsFavorite != out[j].IsFavorite {
			return !out[i].IsFavorite
		}
		if !out[i].LastAccessed.Equal(out[j].LastAccessed) {
			return out[i].LastAccessed.Before(out[j].LastAccessed)
		}
		return out[i].BookID < out[j].BookID
	})
	return out
}

// evictionPlan picks victims until need bytes are reclaimed or the
// candidates run out. Returns the victims and the total reclaimable.
func evictionPlan(books []model.CachedBook, exceptID string, need int64) ([]model.CachedBook, int64) {
	candidates := evictable(books, exceptID)
	var victims []model.CachedBook
	var got int64
	for _, b := range candidates {
		if got >= need {
			break
		}
		victims = append(victims, b)
		got += b.SizeBytes
	}
	if got < need {
		// Report full reclaimable capacity so the caller can tell
		// "cannot fit ever" apart from "fits after eviction".
		for i := len(victims); i < len(candidates); i++ {
			got += candidates[i].SizeBytes
		}
	}
	return victims, got
}
