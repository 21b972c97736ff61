// Package cache decides which books stay resident on a size-constrained
// device: a storage budget in bytes, pinning, and a priority+recency
// eviction order.
package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quillsync/quill/internal/model"
)

// BookStore is the local persistent store collaborator: cached-book
// metadata keyed by book id.
type BookStore interface {
	Get(bookID string) (*model.CachedBook, error) // nil, nil when absent
	Put(book model.CachedBook) error
	Delete(bookID string) error
	ListAll() ([]model.CachedBook, error)
}

// SQLStore implements BookStore on the local sqlite database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps the local database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(bookID string) (*model.CachedBook, error) {
	row := s.db.QueryRow(`
		SELECT book_id, title, author, format, size_bytes, cached_at, last_accessed, priority, is_favorite, will_keep
		FROM cached_books WHERE book_id = ?
	`, bookID)
	b, err := scanBook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached book: %w", err)
	}
	return &b, nil
}

func (s *SQLStore) Put(b model.CachedBook) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO cached_books
			(book_id, title, author, format, size_bytes, cached_at, last_accessed, priority, is_favorite, will_keep)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.BookID, b.Title, b.Author, string(b.Format), b.SizeBytes,
		toEpoch(b.CachedAt), toEpoch(b.LastAccessed), int(b.Priority),
		boolInt(b.IsFavorite), boolInt(b.WillKeep))
	if err != nil {
		return fmt.Errorf("put cached book: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(bookID string) error {
	_, err := s.db.Exec(`DELETE FROM cached_books WHERE book_id = ?`, bookID)
	if err != nil {
		return fmt.Errorf("delete cached book: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAll() ([]model.CachedBook, error) {
	rows, err := s.db.Query(`
		SELECT book_id, title, author, format, size_bytes, cached_at, last_accessed, priority, is_favorite, will_keep
		FROM cached_books ORDER BY book_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list cached books: %w", err)
	}
	defer rows.Close()
	var out []model.CachedBook
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBook(r scanner) (model.CachedBook, error) {
	var b model.CachedBook
	var format string
	var cachedAt, lastAccessed float64
	var priority, fav, keep int
	err := r.Scan(&b.BookID, &b.Title, &b.Author, &format, &b.SizeBytes,
		&cachedAt, &lastAccessed, &priority, &fav, &keep)
	if err != nil {
		return model.CachedBook{}, err
	}
	b.Format = model.BookType(format)
	b.CachedAt = fromEpoch(cachedAt)
	b.LastAccessed = fromEpoch(lastAccessed)
	b.Priority = model.CachePriority(priority)
	b.IsFavorite = fav != 0
	b.WillKeep = keep != 0
	return b, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9)).UTC()
}
