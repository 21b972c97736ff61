package sync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quillsync/quill/internal/model"
)

// StateStore persists per-book sync state: the last-seen remote version,
// the ETag guarding the next conditional write, and the last-synced
// baseline the queued operations are replayed against.
type StateStore struct {
	db *sql.DB
}

// NewStateStore wraps the local database.
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// BookState is one book's persisted sync state.
type BookState struct {
	Version  int64
	ETag     string
	LastSync time.Time
	Baseline *model.HighlightFile // nil before the first successful sync
}

// Load returns the book's state; a zero BookState when never synced.
func (s *StateStore) Load(bookID string) (BookState, error) {
	var st BookState
	var lastSync float64
	var baseline []byte
	err := s.db.QueryRow(`
		SELECT version, etag, last_sync, baseline FROM sync_state WHERE book_id = ?
	`, bookID).Scan(&st.Version, &st.ETag, &lastSync, &baseline)
	if err == sql.ErrNoRows {
		return BookState{}, nil
	}
	if err != nil {
		return BookState{}, fmt.Errorf("load sync state: %w", err)
	}
	st.LastSync = fromEpoch(lastSync)
	if len(baseline) > 0 {
		var f model.HighlightFile
		if err := json.Unmarshal(baseline, &f); err != nil {
			return BookState{}, fmt.Errorf("unmarshal baseline: %w", err)
		}
		st.Baseline = &f
	}
	return st, nil
}

// Save upserts the book's state after a successful round.
func (s *StateStore) Save(bookID string, st BookState) error {
	var baseline []byte
	if st.Baseline != nil {
		var err error
		baseline, err = json.Marshal(st.Baseline)
		if err != nil {
			return fmt.Errorf("marshal baseline: %w", err)
		}
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_state (book_id, version, etag, last_sync, baseline)
		VALUES (?, ?, ?, ?, ?)
	`, bookID, st.Version, st.ETag, toEpoch(st.LastSync), baseline)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}
