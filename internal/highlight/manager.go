// Package highlight owns the canonical in-memory highlight set per book.
// All mutations go through the Manager; UI edits and background sync for
// the same book serialize on its per-book lock.
package highlight

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quillsync/quill/internal/model"
)

// ErrNotFound is returned when a referenced highlight is absent. Deletes
// and updates never fail silently.
var ErrNotFound = errors.New("highlight not found")

// Update carries the mutable fields of an edit. Nil pointers leave the
// field untouched.
type Update struct {
	Text       *string
	Color      *model.Color
	Note       *string
	Tags       []string
	Importance *int
}

// Listener observes committed local mutations, typically to enqueue sync
// operations. Callbacks run under the book lock; they must not block.
type Listener interface {
	HighlightCreated(h model.Highlight)
	HighlightUpdated(h model.Highlight)
	HighlightDeleted(t model.Tombstone)
}

type bookSet struct {
	mu         sync.Mutex
	order      []string // creation order, stable across mutations
	highlights map[string]model.Highlight
	tombstones map[string]model.Tombstone
}

// Manager performs highlight CRUD with invariant enforcement. Local
// mutations always succeed against the local set immediately; sync state
// never blocks or rolls back an edit.
type Manager struct {
	mu       sync.Mutex
	books    map[string]*bookSet
	platform model.Platform
	listener Listener
	now      func() time.Time
}

// NewManager returns a Manager stamping mutations with the given origin
// platform. listener may be nil.
func NewManager(platform model.Platform, listener Listener) *Manager {
	return &Manager{
		books:    make(map[string]*bookSet),
		platform: platform,
		listener: listener,
		now:      time.Now,
	}
}

// SetListener installs the mutation observer. Call during wiring, before
// concurrent use; it exists because the listener (the sync coordinator)
// is constructed after the manager it observes.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

func (m *Manager) book(bookID string) *bookSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		b = &bookSet{
			highlights: make(map[string]model.Highlight),
			tombstones: make(map[string]model.Tombstone),
		}
		m.books[bookID] = b
	}
	return b
}

// CreateHighlight allocates a fresh id and stamps
// createdAt=updatedAt=lastModified=now.
func (m *Manager) CreateHighlight(bookID, text string, pos model.Position, color model.Color, note string, tags []string) (model.Highlight, error) {
	if text == "" {
		return model.Highlight{}, fmt.Errorf("highlight text must not be empty")
	}
	if pos.Fallback.TextContent == "" {
		return model.Highlight{}, fmt.Errorf("position has no fallback anchor")
	}
	if !color.Valid() {
		return model.Highlight{}, fmt.Errorf("color %q not in palette", color)
	}

	now := m.now().UTC()
	h := model.Highlight{
		ID:           model.NewID(),
		BookID:       bookID,
		Text:         text,
		Color:        color,
		Note:         note,
		Tags:         append([]string(nil), tags...),
		PageNumber:   pos.Fallback.PageNumber,
		Chapter:      pos.Fallback.ChapterID,
		Position:     pos,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastModified: now,
		Platform:     m.platform,
	}

	b := m.book(bookID)
	b.mu.Lock()
	b.highlights[h.ID] = h
	b.order = append(b.order, h.ID)
	if m.listener != nil {
		m.listener.HighlightCreated(h.Clone())
	}
	b.mu.Unlock()
	return h, nil
}

// UpdateHighlight merges updates into the record and re-stamps
// updatedAt/lastModified. Fails with ErrNotFound when id is absent.
func (m *Manager) UpdateHighlight(bookID, id string, u Update) (model.Highlight, error) {
	b := m.book(bookID)
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.highlights[id]
	if !ok {
		return model.Highlight{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if u.Text != nil {
		h.Text = *u.Text
		h.Position.Fallback.TextContent = *u.Text
	}
	if u.Color != nil {
		if !u.Color.Valid() {
			return model.Highlight{}, fmt.Errorf("color %q not in palette", *u.Color)
		}
		h.Color = *u.Color
	}
	if u.Note != nil {
		h.Note = *u.Note
	}
	if u.Tags != nil {
		h.Tags = append([]string(nil), u.Tags...)
	}
	if u.Importance != nil {
		if *u.Importance < 1 || *u.Importance > 5 {
			return model.Highlight{}, fmt.Errorf("importance %d out of range 1..5", *u.Importance)
		}
		h.Importance = *u.Importance
	}

	now := m.now().UTC()
	h.UpdatedAt = now
	h.LastModified = now
	h.Platform = m.platform
	b.highlights[id] = h
	if m.listener != nil {
		m.listener.HighlightUpdated(h.Clone())
	}
	return h, nil
}

// RecordReview appends a spaced-repetition review event.
func (m *Manager) RecordReview(bookID, id, outcome string) (model.Highlight, error) {
	b := m.book(bookID)
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.highlights[id]
	if !ok {
		return model.Highlight{}, fmt.Errorf("review %s: %w", id, ErrNotFound)
	}
	now := m.now().UTC()
	h.ReviewHistory = append(h.ReviewHistory, model.ReviewEvent{
		ReviewedAt: now,
		Outcome:    outcome,
		Platform:   m.platform,
	})
	h.UpdatedAt = now
	h.LastModified = now
	b.highlights[id] = h
	if m.listener != nil {
		m.listener.HighlightUpdated(h.Clone())
	}
	return h, nil
}

// DeleteHighlight removes the record and records a tombstone so the
// deletion propagates through sync. Fails with ErrNotFound when absent.
func (m *Manager) DeleteHighlight(bookID, id string) error {
	b := m.book(bookID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.highlights[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(b.highlights, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	now := m.now().UTC()
	t := model.Tombstone{
		HighlightID:  id,
		BookID:       bookID,
		DeletedAt:    now,
		LastModified: now,
		Platform:     m.platform,
	}
	b.tombstones[id] = t
	if m.listener != nil {
		m.listener.HighlightDeleted(t)
	}
	return nil
}

// GetHighlight returns a single highlight by id.
func (m *Manager) GetHighlight(bookID, id string) (model.Highlight, error) {
	b := m.book(bookID)
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.highlights[id]
	if !ok {
		return model.Highlight{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return h.Clone(), nil
}

// GetHighlightsForBook returns the book's highlights in creation order.
// The order is stable: mutations do not re-sort.
func (m *Manager) GetHighlightsForBook(bookID string) []model.Highlight {
	b := m.book(bookID)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Highlight, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.highlights[id]; ok {
			out = append(out, h.Clone())
		}
	}
	return out
}

// Tombstones returns pending deletion markers for a book.
func (m *Manager) Tombstones(bookID string) []model.Tombstone {
	b := m.book(bookID)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Tombstone, 0, len(b.tombstones))
	for _, t := range b.tombstones {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HighlightID < out[j].HighlightID })
	return out
}

// ReplaceBook swaps in a merged set after a successful sync round. The
// new order is the merged order (createdAt ascending); tombstones already
// folded into the merge are dropped.
func (m *Manager) ReplaceBook(bookID string, merged []model.Highlight) {
	b := m.book(bookID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.highlights = make(map[string]model.Highlight, len(merged))
	b.order = make([]string, 0, len(merged))
	for _, h := range merged {
		b.highlights[h.ID] = h.Clone()
		b.order = append(b.order, h.ID)
	}
	b.tombstones = make(map[string]model.Tombstone)
}

// Stats are read-only aggregates over one book's highlight set.
type Stats struct {
	Total    int
	ByColor  map[model.Color]int
	Noted    int
	Tagged   int
	Reviewed int
}

// GetStats computes aggregates for a book.
func (m *Manager) GetStats(bookID string) Stats {
	b := m.book(bookID)
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{ByColor: make(map[model.Color]int)}
	for _, h := range b.highlights {
		s.Total++
		s.ByColor[h.Color]++
		if h.Note != "" {
			s.Noted++
		}
		if len(h.Tags) > 0 {
			s.Tagged++
		}
		if len(h.ReviewHistory) > 0 {
			s.Reviewed++
		}
	}
	return s
}
