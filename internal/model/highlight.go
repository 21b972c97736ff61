// Package model holds the shared data types of the highlight sync engine:
// highlights, positions, tombstones, queued operations and cache records.
package model

import (
	"time"

	"github.com/google/uuid"
)

// BookType selects the rendering strategy a position was computed against.
type BookType string

const (
	BookTypeEpub BookType = "epub"
	BookTypePdf  BookType = "pdf"
)

// Platform identifies the client that created or last modified a record.
type Platform string

const (
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
)

// Rank orders platforms for the last-resort deterministic tiebreak
// (web < mobile). Unknown platforms sort after the known ones.
func (p Platform) Rank() int {
	switch p {
	case PlatformWeb:
		return 0
	case PlatformMobile:
		return 1
	default:
		return 2
	}
}

// Color is one of the fixed highlight palette values.
type Color string

const (
	ColorYellow Color = "yellow"
	ColorGreen  Color = "green"
	ColorBlue   Color = "blue"
	ColorPink   Color = "pink"
	ColorOrange Color = "orange"
)

// Palette lists the allowed highlight colors.
var Palette = []Color{ColorYellow, ColorGreen, ColorBlue, ColorPink, ColorOrange}

// Valid reports whether c is in the palette.
func (c Color) Valid() bool {
	for _, p := range Palette {
		if c == p {
			return true
		}
	}
	return false
}

// ReviewEvent is one spaced-repetition review of a highlight.
type ReviewEvent struct {
	ReviewedAt time.Time `json:"reviewedAt"`
	Outcome    string    `json:"outcome"` // again, hard, good, easy
	Platform   Platform  `json:"platform"`
}

// Highlight is one annotation of a passage in a book. IDs are opaque,
// unique per book and never regenerated by a merge.
type Highlight struct {
	ID         string   `json:"id"`
	BookID     string   `json:"bookId"`
	Text       string   `json:"text"`
	Color      Color    `json:"color"`
	Note       string   `json:"note,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	PageNumber int      `json:"pageNumber,omitempty"`
	Chapter    string   `json:"chapter,omitempty"`
	Position   Position `json:"position"`

	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastModified time.Time `json:"lastModified"`
	Platform     Platform  `json:"platform"`

	Importance    int           `json:"importance,omitempty"` // 1..5, 0 = unset
	ReviewHistory []ReviewEvent `json:"reviewHistory,omitempty"`
}

// NewID allocates a fresh highlight id.
func NewID() string {
	return uuid.New().String()
}

// Clone returns a deep copy of h.
func (h Highlight) Clone() Highlight {
	c := h
	if h.Tags != nil {
		c.Tags = append([]string(nil), h.Tags...)
	}
	if h.ReviewHistory != nil {
		c.ReviewHistory = append([]ReviewEvent(nil), h.ReviewHistory...)
	}
	if h.Position.Primary != nil {
		p := *h.Position.Primary
		c.Position.Primary = &p
	}
	return c
}

// NewerThan reports whether h wins a last-write-wins comparison against
// other. lastModified is authoritative; equal timestamps fall back to
// platform rank, then id, so both devices converge without talking.
func (h Highlight) NewerThan(other Highlight) bool {
	if !h.LastModified.Equal(other.LastModified) {
		return h.LastModified.After(other.LastModified)
	}
	if h.Platform.Rank() != other.Platform.Rank() {
		return h.Platform.Rank() < other.Platform.Rank()
	}
	return h.ID < other.ID
}

// Tombstone marks a deleted highlight so the deletion propagates through
// merges instead of being resurrected by a stale copy on the other device.
type Tombstone struct {
	HighlightID  string    `json:"highlightId"`
	BookID       string    `json:"bookId"`
	DeletedAt    time.Time `json:"deletedAt"`
	LastModified time.Time `json:"lastModified"`
	Platform     Platform  `json:"platform"`
}

// Supersedes reports whether the tombstone is newer than the live copy h
// and should remove it from a merged set.
func (t Tombstone) Supersedes(h Highlight) bool {
	if !t.LastModified.Equal(h.LastModified) {
		return t.LastModified.After(h.LastModified)
	}
	// Equal timestamps: deleting wins, it is the explicit user intent.
	return true
}

// UnionTags merges two tag sets, preserving a's order then b's new tags.
func UnionTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, lists := range [][]string{a, b} {
		for _, t := range lists {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}
