package model

import "time"

// CachePriority ranks cached books for eviction: low evicts first.
type CachePriority int

const (
	CacheLow CachePriority = iota
	CacheNormal
	CacheHigh
)

// String returns the config/CLI spelling of the priority.
func (p CachePriority) String() string {
	switch p {
	case CacheLow:
		return "low"
	case CacheHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParseCachePriority maps a spelling back to a priority. Unknown values
// fall back to normal.
func ParseCachePriority(s string) CachePriority {
	switch s {
	case "low":
		return CacheLow
	case "high":
		return CacheHigh
	default:
		return CacheNormal
	}
}

// CachedBook is a locally resident book plus cache metadata.
type CachedBook struct {
	BookID       string        `json:"bookId"`
	Title        string        `json:"title"`
	Author       string        `json:"author,omitempty"`
	Format       BookType      `json:"format"`
	SizeBytes    int64         `json:"sizeBytes"`
	CachedAt     time.Time     `json:"cachedAt"`
	LastAccessed time.Time     `json:"lastAccessed"`
	Priority     CachePriority `json:"priority"`
	IsFavorite   bool          `json:"isFavorite"`
	WillKeep     bool          `json:"willKeep"` // pinned, exempt from eviction
}
