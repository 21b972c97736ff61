package model

import (
	"sort"
	"time"
)

// FileMetadata is the metadata block of a HighlightFile.
type FileMetadata struct {
	TotalHighlights int                       `json:"totalHighlights"`
	LastModified    time.Time                 `json:"lastModified"`
	Platforms       []string                  `json:"platforms"`
	Progress        map[Platform]ProgressData `json:"progress,omitempty"`
}

// HighlightFile is the per-book shared-storage artifact both clients
// read-modify-write. The file, not the individual highlight, is the unit
// of synchronization; Version is the optimistic-concurrency counter and
// must always be compared as an integer.
type HighlightFile struct {
	BookID     string       `json:"bookId"`
	Version    int64        `json:"version"`
	LastSync   time.Time    `json:"lastSync"`
	Highlights []Highlight  `json:"highlights"`
	Tombstones []Tombstone  `json:"tombstones,omitempty"`
	Metadata   FileMetadata `json:"metadata"`
}

// NewHighlightFile returns an empty version-0 file for a book.
func NewHighlightFile(bookID string) *HighlightFile {
	return &HighlightFile{
		BookID:     bookID,
		Highlights: []Highlight{},
		Metadata:   FileMetadata{Platforms: []string{}},
	}
}

// Touch refreshes the derived metadata after the highlight set changed.
// Platform membership only ever grows and stays sorted.
func (f *HighlightFile) Touch(p Platform, now time.Time) {
	f.LastSync = now.UTC()
	f.Metadata.TotalHighlights = len(f.Highlights)
	f.Metadata.LastModified = now.UTC()
	f.addPlatform(string(p))
}

func (f *HighlightFile) addPlatform(p string) {
	for _, existing := range f.Metadata.Platforms {
		if existing == p {
			return
		}
	}
	f.Metadata.Platforms = append(f.Metadata.Platforms, p)
	sort.Strings(f.Metadata.Platforms)
}

// RecordProgress keeps the newest progress report per platform.
func (f *HighlightFile) RecordProgress(p Platform, d ProgressData) {
	if f.Metadata.Progress == nil {
		f.Metadata.Progress = make(map[Platform]ProgressData)
	}
	f.Metadata.Progress[p] = d
	f.addPlatform(string(p))
}
