// Package filter narrows highlight listings by color, tag, chapter,
// importance, or presence of a note.
package filter

import (
	"path/filepath"
	"strings"

	"github.com/quillsync/quill/internal/model"
)

// Criteria selects highlights. Zero-value fields do not constrain; all
// set fields must match. Tag and chapter values are glob patterns.
type Criteria struct {
	Colors        []model.Color
	Tags          []string
	Chapter       string
	MinImportance int
	NotedOnly     bool
}

// Match reports whether h satisfies every set criterion.
func (c Criteria) Match(h model.Highlight) bool {
	if len(c.Colors) > 0 && !containsColor(c.Colors, h.Color) {
		return false
	}
	if len(c.Tags) > 0 && !anyTagMatches(c.Tags, h.Tags) {
		return false
	}
	if c.Chapter != "" {
		matched, err := filepath.Match(c.Chapter, h.Chapter)
		if err != nil || !matched {
			return false
		}
	}
	if c.MinImportance > 0 && h.Importance < c.MinImportance {
		return false
	}
	if c.NotedOnly && strings.TrimSpace(h.Note) == "" {
		return false
	}
	return true
}

// Apply returns the highlights matching c, preserving order.
func Apply(hs []model.Highlight, c Criteria) []model.Highlight {
	out := make([]model.Highlight, 0, len(hs))
	for _, h := range hs {
		if c.Match(h) {
			out = append(out, h)
		}
	}
	return out
}

func containsColor(colors []model.Color, c model.Color) bool {
	for _, want := range colors {
		if want == c {
			return true
		}
	}
	return false
}

func anyTagMatches(patterns, tags []string) bool {
	for _, pattern := range patterns {
		for _, tag := range tags {
			if matched, err := filepath.Match(pattern, tag); err == nil && matched {
				return true
			}
		}
	}
	return false
}
