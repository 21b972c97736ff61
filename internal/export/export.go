// Package export renders a book's highlight set as Markdown or JSON for
// use outside the reader.
package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quillsync/quill/internal/model"
)

// BookExport is a book's highlights plus the metadata worth carrying out.
type BookExport struct {
	BookID     string                                `json:"bookId"`
	Title      string                                `json:"title,omitempty"`
	ExportedAt time.Time                             `json:"exportedAt"`
	Progress   map[model.Platform]model.ProgressData `json:"progress,omitempty"`
	Highlights []model.Highlight                     `json:"highlights"`
}

// Build assembles an export. Highlights keep the order they arrive in
// (createdAt ascending after a sync).
func Build(bookID, title string, hs []model.Highlight, meta model.FileMetadata, now time.Time) *BookExport {
	return &BookExport{
		BookID:     bookID,
		Title:      title,
		ExportedAt: now.UTC(),
		Progress:   meta.Progress,
		Highlights: hs,
	}
}

// JSON renders the export as indented JSON.
func JSON(exp *BookExport) ([]byte, error) {
	return json.MarshalIndent(exp, "", "  ")
}

// Markdown renders the export as a document grouped by chapter, one
// blockquote per highlight with its note and tags underneath.
func Markdown(exp *BookExport) string {
	var b strings.Builder
	title := exp.Title
	if title == "" {
		title = exp.BookID
	}
	b.WriteString(fmt.Sprintf("# Highlights: %s\n\n", title))
	b.WriteString(fmt.Sprintf("exported %s, %d highlights\n",
		exp.ExportedAt.Format("2006-01-02"), len(exp.Highlights)))

	chapter := "\x00" // sentinel: differs from any real chapter, including ""
	for _, h := range exp.Highlights {
		if h.Chapter != chapter {
			chapter = h.Chapter
			name := chapter
			if name == "" {
				name = "(no chapter)"
			}
			b.WriteString(fmt.Sprintf("\n## %s\n\n", name))
		}
		b.WriteString(fmt.Sprintf("> %s\n\n", strings.ReplaceAll(h.Text, "\n", "\n> ")))
		if h.Note != "" {
			b.WriteString(fmt.Sprintf("%s\n\n", h.Note))
		}
		var meta []string
		if h.PageNumber > 0 {
			meta = append(meta, fmt.Sprintf("p. %d", h.PageNumber))
		}
		meta = append(meta, string(h.Color))
		for _, tag := range h.Tags {
			meta = append(meta, "#"+tag)
		}
		b.WriteString(fmt.Sprintf("<sub>%s</sub>\n", strings.Join(meta, " · ")))
	}
	return b.String()
}
