// Package position converts raw reader selections into durable Position
// records and scores how likely the format-native locator is to survive
// a re-render.
package position

import (
	"errors"
	"fmt"

	"github.com/quillsync/quill/internal/model"
)

// Context window captured around a selection, in characters per side.
const ContextWindow = 50

// Confidence knobs. A fallback-only position never scores above
// FallbackOnlyCeiling: the primary locator is gone, only the text anchor
// remains.
const (
	FallbackOnlyCeiling = 0.3
	shortTextLen        = 10
	shortTextPenalty    = 0.2
	missingCtxPenalty   = 0.15
)

// ErrPositionUnresolvable is wrapped by recoverable locator failures. It
// is never returned by CalculatePosition itself, which degrades to a
// fallback-only position instead of failing.
var ErrPositionUnresolvable = errors.New("position unresolvable")

// Selection is what the (out-of-scope) reader UI hands us: the selected
// text, its offset into the rendered text stream, and surrounding context.
type Selection struct {
	Text          string
	ContextBefore string
	ContextAfter  string
	CharOffset    int
	ChapterID     string
	PageNumber    int
}

// Renderer is the capability surface of a format-specific rendering
// engine. Locate computes the format-native primary locator for a
// selection from the engine's current document state; it may fail after
// reflow or on a foreign viewport, which the calculator tolerates.
type Renderer interface {
	BookType() model.BookType
	Locate(sel Selection) (*model.PrimaryPosition, error)
}

// Calculator builds Positions, dispatching on the book's explicit type
// tag rather than on renderer implementation.
type Calculator struct {
	renderers map[model.BookType]Renderer
}

// NewCalculator registers the given renderers by their book type.
func NewCalculator(renderers ...Renderer) *Calculator {
	m := make(map[model.BookType]Renderer, len(renderers))
	for _, r := range renderers {
		m[r.BookType()] = r
	}
	return &Calculator{renderers: m}
}

// CalculatePosition builds a Position for sel. The fallback anchor is
// always populated from the selection, regardless of whether the primary
// locator succeeded: a fallback-only anchor beats losing the highlight.
func (c *Calculator) CalculatePosition(sel Selection, bt model.BookType) (model.Position, error) {
	if sel.Text == "" {
		return model.Position{}, fmt.Errorf("empty selection text: %w", ErrPositionUnresolvable)
	}

	pos := model.Position{
		Fallback: model.Fallback{
			TextContent:   sel.Text,
			ContextBefore: clampContext(sel.ContextBefore, true),
			ContextAfter:  clampContext(sel.ContextAfter, false),
			ChapterID:     sel.ChapterID,
			PageNumber:    sel.PageNumber,
		},
	}

	if r, ok := c.renderers[bt]; ok {
		if primary, err := r.Locate(sel); err == nil && primary != nil {
			if primary.CharOffset == 0 {
				primary.CharOffset = sel.CharOffset
			}
			pos.Primary = primary
		}
		// Locator errors are swallowed: the fallback anchor carries on.
	}

	pos.Confidence = c.GetConfidence(pos)
	return pos, nil
}

// GetConfidence scores trust in the primary locator resolving after a
// re-render. Lower when the primary is absent, the anchor text is short,
// or surrounding context is missing (selection at document start/end).
func (c *Calculator) GetConfidence(pos model.Position) float64 {
	score := 1.0
	if len(pos.Fallback.TextContent) < shortTextLen {
		score -= shortTextPenalty
	}
	if pos.Fallback.ContextBefore == "" {
		score -= missingCtxPenalty
	}
	if pos.Fallback.ContextAfter == "" {
		score -= missingCtxPenalty
	}
	if pos.Primary == nil && score > FallbackOnlyCeiling {
		score = FallbackOnlyCeiling
	}
	if score < 0 {
		score = 0
	}
	return score
}

// ValidatePosition rejects positions whose primary locator does not match
// the book's rendering strategy, and unanchored positions outright.
func (c *Calculator) ValidatePosition(pos model.Position, bt model.BookType) error {
	if pos.Fallback.TextContent == "" {
		return fmt.Errorf("fallback text content empty: %w", ErrPositionUnresolvable)
	}
	if !pos.MatchesBookType(bt) {
		return fmt.Errorf("primary locator %q does not match book type %q: %w",
			pos.Primary.Type, bt, ErrPositionUnresolvable)
	}
	return nil
}

// clampContext trims context to the window, keeping the characters
// nearest the selection (suffix of before, prefix of after).
func clampContext(s string, before bool) string {
	r := []rune(s)
	if len(r) <= ContextWindow {
		return s
	}
	if before {
		return string(r[len(r)-ContextWindow:])
	}
	return string(r[:ContextWindow])
}
