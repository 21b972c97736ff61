package model

// PrimaryType tags which format-native locator a primary position carries.
type PrimaryType string

const (
	PrimaryCFI         PrimaryType = "cfi"
	PrimaryCoordinates PrimaryType = "coordinates"
)

// Coordinates is a page-relative pixel rectangle for fixed-layout PDF.
type Coordinates struct {
	PageNumber int     `json:"pageNumber"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// PrimaryPosition is the format-native locator: a CFI string for
// reflowable EPUB or page coordinates for fixed-layout PDF. It may drift
// after reflow, so a Fallback always accompanies it.
type PrimaryPosition struct {
	Type        PrimaryType  `json:"type"`
	CFI         string       `json:"cfi,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	CharOffset  int          `json:"charOffset,omitempty"`
}

// Fallback is the text-content anchor. TextContent must never be empty:
// it is the last locator standing when the primary cannot be resolved on
// another platform or after a reflow.
type Fallback struct {
	TextContent   string `json:"textContent"`
	ContextBefore string `json:"contextBefore,omitempty"`
	ContextAfter  string `json:"contextAfter,omitempty"`
	ChapterID     string `json:"chapterId,omitempty"`
	PageNumber    int    `json:"pageNumber,omitempty"`
}

// Position is the dual-strategy locator of a highlight.
type Position struct {
	Primary    *PrimaryPosition `json:"primary,omitempty"`
	Fallback   Fallback         `json:"fallback"`
	Confidence float64          `json:"confidence"`
}

// MatchesBookType reports whether the primary locator (if any) is usable
// under the given rendering strategy.
func (p Position) MatchesBookType(bt BookType) bool {
	if p.Primary == nil {
		return true // fallback-only positions resolve anywhere
	}
	switch bt {
	case BookTypeEpub:
		return p.Primary.Type == PrimaryCFI
	case BookTypePdf:
		return p.Primary.Type == PrimaryCoordinates
	default:
		return false
	}
}
