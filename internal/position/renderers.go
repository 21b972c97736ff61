package position

import "github.com/quillsync/quill/internal/model"

// LocateFunc adapts a bare locator function from a rendering engine into
// a Renderer. The engine itself (EPUB reflow, PDF page raster) lives
// outside this module; it only lends us its locate capability.
type LocateFunc func(sel Selection) (*model.PrimaryPosition, error)

type funcRenderer struct {
	bt model.BookType
	fn LocateFunc
}

func (f funcRenderer) BookType() model.BookType { return f.bt }

func (f funcRenderer) Locate(sel Selection) (*model.PrimaryPosition, error) {
	return f.fn(sel)
}

// EpubRenderer wraps an engine CFI locator for reflowable EPUB content.
func EpubRenderer(fn LocateFunc) Renderer {
	return funcRenderer{bt: model.BookTypeEpub, fn: fn}
}

// PdfRenderer wraps an engine coordinate locator for fixed-layout PDF.
func PdfRenderer(fn LocateFunc) Renderer {
	return funcRenderer{bt: model.BookTypePdf, fn: fn}
}
