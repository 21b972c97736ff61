package position

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsync/quill/internal/model"
)

func workingEpub() Renderer {
	return EpubRenderer(func(sel Selection) (*model.PrimaryPosition, error) {
		return &model.PrimaryPosition{Type: model.PrimaryCFI, CFI: "epubcfi(/6/14!/4/2/14)"}, nil
	})
}

func workingPdf() Renderer {
	return PdfRenderer(func(sel Selection) (*model.PrimaryPosition, error) {
		return &model.PrimaryPosition{
			Type:        model.PrimaryCoordinates,
			Coordinates: &model.Coordinates{PageNumber: sel.PageNumber, X: 72, Y: 144, Width: 301, Height: 14},
		}, nil
	})
}

func brokenRenderer(bt model.BookType) Renderer {
	fn := func(sel Selection) (*model.PrimaryPosition, error) {
		return nil, fmt.Errorf("layout engine: node detached from document")
	}
	if bt == model.BookTypeEpub {
		return EpubRenderer(fn)
	}
	return PdfRenderer(fn)
}

func sel(text string) Selection {
	return Selection{
		Text:          text,
		ContextBefore: "some context leading up to the selection of ",
		ContextAfter:  " and the text that follows it afterwards",
		CharOffset:    120,
		ChapterID:     "ch-3",
		PageNumber:    42,
	}
}

func TestCalculatePosition_Epub(t *testing.T) {
	c := NewCalculator(workingEpub())

	pos, err := c.CalculatePosition(sel("a perfectly ordinary selection"), model.BookTypeEpub)
	require.NoError(t, err)
	require.NotNil(t, pos.Primary)
	assert.Equal(t, model.PrimaryCFI, pos.Primary.Type)
	assert.Equal(t, 120, pos.Primary.CharOffset)
	assert.Equal(t, "a perfectly ordinary selection", pos.Fallback.TextContent)
	assert.Equal(t, 1.0, pos.Confidence)
}

func TestCalculatePosition_Pdf(t *testing.T) {
	c := NewCalculator(workingPdf())

	pos, err := c.CalculatePosition(sel("a perfectly ordinary selection"), model.BookTypePdf)
	require.NoError(t, err)
	require.NotNil(t, pos.Primary)
	assert.Equal(t, model.PrimaryCoordinates, pos.Primary.Type)
	assert.Equal(t, 42, pos.Primary.Coordinates.PageNumber)
}

func TestCalculatePosition_RendererFailureDegradesToFallback(t *testing.T) {
	c := NewCalculator(brokenRenderer(model.BookTypeEpub))

	pos, err := c.CalculatePosition(sel("a perfectly ordinary selection"), model.BookTypeEpub)
	require.NoError(t, err, "locator failure must not lose the highlight")
	assert.Nil(t, pos.Primary)
	assert.Equal(t, "a perfectly ordinary selection", pos.Fallback.TextContent)
	assert.LessOrEqual(t, pos.Confidence, FallbackOnlyCeiling)
	assert.Greater(t, pos.Confidence, 0.0)
}

func TestCalculatePosition_NoRendererRegistered(t *testing.T) {
	c := NewCalculator()

	pos, err := c.CalculatePosition(sel("still works without any engine"), model.BookTypePdf)
	require.NoError(t, err)
	assert.Nil(t, pos.Primary)
	assert.LessOrEqual(t, pos.Confidence, FallbackOnlyCeiling)
}

func TestCalculatePosition_EmptySelectionRejected(t *testing.T) {
	c := NewCalculator(workingEpub())
	_, err := c.CalculatePosition(Selection{}, model.BookTypeEpub)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPositionUnresolvable)
}

func TestCalculatePosition_ContextClampedToWindow(t *testing.T) {
	c := NewCalculator(workingEpub())
	s := sel("text")
	s.ContextBefore = strings.Repeat("b", 200) + "END"
	s.ContextAfter = "START" + strings.Repeat("a", 200)

	pos, err := c.CalculatePosition(s, model.BookTypeEpub)
	require.NoError(t, err)
	assert.Len(t, pos.Fallback.ContextBefore, ContextWindow)
	assert.Len(t, pos.Fallback.ContextAfter, ContextWindow)
	assert.True(t, strings.HasSuffix(pos.Fallback.ContextBefore, "END"), "keeps the end of leading context")
	assert.True(t, strings.HasPrefix(pos.Fallback.ContextAfter, "START"), "keeps the start of trailing context")
}

func TestGetConfidence_Penalties(t *testing.T) {
	c := NewCalculator()
	primary := &model.PrimaryPosition{Type: model.PrimaryCFI, CFI: "epubcfi(/6/4!/4/2)"}

	full := model.Position{
		Primary:  primary,
		Fallback: model.Fallback{TextContent: "long enough anchor", ContextBefore: "x", ContextAfter: "x"},
	}
	assert.Equal(t, 1.0, c.GetConfidence(full))

	short := full
	short.Fallback.TextContent = "tiny"
	assert.Less(t, c.GetConfidence(short), c.GetConfidence(full), "short anchors are ambiguous")

	docStart := full
	docStart.Fallback.ContextBefore = ""
	assert.Less(t, c.GetConfidence(docStart), c.GetConfidence(full))

	docEnd := docStart
	docEnd.Fallback.ContextAfter = ""
	assert.Less(t, c.GetConfidence(docEnd), c.GetConfidence(docStart))

	noPrimary := full
	noPrimary.Primary = nil
	assert.LessOrEqual(t, c.GetConfidence(noPrimary), FallbackOnlyCeiling)
}

func TestValidatePosition(t *testing.T) {
	c := NewCalculator()

	cfi := model.Position{
		Primary:  &model.PrimaryPosition{Type: model.PrimaryCFI},
		Fallback: model.Fallback{TextContent: "anchor"},
	}
	assert.NoError(t, c.ValidatePosition(cfi, model.BookTypeEpub))
	assert.Error(t, c.ValidatePosition(cfi, model.BookTypePdf), "a CFI cannot resolve in a PDF renderer")

	unanchored := model.Position{Primary: &model.PrimaryPosition{Type: model.PrimaryCFI}}
	assert.Error(t, c.ValidatePosition(unanchored, model.BookTypeEpub))

	fallbackOnly := model.Position{Fallback: model.Fallback{TextContent: "anchor"}}
	assert.NoError(t, c.ValidatePosition(fallbackOnly, model.BookTypeEpub))
	assert.NoError(t, c.ValidatePosition(fallbackOnly, model.BookTypePdf))
}
