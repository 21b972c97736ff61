package highlight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsync/quill/internal/model"
)

type recordingListener struct {
	created []model.Highlight
	updated []model.Highlight
	deleted []model.Tombstone
}

func (l *recordingListener) HighlightCreated(h model.Highlight) { l.created = append(l.created, h) }
func (l *recordingListener) HighlightUpdated(h model.Highlight) { l.updated = append(l.updated, h) }
func (l *recordingListener) HighlightDeleted(t model.Tombstone) { l.deleted = append(l.deleted, t) }

func anchoredPosition(text string) model.Position {
	return model.Position{
		Fallback: model.Fallback{
			TextContent:   text,
			ContextBefore: "before ",
			ContextAfter:  " after",
			ChapterID:     "ch-1",
			PageNumber:    7,
		},
		Confidence: 0.3,
	}
}

func testManager(t *testing.T) (*Manager, *recordingListener, *time.Time) {
	t.Helper()
	l := &recordingListener{}
	m := NewManager(model.PlatformMobile, l)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, l, &clock
}

func TestCreateHighlight(t *testing.T) {
	m, l, clock := testManager(t)

	h, err := m.CreateHighlight("book-1", "the wind rose", anchoredPosition("the wind rose"), model.ColorYellow, "", []string{"weather"})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, "book-1", h.BookID)
	assert.Equal(t, *clock, h.CreatedAt)
	assert.Equal(t, h.CreatedAt, h.UpdatedAt)
	assert.Equal(t, h.CreatedAt, h.LastModified)
	assert.Equal(t, model.PlatformMobile, h.Platform)

	require.Len(t, l.created, 1)
	assert.Equal(t, h.ID, l.created[0].ID)
}

func TestCreateHighlight_Validation(t *testing.T) {
	m, _, _ := testManager(t)

	_, err := m.CreateHighlight("book-1", "", anchoredPosition("x"), model.ColorYellow, "", nil)
	assert.Error(t, err, "empty text rejected")

	_, err = m.CreateHighlight("book-1", "text", model.Position{}, model.ColorYellow, "", nil)
	assert.Error(t, err, "missing fallback anchor rejected")

	_, err = m.CreateHighlight("book-1", "text", anchoredPosition("text"), model.Color("magenta"), "", nil)
	assert.Error(t, err, "off-palette color rejected")
}

func TestUpdateHighlight(t *testing.T) {
	m, l, clock := testManager(t)
	h, err := m.CreateHighlight("book-1", "original", anchoredPosition("original"), model.ColorYellow, "", nil)
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	note := "an observation"
	color := model.ColorGreen
	got, err := m.UpdateHighlight("book-1", h.ID, Update{Note: &note, Color: &color, Tags: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "an observation", got.Note)
	assert.Equal(t, model.ColorGreen, got.Color)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Equal(t, h.CreatedAt, got.CreatedAt, "createdAt is immutable")
	assert.Equal(t, *clock, got.UpdatedAt)
	assert.Equal(t, *clock, got.LastModified)
	require.Len(t, l.updated, 1)
}

func TestUpdateHighlight_TextRebindsAnchor(t *testing.T) {
	m, _, _ := testManager(t)
	h, err := m.CreateHighlight("book-1", "old words", anchoredPosition("old words"), model.ColorBlue, "", nil)
	require.NoError(t, err)

	text := "new words"
	got, err := m.UpdateHighlight("book-1", h.ID, Update{Text: &text})
	require.NoError(t, err)
	assert.Equal(t, "new words", got.Text)
	assert.Equal(t, "new words", got.Position.Fallback.TextContent)
}

func TestUpdateHighlight_Validation(t *testing.T) {
	m, _, _ := testManager(t)
	h, err := m.CreateHighlight("book-1", "text", anchoredPosition("text"), model.ColorYellow, "", nil)
	require.NoError(t, err)

	_, err = m.UpdateHighlight("book-1", "no-such-id", Update{})
	assert.ErrorIs(t, err, ErrNotFound)

	bad := model.Color("chartreuse")
	_, err = m.UpdateHighlight("book-1", h.ID, Update{Color: &bad})
	assert.Error(t, err)

	imp := 9
	_, err = m.UpdateHighlight("book-1", h.ID, Update{Importance: &imp})
	assert.Error(t, err)
}

func TestDeleteHighlight_LeavesTombstone(t *testing.T) {
	m, l, clock := testManager(t)
	h, err := m.CreateHighlight("book-1", "doomed", anchoredPosition("doomed"), model.ColorPink, "", nil)
	require.NoError(t, err)

	*clock = clock.Add(time.Hour)
	require.NoError(t, m.DeleteHighlight("book-1", h.ID))

	_, err = m.GetHighlight("book-1", h.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	tombs := m.Tombstones("book-1")
	require.Len(t, tombs, 1)
	assert.Equal(t, h.ID, tombs[0].HighlightID)
	assert.Equal(t, *clock, tombs[0].DeletedAt)
	assert.Equal(t, model.PlatformMobile, tombs[0].Platform)
	require.Len(t, l.deleted, 1)

	assert.ErrorIs(t, m.DeleteHighlight("book-1", h.ID), ErrNotFound, "double delete fails loudly")
}

func TestGetHighlightsForBook_CreationOrderStable(t *testing.T) {
	m, _, _ := testManager(t)
	a, _ := m.CreateHighlight("book-1", "first selection", anchoredPosition("first selection"), model.ColorYellow, "", nil)
	b, _ := m.CreateHighlight("book-1", "second selection", anchoredPosition("second selection"), model.ColorYellow, "", nil)
	c, _ := m.CreateHighlight("book-1", "third selection", anchoredPosition("third selection"), model.ColorYellow, "", nil)

	note := "edited"
	_, err := m.UpdateHighlight("book-1", a.ID, Update{Note: &note})
	require.NoError(t, err)
	require.NoError(t, m.DeleteHighlight("book-1", b.ID))

	got := m.GetHighlightsForBook("book-1")
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID, "editing does not re-order")
	assert.Equal(t, c.ID, got[1].ID)
}

func TestBooksAreIsolated(t *testing.T) {
	m, _, _ := testManager(t)
	_, err := m.CreateHighlight("book-1", "in book one", anchoredPosition("in book one"), model.ColorYellow, "", nil)
	require.NoError(t, err)

	assert.Empty(t, m.GetHighlightsForBook("book-2"))
	assert.Empty(t, m.Tombstones("book-2"))
}

func TestRecordReview(t *testing.T) {
	m, l, clock := testManager(t)
	h, err := m.CreateHighlight("book-1", "to review", anchoredPosition("to review"), model.ColorOrange, "", nil)
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	got, err := m.RecordReview("book-1", h.ID, "good")
	require.NoError(t, err)
	require.Len(t, got.ReviewHistory, 1)
	assert.Equal(t, "good", got.ReviewHistory[0].Outcome)
	assert.Equal(t, *clock, got.LastModified)
	require.Len(t, l.updated, 1)
}

func TestReplaceBook(t *testing.T) {
	m, _, _ := testManager(t)
	old, err := m.CreateHighlight("book-1", "superseded", anchoredPosition("superseded"), model.ColorYellow, "", nil)
	require.NoError(t, err)
	require.NoError(t, m.DeleteHighlight("book-1", old.ID))

	merged := []model.Highlight{
		{ID: "m-1", BookID: "book-1", Text: "merged one", Color: model.ColorBlue},
		{ID: "m-2", BookID: "book-1", Text: "merged two", Color: model.ColorGreen},
	}
	m.ReplaceBook("book-1", merged)

	got := m.GetHighlightsForBook("book-1")
	require.Len(t, got, 2)
	assert.Equal(t, "m-1", got[0].ID)
	assert.Equal(t, "m-2", got[1].ID)
	assert.Empty(t, m.Tombstones("book-1"), "folded tombstones are dropped")
}

func TestGetStats(t *testing.T) {
	m, _, _ := testManager(t)
	_, err := m.CreateHighlight("book-1", "plain highlight", anchoredPosition("plain highlight"), model.ColorYellow, "", nil)
	require.NoError(t, err)
	noted, err := m.CreateHighlight("book-1", "noted highlight", anchoredPosition("noted highlight"), model.ColorGreen, "a note", []string{"tag"})
	require.NoError(t, err)
	_, err = m.RecordReview("book-1", noted.ID, "easy")
	require.NoError(t, err)

	s := m.GetStats("book-1")
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Noted)
	assert.Equal(t, 1, s.Tagged)
	assert.Equal(t, 1, s.Reviewed)
	assert.Equal(t, 1, s.ByColor[model.ColorYellow])
	assert.Equal(t, 1, s.ByColor[model.ColorGreen])
}
