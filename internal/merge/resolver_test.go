package merge

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsync/quill/internal/model"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func hl(id, text string, mod time.Time, platform model.Platform) model.Highlight {
	return model.Highlight{
		ID:           id,
		BookID:       "book-1",
		Text:         text,
		Color:        model.ColorYellow,
		Position:     model.Position{Fallback: model.Fallback{TextContent: text}},
		CreatedAt:    mod,
		UpdatedAt:    mod,
		LastModified: mod,
		Platform:     platform,
	}
}

func TestResolveConflicts_Idempotent(t *testing.T) {
	r := &Resolver{}
	set := []model.Highlight{
		hl("a", "the wind rose", base, model.PlatformWeb),
		hl("b", "a different passage entirely", base.Add(time.Minute), model.PlatformMobile),
	}
	merged := r.ResolveConflicts(set, set)
	require.Len(t, merged, 2)
	again := r.ResolveConflicts(merged, merged)
	assert.Equal(t, merged, again)
}

func TestResolveConflicts_SameTextSamePosition(t *testing.T) {
	r := &Resolver{}
	h1 := hl("h1", "the wind rose", base, model.PlatformWeb)
	h1.Tags = []string{"weather"}
	h2 := hl("h2", "the wind rose", base.Add(time.Minute), model.PlatformMobile)
	h2.Note = "storm imagery"
	h2.Tags = []string{"imagery"}

	merged := r.ResolveConflicts([]model.Highlight{h1}, []model.Highlight{h2})
	require.Len(t, merged, 1)
	assert.Equal(t, "h2", merged[0].ID, "later lastModified survives")
	assert.Equal(t, "storm imagery", merged[0].Note)
	assert.ElementsMatch(t, []string{"weather", "imagery"}, merged[0].Tags)
}

func TestResolveConflicts_DuplicateKeepsNonEmptyNote(t *testing.T) {
	r := &Resolver{}
	h1 := hl("h1", "the wind rose", base, model.PlatformWeb)
	h1.Note = "only note"
	h2 := hl("h2", "the wind rose", base.Add(time.Minute), model.PlatformMobile)

	merged := r.ResolveConflicts([]model.Highlight{h1}, []model.Highlight{h2})
	require.Len(t, merged, 1)
	assert.Equal(t, "h2", merged[0].ID)
	assert.Equal(t, "only note", merged[0].Note, "non-empty note preferred over winner's empty one")
}

func TestResolveConflicts_EqualTimestampPlatformTiebreak(t *testing.T) {
	r := &Resolver{}
	web := hl("w", "the wind rose", base, model.PlatformWeb)
	mobile := hl("m", "the wind rose", base, model.PlatformMobile)

	// Both orderings converge to the web copy.
	m1 := r.ResolveConflicts([]model.Highlight{web}, []model.Highlight{mobile})
	m2 := r.ResolveConflicts([]model.Highlight{mobile}, []model.Highlight{web})
	require.Len(t, m1, 1)
	require.Len(t, m2, 1)
	assert.Equal(t, "w", m1[0].ID)
	assert.Equal(t, m1[0].ID, m2[0].ID)
}

func TestResolveConflicts_SameIDLastWriteWins(t *testing.T) {
	r := &Resolver{}
	old := hl("same", "the wind rose", base, model.PlatformWeb)
	old.Tags = []string{"keep"}
	edited := hl("same", "the wind rose", base.Add(time.Hour), model.PlatformMobile)
	edited.Note = "edited on mobile"

	merged := r.ResolveConflicts([]model.Highlight{old}, []model.Highlight{edited})
	require.Len(t, merged, 1)
	assert.Equal(t, "edited on mobile", merged[0].Note)
	assert.Equal(t, []string{"keep"}, merged[0].Tags, "tags are grow-only across same-id merges")
}

func TestResolveSets_TombstoneWinsWhenNewer(t *testing.T) {
	r := &Resolver{}
	h3 := hl("h3", "doomed passage", base, model.PlatformMobile) // T0
	tomb := model.Tombstone{
		HighlightID:  "h3",
		BookID:       "book-1",
		DeletedAt:    base.Add(time.Hour),
		LastModified: base.Add(time.Hour), // T3 > T0
		Platform:     model.PlatformWeb,
	}

	merged, tombs := r.ResolveSets(nil, []model.Highlight{h3}, []model.Tombstone{tomb}, nil, base.Add(time.Hour))
	assert.Empty(t, merged, "newer tombstone removes the stale live copy")
	require.Len(t, tombs, 1)
	assert.Equal(t, "h3", tombs[0].HighlightID)
}

func TestResolveSets_OlderTombstoneLosesToNewerEdit(t *testing.T) {
	r := &Resolver{}
	edited := hl("h4", "resurrected passage", base.Add(2*time.Hour), model.PlatformMobile)
	tomb := model.Tombstone{
		HighlightID:  "h4",
		DeletedAt:    base,
		LastModified: base,
	}

	merged, _ := r.ResolveSets(nil, []model.Highlight{edited}, []model.Tombstone{tomb}, nil, base.Add(2*time.Hour))
	require.Len(t, merged, 1)
	assert.Equal(t, "h4", merged[0].ID)
}

func TestResolveSets_TombstoneRetentionPrunes(t *testing.T) {
	r := &Resolver{TombstoneRetention: 24 * time.Hour}
	fresh := model.Tombstone{HighlightID: "fresh", DeletedAt: base, LastModified: base}
	stale := model.Tombstone{HighlightID: "stale", DeletedAt: base.Add(-48 * time.Hour), LastModified: base.Add(-48 * time.Hour)}

	_, tombs := r.ResolveSets(nil, nil, []model.Tombstone{fresh, stale}, nil, base)
	require.Len(t, tombs, 1)
	assert.Equal(t, "fresh", tombs[0].HighlightID)
}

func TestResolveConflicts_OverlapRefinementKeepsLonger(t *testing.T) {
	r := &Resolver{}
	short := hl("s", "the wind rose", base, model.PlatformWeb)
	long := hl("l", "the wind rose over the harbor", base.Add(time.Second), model.PlatformMobile)
	ctx := strings.Repeat("x", 30)
	for _, h := range []*model.Highlight{&short, &long} {
		h.Position.Fallback.ContextBefore = ctx
		h.Position.Fallback.ContextAfter = ctx
	}

	merged := r.ResolveConflicts([]model.Highlight{short}, []model.Highlight{long})
	require.Len(t, merged, 1)
	assert.Equal(t, "l", merged[0].ID, "refinement keeps the longer selection")
}

func TestResolveConflicts_OverlapDistinctContextKeepsBoth(t *testing.T) {
	r := &Resolver{}
	// Same words highlighted at two different places in the book: the
	// shared-run overlap fires but the context windows disagree.
	a := hl("a", "call me ishmael tonight", base, model.PlatformWeb)
	a.Position.Fallback.ContextBefore = "chapter one opens with the line "
	b := hl("b", "me ishmael tonight and tomorrow", base, model.PlatformMobile)
	b.Position.Fallback.ContextBefore = "much later the narrator repeats "

	merged := r.ResolveConflicts([]model.Highlight{a}, []model.Highlight{b})
	assert.Len(t, merged, 2)
}

func TestResolveConflicts_SamePositionDifferentTextKeepsBoth(t *testing.T) {
	r := &Resolver{}
	a := hl("a", "first span of text here", base, model.PlatformWeb)
	a.Position.Fallback.PageNumber = 42
	a.Position.Primary = &model.PrimaryPosition{Type: model.PrimaryCFI, CharOffset: 100}
	b := hl("b", "completely unrelated words", base, model.PlatformMobile)
	b.Position.Fallback.PageNumber = 42
	b.Position.Primary = &model.PrimaryPosition{Type: model.PrimaryCFI, CharOffset: 110}

	conflicts := r.DetectConflicts([]model.Highlight{a}, []model.Highlight{b})
	require.Len(t, conflicts, 1)
	assert.Equal(t, SamePositionDifferentText, conflicts[0].Type)

	merged := r.ResolveConflicts([]model.Highlight{a}, []model.Highlight{b})
	assert.Len(t, merged, 2, "create-separate: data loss is worse than duplication")
}

func TestDetectConflicts_IgnoresSameIDPairs(t *testing.T) {
	r := &Resolver{}
	a := hl("same", "identical text", base, model.PlatformWeb)
	b := hl("same", "identical text", base.Add(time.Minute), model.PlatformMobile)
	assert.Empty(t, r.DetectConflicts([]model.Highlight{a}, []model.Highlight{b}))
}

func TestDetectConflicts_NoRelationship(t *testing.T) {
	r := &Resolver{}
	a := hl("a", "first passage", base, model.PlatformWeb)
	b := hl("b", "second, unrelated", base, model.PlatformMobile)
	assert.Empty(t, r.DetectConflicts([]model.Highlight{a}, []model.Highlight{b}))

	merged := r.ResolveConflicts([]model.Highlight{a}, []model.Highlight{b})
	assert.Len(t, merged, 2)
}

func TestResolveConflicts_SortedByCreatedAt(t *testing.T) {
	r := &Resolver{}
	newer := hl("n", "newer passage", base.Add(time.Hour), model.PlatformWeb)
	older := hl("o", "older passage", base, model.PlatformMobile)

	merged := r.ResolveConflicts([]model.Highlight{newer}, []model.Highlight{older})
	require.Len(t, merged, 2)
	assert.Equal(t, "o", merged[0].ID)
	assert.Equal(t, "n", merged[1].ID)
}

func TestResolveConflict_ManualOverridePath(t *testing.T) {
	r := &Resolver{}
	l := hl("l", "the wind rose", base.Add(time.Minute), model.PlatformWeb)
	rem := hl("r", "the wind rose", base, model.PlatformMobile)

	res := r.ResolveConflict(Conflict{Type: SameTextSamePosition, Local: l, Remote: rem})
	require.Len(t, res.Keep, 1)
	assert.Equal(t, "l", res.Keep[0].ID)

	res = r.ResolveConflict(Conflict{Type: SamePositionDifferentText, Local: l, Remote: rem})
	assert.Len(t, res.Keep, 2)
}

func TestTextsOverlap(t *testing.T) {
	assert.True(t, textsOverlap("the wind rose over the sea", "wind rose"))
	assert.True(t, textsOverlap("ends with a shared run here", "a shared run here starts this"))
	assert.False(t, textsOverlap("short run", "run short"), "run below threshold")
	assert.False(t, textsOverlap("alpha", "alpha"), "identical text is not an overlap")
}

func TestUnionReviews_OrderedDedup(t *testing.T) {
	r1 := model.ReviewEvent{ReviewedAt: base, Outcome: "good", Platform: model.PlatformWeb}
	r2 := model.ReviewEvent{ReviewedAt: base.Add(time.Hour), Outcome: "easy", Platform: model.PlatformMobile}

	got := unionReviews([]model.ReviewEvent{r2, r1}, []model.ReviewEvent{r1})
	require.Len(t, got, 2)
	assert.Equal(t, "good", got[0].Outcome)
	assert.Equal(t, "easy", got[1].Outcome)
}
