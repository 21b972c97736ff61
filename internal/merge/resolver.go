// Package merge implements deterministic conflict detection and
// resolution between two independently edited highlight sets. Both
// devices run the same pure function over the same inputs and converge
// on the same merged set without communicating: no randomness, no
// locale-dependent comparison, lastModified as the only tiebreaker.
package merge

import (
	"sort"
	"strings"
	"time"

	"github.com/quillsync/quill/internal/model"
)

// ConflictType classifies a pairwise relationship between a local and a
// remote highlight that do not share an id.
type ConflictType string

const (
	// SameTextSamePosition: duplicate annotations of the same passage.
	SameTextSamePosition ConflictType = "same-text-same-position"
	// OverlappingText: selections overlap but are not identical.
	OverlappingText ConflictType = "overlapping-text"
	// SamePositionDifferentText: same spot, different span. The passage
	// shifted between reads or the user re-selected.
	SamePositionDifferentText ConflictType = "same-position-different-text"
)

// Thresholds for the classification boundaries the source left fuzzy.
// Documented here so both platforms agree on the exact numbers.
const (
	// minOverlapRun: shortest shared contiguous run that counts as a
	// text overlap.
	minOverlapRun = 12
	// maxOffsetDelta: largest character-offset difference still treated
	// as "approximately the same position".
	maxOffsetDelta = 32
	// ctxMatchLen: characters per side that must agree for two context
	// windows to count as near-identical (refinement detection).
	ctxMatchLen = 20
)

// DefaultTombstoneRetention bounds how long deletion markers ride along
// in the merged file before being pruned.
const DefaultTombstoneRetention = 90 * 24 * time.Hour

// Conflict is one detected pairwise disagreement.
type Conflict struct {
	Type   ConflictType
	Local  model.Highlight
	Remote model.Highlight
}

// Resolution is the outcome of resolving one conflict: the survivors
// (one highlight for collapse/refinement, two for create-separate).
type Resolution struct {
	Keep []model.Highlight
}

// Resolver merges highlight sets. The zero value uses
// DefaultTombstoneRetention.
type Resolver struct {
	TombstoneRetention time.Duration
}

func (r *Resolver) retention() time.Duration {
	if r == nil || r.TombstoneRetention <= 0 {
		return DefaultTombstoneRetention
	}
	return r.TombstoneRetention
}

// DetectConflicts reports every pairwise conflict between local and
// remote highlights that are not already paired by identical id.
func (r *Resolver) DetectConflicts(local, remote []model.Highlight) []Conflict {
	localOnly, remoteOnly := splitUnpaired(local, remote)

	var out []Conflict
	for _, l := range localOnly {
		for _, rem := range remoteOnly {
			if ct, ok := classify(l, rem); ok {
				out = append(out, Conflict{Type: ct, Local: l, Remote: rem})
			}
		}
	}
	return out
}

// ResolveConflict applies the default resolution to a single conflict.
// Callers driving manual resolution can ignore the result and pick a
// side themselves.
func (r *Resolver) ResolveConflict(c Conflict) Resolution {
	switch c.Type {
	case SameTextSamePosition:
		return Resolution{Keep: []model.Highlight{collapseDuplicate(c.Local, c.Remote)}}
	case OverlappingText:
		if isRefinement(c.Local, c.Remote) {
			return Resolution{Keep: []model.Highlight{longerOf(c.Local, c.Remote)}}
		}
		return Resolution{Keep: []model.Highlight{c.Local, c.Remote}}
	default:
		// Create-separate: losing data is worse than duplicating it.
		return Resolution{Keep: []model.Highlight{c.Local, c.Remote}}
	}
}

// ResolveConflicts merges two highlight sets: same-id records collapse
// last-write-wins, detected conflicts get their default resolution, and
// everything non-conflicting from both sides is kept. The result is
// sorted by createdAt ascending and merging is idempotent:
// ResolveConflicts(m, m) == m.
func (r *Resolver) ResolveConflicts(local, remote []model.Highlight) []model.Highlight {
	merged, _ := r.ResolveSets(local, remote, nil, nil, time.Time{})
	return merged
}

// ResolveSets is ResolveConflicts plus tombstone handling: a tombstone
// newer than the other side's live copy removes it from the merged set;
// an older tombstone loses to the newer live edit. Tombstones older than
// the retention window (relative to now) are pruned from the output;
// pass a zero now to keep them all.
func (r *Resolver) ResolveSets(local, remote []model.Highlight, localTombs, remoteTombs []model.Tombstone, now time.Time) ([]model.Highlight, []model.Tombstone) {
	survivors := make(map[string]model.Highlight)

	// Same-id records collapse last-write-wins; tags and review history
	// are unioned because both are grow-only.
	remoteByID := indexByID(remote)
	localByID := indexByID(local)
	for id, l := range localByID {
		if rem, ok := remoteByID[id]; ok {
			survivors[id] = collapseSameID(l, rem)
		} else {
			survivors[id] = l
		}
	}
	for id, rem := range remoteByID {
		if _, ok := localByID[id]; !ok {
			survivors[id] = rem
		}
	}

	// Cross-pair the unpaired remainder. Only duplicate collapses and
	// refinements remove anything; create-separate keeps both, which is
	// what leaving the pair untouched already does.
	localOnly, remoteOnly := splitUnpaired(local, remote)
	consumedRemote := make(map[string]bool)
	for _, l := range localOnly {
		for _, rem := range remoteOnly {
			if consumedRemote[rem.ID] {
				continue
			}
			ct, ok := classify(l, rem)
			if !ok {
				continue
			}
			res := r.ResolveConflict(Conflict{Type: ct, Local: l, Remote: rem})
			if len(res.Keep) == 1 {
				delete(survivors, l.ID)
				delete(survivors, rem.ID)
				survivors[res.Keep[0].ID] = res.Keep[0]
				consumedRemote[rem.ID] = true
				break
			}
		}
	}

	// Fold in tombstones from both sides.
	tombs := mergeTombstones(localTombs, remoteTombs)
	for id, t := range tombs {
		if h, ok := survivors[id]; ok {
			if t.Supersedes(h) {
				delete(survivors, id)
			}
		}
	}

	// Prune aged tombstones.
	outTombs := make([]model.Tombstone, 0, len(tombs))
	for _, t := range tombs {
		if !now.IsZero() && now.Sub(t.DeletedAt) > r.retention() {
			continue
		}
		outTombs = append(outTombs, t)
	}
	sort.Slice(outTombs, func(i, j int) bool { return outTombs[i].HighlightID < outTombs[j].HighlightID })

	merged := make([]model.Highlight, 0, len(survivors))
	for _, h := range survivors {
		merged = append(merged, h)
	}
	sortHighlights(merged)
	return merged, outTombs
}

// sortHighlights orders by createdAt ascending so the UI stays stable
// across repeated merges; id is the total-order tiebreak.
func sortHighlights(hs []model.Highlight) {
	sort.Slice(hs, func(i, j int) bool {
		if !hs[i].CreatedAt.Equal(hs[j].CreatedAt) {
			return hs[i].CreatedAt.Before(hs[j].CreatedAt)
		}
		return hs[i].ID < hs[j].ID
	})
}

func indexByID(hs []model.Highlight) map[string]model.Highlight {
	m := make(map[string]model.Highlight, len(hs))
	for _, h := range hs {
		m[h.ID] = h
	}
	return m
}

// splitUnpaired returns the highlights of each side whose id does not
// appear on the other, in deterministic order.
func splitUnpaired(local, remote []model.Highlight) (localOnly, remoteOnly []model.Highlight) {
	remoteByID := indexByID(remote)
	localByID := indexByID(local)
	for _, l := range local {
		if _, ok := remoteByID[l.ID]; !ok {
			localOnly = append(localOnly, l)
		}
	}
	for _, rem := range remote {
		if _, ok := localByID[rem.ID]; !ok {
			remoteOnly = append(remoteOnly, rem)
		}
	}
	sortHighlights(localOnly)
	sortHighlights(remoteOnly)
	return localOnly, remoteOnly
}

// classify decides the conflict type of an unpaired (local, remote)
// pair, or reports no relationship. Primary locators are never compared
// directly: they differ across platforms by construction.
func classify(l, r model.Highlight) (ConflictType, bool) {
	lt, rt := l.Position.Fallback.TextContent, r.Position.Fallback.TextContent
	if l.Text == r.Text && lt == rt {
		return SameTextSamePosition, true
	}
	if textsOverlap(lt, rt) {
		return OverlappingText, true
	}
	if samePosition(l, r) && lt != rt {
		return SamePositionDifferentText, true
	}
	return "", false
}

// textsOverlap reports a substring relation or a shared contiguous run
// of at least minOverlapRun characters (suffix of one is prefix of the
// other).
func textsOverlap(a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	return overlapRun(a, b) >= minOverlapRun || overlapRun(b, a) >= minOverlapRun
}

// overlapRun returns the longest suffix of a that is a prefix of b.
func overlapRun(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for n := max; n > 0; n-- {
		if a[len(a)-n:] == b[:n] {
			return n
		}
	}
	return 0
}

// samePosition: matching page or chapter and approximately matching
// character offset.
func samePosition(l, r model.Highlight) bool {
	lf, rf := l.Position.Fallback, r.Position.Fallback
	pageMatch := lf.PageNumber != 0 && lf.PageNumber == rf.PageNumber
	chapterMatch := lf.ChapterID != "" && lf.ChapterID == rf.ChapterID
	if !pageMatch && !chapterMatch {
		return false
	}
	lo, ro := charOffset(l), charOffset(r)
	if lo < 0 || ro < 0 {
		// No offsets to compare; page/chapter agreement is all we have.
		return true
	}
	d := lo - ro
	if d < 0 {
		d = -d
	}
	return d <= maxOffsetDelta
}

func charOffset(h model.Highlight) int {
	if h.Position.Primary == nil {
		return -1
	}
	return h.Position.Primary.CharOffset
}

// isRefinement: one selection contains the other and the context windows
// are near-identical, i.e. the user extended or trimmed the same
// highlight rather than making a second one.
func isRefinement(l, r model.Highlight) bool {
	lt, rt := l.Position.Fallback.TextContent, r.Position.Fallback.TextContent
	if !strings.Contains(lt, rt) && !strings.Contains(rt, lt) {
		return false
	}
	lf, rf := l.Position.Fallback, r.Position.Fallback
	return ctxTailMatch(lf.ContextBefore, rf.ContextBefore) &&
		ctxHeadMatch(lf.ContextAfter, rf.ContextAfter)
}

func ctxTailMatch(a, b string) bool {
	n := ctxMatchLen
	if len(a) < n {
		n = len(a)
	}
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return a == b
	}
	return a[len(a)-n:] == b[len(b)-n:]
}

func ctxHeadMatch(a, b string) bool {
	n := ctxMatchLen
	if len(a) < n {
		n = len(a)
	}
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return a == b
	}
	return a[:n] == b[:n]
}

// collapseDuplicate resolves same-text-same-position: the later
// lastModified wins, tags are the set union, and the non-empty note is
// preferred.
func collapseDuplicate(l, r model.Highlight) model.Highlight {
	winner, loser := l, r
	if r.NewerThan(l) {
		winner, loser = r, l
	}
	out := winner.Clone()
	out.Tags = model.UnionTags(winner.Tags, loser.Tags)
	if out.Note == "" && loser.Note != "" {
		out.Note = loser.Note
	}
	out.ReviewHistory = unionReviews(winner.ReviewHistory, loser.ReviewHistory)
	if loser.CreatedAt.Before(out.CreatedAt) {
		out.CreatedAt = loser.CreatedAt
	}
	return out
}

// collapseSameID resolves a same-id divergence: pure last-write-wins on
// the whole record, with the grow-only fields unioned.
func collapseSameID(l, r model.Highlight) model.Highlight {
	winner, loser := l, r
	if r.NewerThan(l) {
		winner, loser = r, l
	}
	out := winner.Clone()
	out.Tags = model.UnionTags(winner.Tags, loser.Tags)
	out.ReviewHistory = unionReviews(winner.ReviewHistory, loser.ReviewHistory)
	return out
}

func longerOf(l, r model.Highlight) model.Highlight {
	if len(r.Position.Fallback.TextContent) > len(l.Position.Fallback.TextContent) {
		return r
	}
	if len(l.Position.Fallback.TextContent) > len(r.Position.Fallback.TextContent) {
		return l
	}
	if l.NewerThan(r) {
		return l
	}
	return r
}

// unionReviews merges two append-only review logs, ordered by time.
func unionReviews(a, b []model.ReviewEvent) []model.ReviewEvent {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	type key struct {
		at       time.Time
		outcome  string
		platform model.Platform
	}
	seen := make(map[key]bool, len(a)+len(b))
	out := make([]model.ReviewEvent, 0, len(a)+len(b))
	for _, list := range [][]model.ReviewEvent{a, b} {
		for _, ev := range list {
			k := key{ev.ReviewedAt, ev.Outcome, ev.Platform}
			if !seen[k] {
				seen[k] = true
				out = append(out, ev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReviewedAt.Equal(out[j].ReviewedAt) {
			return out[i].ReviewedAt.Before(out[j].ReviewedAt)
		}
		return out[i].Platform.Rank() < out[j].Platform.Rank()
	})
	return out
}

// mergeTombstones keeps the newest marker per highlight id.
func mergeTombstones(a, b []model.Tombstone) map[string]model.Tombstone {
	m := make(map[string]model.Tombstone, len(a)+len(b))
	for _, list := range [][]model.Tombstone{a, b} {
		for _, t := range list {
			if prev, ok := m[t.HighlightID]; !ok || t.LastModified.After(prev.LastModified) {
				m[t.HighlightID] = t
			}
		}
	}
	return m
}
