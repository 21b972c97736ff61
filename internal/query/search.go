// Package query searches a book's highlight set: lexical term scoring
// first, optionally re-ranked by embedding similarity when a local
// Ollama daemon is available.
package query

import (
	"context"
	"sort"
	"strings"

	"github.com/quillsync/quill/internal/model"
)

const resultLimit = 20

// Match is one search hit.
type Match struct {
	Highlight model.Highlight
	Score     float64 // lexical score
	Semantic  float32 // cosine similarity, zero unless reranked
}

// Weights of the lexical score components. Text matches dominate; note
// and tag hits pull a highlight up; importance nudges ties.
const (
	textWeight       = 3.0
	noteWeight       = 2.0
	tagWeight        = 1.5
	importanceWeight = 0.1
)

// Search scores hs against query and returns matches best-first, capped
// at resultLimit. An empty query matches nothing.
func Search(hs []model.Highlight, query string) []Match {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	var out []Match
	for _, h := range hs {
		score := lexicalScore(h, terms)
		if score <= 0 {
			continue
		}
		out = append(out, Match{Highlight: h, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Highlight.ID < out[j].Highlight.ID
	})
	if len(out) > resultLimit {
		out = out[:resultLimit]
	}
	return out
}

// SemanticSearch is Search plus embedding rerank. Falls back to the
// lexical order when embedding fails.
func SemanticSearch(ctx context.Context, hs []model.Highlight, query string, embed EmbedFn) []Match {
	matches := Search(hs, query)
	if len(matches) == 0 || embed == nil {
		return matches
	}
	reranked, err := RerankBySemantic(ctx, query, matches, embed)
	if err != nil {
		return matches
	}
	return reranked
}

func lexicalScore(h model.Highlight, terms []string) float64 {
	text := strings.ToLower(h.Text)
	note := strings.ToLower(h.Note)

	var score float64
	matched := false
	for _, term := range terms {
		if strings.Contains(text, term) {
			score += textWeight
			matched = true
		}
		if note != "" && strings.Contains(note, term) {
			score += noteWeight
			matched = true
		}
		for _, tag := range h.Tags {
			if strings.Contains(strings.ToLower(tag), term) {
				score += tagWeight
				matched = true
				break
			}
		}
	}
	if !matched {
		return 0
	}
	return score + float64(h.Importance)*importanceWeight
}
