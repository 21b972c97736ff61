package query

import (
	"context"
	"sort"
)

// CosineSimilarity of two L2-normalized vectors. Ollama embeddings are
// normalized, so the dot product is the cosine.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i] * b[i])
	}
	return float32(dot)
}

// EmbedFn embeds texts and returns one vector per text, in order.
type EmbedFn func(ctx context.Context, texts []string) ([][]float32, error)

// RerankBySemantic re-orders matches by embedding similarity between the
// query and each highlight's text. Lexical scores are kept as tiebreaks;
// a malformed embedding response leaves the lexical order untouched.
func RerankBySemantic(ctx context.Context, query string, matches []Match, embed EmbedFn) ([]Match, error) {
	if len(matches) == 0 {
		return matches, nil
	}
	texts := make([]string, 0, len(matches)+1)
	texts = append(texts, query)
	for _, m := range matches {
		texts = append(texts, m.Highlight.Text+" "+m.Highlight.Note)
	}
	embeddings, err := embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(texts) {
		return matches, nil
	}
	queryVec := embeddings[0]
	out := make([]Match, len(matches))
	copy(out, matches)
	for i := range out {
		out[i].Semantic = CosineSimilarity(queryVec, embeddings[i+1])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Semantic != out[j].Semantic {
			return out[i].Semantic > out[j].Semantic
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}
