package reranker

import (
	"context"
	"fmt"
	"sort"

	"github.com/soundprediction/go-embedeverything/pkg/embedder"
)

// EmbedEverythingRanker scores passages with a local cross-encoder model
// loaded through go-embedeverything. The model is frozen: it serves
// prediction runs but exposes no parameters to train.
type EmbedEverythingRanker struct {
	model *embedder.Reranker
}

// NewEmbedEverythingRanker loads the named local reranker model.
func NewEmbedEverythingRanker(name string) (*EmbedEverythingRanker, error) {
	model, err := embedder.NewReranker(name)
	if err != nil {
		return nil, fmt.Errorf("loading reranker model %s: %w", name, err)
	}
	return &EmbedEverythingRanker{model: model}, nil
}

// Rank implements PassageRanker, returning passages in descending score
// order with ties broken by passage text.
func (e *EmbedEverythingRanker) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(passages) == 0 {
		return nil, nil
	}

	// The embedder API is synchronous and does not take a context.
	results, err := e.model.Rerank(query, passages)
	if err != nil {
		return nil, fmt.Errorf("reranking %d passages: %w", len(passages), err)
	}

	ranked := make([]RankedPassage, 0, len(results))
	for _, r := range results {
		ranked = append(ranked, RankedPassage{Passage: r.Text, Score: float64(r.Score)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Passage < ranked[j].Passage
	})
	return ranked, nil
}

// Close releases the underlying model.
func (e *EmbedEverythingRanker) Close() error {
	e.model.Close()
	return nil
}
