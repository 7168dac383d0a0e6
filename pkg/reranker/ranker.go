package reranker

import (
	"context"
	"fmt"
	"strings"

	"github.com/soundprediction/rerankbench/pkg/extractor"
	"github.com/soundprediction/rerankbench/pkg/types"
)

// RankedPassage is one passage with its relevance score.
type RankedPassage struct {
	Passage string
	Score   float64
}

// PassageRanker scores raw text passages against a query. Implementations
// wrap frozen external cross-encoders; they are usable for prediction runs
// but not for training.
type PassageRanker interface {
	Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error)
}

// RankPool scores every candidate in a pool with a PassageRanker, taking
// the max passage score per document. passages resolves a doc ID to its
// tokenized passages (the extractor's view after Preprocess).
func RankPool(ctx context.Context, ranker PassageRanker, topics map[string]string, pool types.CandidatePool, ex extractor.Extractor) (types.RunScores, error) {
	preds := types.RunScores{}
	for qid, docIDs := range pool {
		query, ok := topics[qid]
		if !ok {
			return nil, fmt.Errorf("no topic text for qid %s", qid)
		}
		for _, docID := range docIDs {
			passages, ok := ex.Passages(docID)
			if !ok {
				return nil, &extractor.MissingDocError{QID: qid, DocID: docID}
			}
			texts := make([]string, 0, len(passages))
			for _, p := range passages {
				text := strings.Join(p, " ")
				if strings.TrimSpace(text) == "" {
					continue
				}
				texts = append(texts, text)
			}
			ranked, err := ranker.Rank(ctx, query, texts)
			if err != nil {
				return nil, fmt.Errorf("failed to rank candidates for qid=%s docid=%s: %w", qid, docID, err)
			}
			score := 0.0
			for i, rp := range ranked {
				if i == 0 || rp.Score > score {
					score = rp.Score
				}
			}
			if preds[qid] == nil {
				preds[qid] = map[string]float64{}
			}
			preds[qid][docID] = score
		}
	}
	return preds, nil
}
