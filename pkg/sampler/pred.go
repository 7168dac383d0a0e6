package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/soundprediction/rerankbench/pkg/extractor"
	"github.com/soundprediction/rerankbench/pkg/types"
)

// PredictionSampler makes a finite, single pass over the original candidate
// pool (not the relevance-filtered one): every (query, doc) pair is emitted
// exactly once, labeled positive when the doc is in the query's relevant
// set. Missing-document conditions are fatal here; silently dropping
// candidates would invalidate the evaluation run.
type PredictionSampler struct {
	base
	pool           types.CandidatePool
	relevanceLevel int
	qrels          types.Qrels
}

// NewPredictionSampler returns a prediction sampler.
func NewPredictionSampler(logger *slog.Logger) *PredictionSampler {
	return &PredictionSampler{base: newBase(0, logger)}
}

func (s *PredictionSampler) Prepare(pool types.CandidatePool, qrels types.Qrels, ex extractor.Extractor, relevanceLevel int) error {
	s.prepare(pool, qrels, ex, relevanceLevel)
	// Keep the unfiltered pool; prediction must cover every candidate.
	s.pool = pool
	s.qrels = qrels
	s.relevanceLevel = relevanceLevel
	return nil
}

func (s *PredictionSampler) Hash() string {
	return s.hashWithPrefix("dev", s.pool)
}

// QidDocID is one (query, doc) identity in prediction order.
type QidDocID struct {
	QID   string
	DocID string
}

// QidDocIDPairs returns the (qid, docid) identities in the exact order the
// prediction stream emits instances, without extracting features. Used to
// align scores computed from serialized records with their identities.
func (s *PredictionSampler) QidDocIDPairs() []QidDocID {
	qids := make([]string, 0, len(s.pool))
	for qid := range s.pool {
		qids = append(qids, qid)
	}
	sort.Strings(qids)

	var pairs []QidDocID
	for _, qid := range qids {
		for _, docID := range s.pool[qid] {
			pairs = append(pairs, QidDocID{QID: qid, DocID: docID})
		}
	}
	return pairs
}

func (s *PredictionSampler) Stream(ctx context.Context) (Stream, error) {
	if len(s.pool) == 0 {
		return nil, ErrNoTrainingQueries
	}
	return &predStream{ctx: ctx, s: s, pairs: s.QidDocIDPairs()}, nil
}

type predStream struct {
	ctx   context.Context
	s     *PredictionSampler
	pairs []QidDocID
	idx   int
}

func (st *predStream) Next() (*extractor.Features, error) {
	if err := st.ctx.Err(); err != nil {
		return nil, err
	}
	if st.idx >= len(st.pairs) {
		return nil, ErrStreamDone
	}
	pair := st.pairs[st.idx]
	st.idx++

	label := LabelNegative
	if st.s.qrels.IsRelevant(pair.QID, pair.DocID, st.s.relevanceLevel) {
		label = LabelPositive
	}

	feat, err := st.s.ex.ID2Vec(pair.QID, pair.DocID, "", label)
	if err != nil {
		return nil, fmt.Errorf("prediction features unavailable for qid=%s docid=%s: %w", pair.QID, pair.DocID, err)
	}
	return feat, nil
}
